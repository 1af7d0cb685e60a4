package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Arg 一个命令行覆盖参数
type Arg struct {
	Key   string
	Value string
}

// OrderedArgs 保持插入顺序的参数表
//
// JSON 形式为普通对象 {"lr": 0.1, "epochs": 3}，解析时保留键的出现顺序，
// 因为最终命令行按该顺序追加 --key value。
type OrderedArgs []Arg

// Get 查找参数
func (a OrderedArgs) Get(key string) (string, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return "", false
}

// Set 设置参数：已存在则原位替换值，否则追加到末尾
func (a OrderedArgs) Set(key, value string) OrderedArgs {
	for i := range a {
		if a[i].Key == key {
			a[i].Value = value
			return a
		}
	}
	return append(a, Arg{Key: key, Value: value})
}

// Merge 以 higher 覆盖 a，返回新表（不修改入参）
func (a OrderedArgs) Merge(higher OrderedArgs) OrderedArgs {
	out := make(OrderedArgs, len(a), len(a)+len(higher))
	copy(out, a)
	for _, arg := range higher {
		out = out.Set(arg.Key, arg.Value)
	}
	return out
}

// Flags 转换为 --key value 形式
func (a OrderedArgs) Flags() []string {
	flags := make([]string, 0, len(a)*2)
	for _, arg := range a {
		flags = append(flags, "--"+arg.Key, arg.Value)
	}
	return flags
}

// MarshalJSON 按顺序输出对象
func (a OrderedArgs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, arg := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(arg.Key)
		v, _ := json.Marshal(arg.Value)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 逐 token 解析对象以保留键顺序
func (a *OrderedArgs) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("override args must be a JSON object")
	}

	var out OrderedArgs
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("override arg key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("override arg %q: %w", key, err)
		}
		value, err := scalarString(raw)
		if err != nil {
			return fmt.Errorf("override arg %q: %w", key, err)
		}
		out = out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}

// scalarString 把 JSON 标量转成命令行字符串；复合值保留其 JSON 文本
func scalarString(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case nil:
		return "", nil
	default:
		return string(bytes.TrimSpace(raw)), nil
	}
}

// Overrides 覆盖参数
type Overrides struct {
	Args       OrderedArgs    `json:"args,omitempty"`
	RunConfig  map[string]any `json:"run_config,omitempty"`
	EntryPoint []string       `json:"entry_point,omitempty"`
}

// Merge 以 higher 覆盖 o
func (o Overrides) Merge(higher Overrides) Overrides {
	out := Overrides{
		Args:       o.Args.Merge(higher.Args),
		RunConfig:  make(map[string]any, len(o.RunConfig)+len(higher.RunConfig)),
		EntryPoint: o.EntryPoint,
	}
	for k, v := range o.RunConfig {
		out.RunConfig[k] = v
	}
	for k, v := range higher.RunConfig {
		out.RunConfig[k] = v
	}
	if len(higher.EntryPoint) > 0 {
		out.EntryPoint = higher.EntryPoint
	}
	return out
}
