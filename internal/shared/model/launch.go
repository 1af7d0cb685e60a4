package model

import (
	"fmt"
	"time"
)

// ============================================================================
// QueueItem - 队列条目
// ============================================================================

// QueueItem 从远端队列弹出的一个待启动任务
//
// 弹出后所有权转移给 Agent，Agent 必须 Ack 或 Fail 恰好一次；
// 未确认的条目在租约过期后会被队列重新投递。
type QueueItem struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Priority int       `json:"priority"`
	RunSpec  RunSpec   `json:"run_spec"`
	PoppedAt time.Time `json:"popped_at,omitempty"`
}

// RunSpec 队列条目携带的运行描述（对 Agent 而言是不透明的，只读取驱动调度所需字段）
type RunSpec struct {
	URI          string       `json:"uri,omitempty"`
	JobRef       string       `json:"job,omitempty"`
	DockerImage  string       `json:"docker_image,omitempty"`
	GitVersion   string       `json:"git_version,omitempty"`
	Entity       string       `json:"entity,omitempty"`
	Project      string       `json:"project,omitempty"`
	Resource     string       `json:"resource,omitempty"`
	ResourceArgs ResourceArgs `json:"resource_args,omitempty"`
	Overrides    Overrides    `json:"overrides,omitempty"`
}

// ============================================================================
// LaunchProject - 解析完成的项目
// ============================================================================

// SourceKind 项目来源
type SourceKind string

const (
	SourceGit      SourceKind = "git"
	SourceArtifact SourceKind = "artifact"
	SourceImage    SourceKind = "image"
)

// LaunchProject 与后端无关的、可直接启动的任务描述
//
// 每个队列条目构造一次，由唯一一个 Runner 消费。
type LaunchProject struct {
	RunID       string
	QueueItemID string
	Queue       string

	Source      SourceKind
	URI         string
	JobRef      string
	DockerImage string // 构建前可能为空
	GitCommit   string
	ArtifactKey string // artifact 来源在对象存储中的 key

	Entity       string
	Project      string
	Resource     string
	ResourceArgs ResourceArgs

	EntryPoint []string  // 最终命令（基础命令 + 覆盖参数）
	Overrides  Overrides // 合并后的覆盖参数
	ProjectDir string    // 源码物化目录（image 来源为空）

	// Env 注入运行环境的变量
	Env map[string]string
}

// Identity 项目标识（用于日志）
func (p *LaunchProject) Identity() string {
	switch p.Source {
	case SourceImage:
		return p.DockerImage
	case SourceArtifact:
		return p.JobRef
	default:
		if p.JobRef != "" {
			return p.JobRef
		}
		return p.URI
	}
}

// RunEnv 返回运行时环境变量（基础 + 覆盖配置）
func (p *LaunchProject) RunEnv() map[string]string {
	env := map[string]string{
		"LAUNCH_RUN_ID":  p.RunID,
		"LAUNCH_ENTITY":  p.Entity,
		"LAUNCH_PROJECT": p.Project,
	}
	if p.QueueItemID != "" {
		env["LAUNCH_QUEUE_ITEM_ID"] = p.QueueItemID
	}
	for k, v := range p.Env {
		env[k] = v
	}
	return env
}

// ============================================================================
// ResourceArgs - 后端参数
// ============================================================================

// ResourceArgs 后端相关的自由参数表
type ResourceArgs map[string]any

// String 读取字符串字段
func (r ResourceArgs) String(key string) string {
	if r == nil {
		return ""
	}
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Map 读取嵌套对象
func (r ResourceArgs) Map(key string) ResourceArgs {
	if r == nil {
		return nil
	}
	switch v := r[key].(type) {
	case map[string]any:
		return ResourceArgs(v)
	case ResourceArgs:
		return v
	}
	return nil
}

// Int 读取整数字段（JSON 数字解码为 float64）
func (r ResourceArgs) Int(key string) (int, bool) {
	if r == nil {
		return 0, false
	}
	switch v := r[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// StringMap 读取 string → string 对象
func (r ResourceArgs) StringMap(key string) map[string]string {
	m := r.Map(key)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = m.String(k)
	}
	return out
}
