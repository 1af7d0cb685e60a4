package model

import (
	"errors"
	"fmt"
)

// 错误分类
//
// 调用方通过 errors.Is 判断类别，通过 errors.As 取出具体资源名。
var (
	// ErrTransient 网络 / 5xx 等暂时性错误，由重试引擎处理
	ErrTransient = errors.New("transient error")

	// ErrConfiguration 配置错误（描述符歧义或缺失、后端必填参数缺失、未知后端），不重试
	ErrConfiguration = errors.New("configuration error")

	// ErrDispatch 后端拒绝了运行请求（如镜像推送失败），作为单个任务的失败
	ErrDispatch = errors.New("backend dispatch error")

	// ErrNotFound 引用的 job / artifact / queue 不存在
	ErrNotFound = errors.New("not found")
)

// TransientError 暂时性错误
type TransientError struct {
	Op         string
	StatusCode int // HTTP 状态码，非 HTTP 错误为 0
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// ConfigurationError 配置错误
type ConfigurationError struct {
	Resource string // 出问题的资源名（队列、后端、参数键……）
	Msg      string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error [%s]: %s", e.Resource, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// BackendDispatchError 后端派发失败
type BackendDispatchError struct {
	Backend string
	Msg     string
	Err     error
}

func (e *BackendDispatchError) Error() string {
	msg := fmt.Sprintf("dispatch to %s failed: %s", e.Backend, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendDispatchError) Unwrap() error { return e.Err }

func (e *BackendDispatchError) Is(target error) bool { return target == ErrDispatch }

// NotFoundError 资源不存在
type NotFoundError struct {
	Kind string // "queue" / "job" / "artifact" / "image"
	Name string
	Err  error
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Configf 构造 ConfigurationError
func Configf(resource, format string, args ...any) error {
	return &ConfigurationError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// DispatchErr 构造 BackendDispatchError
func DispatchErr(backend, msg string, err error) error {
	return &BackendDispatchError{Backend: backend, Msg: msg, Err: err}
}

// IsFatal 配置错误与 NotFound 对当前操作是致命的
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotFound)
}
