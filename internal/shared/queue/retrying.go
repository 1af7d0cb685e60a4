package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"launch-agent/internal/retry"
	"launch-agent/internal/shared/model"
)

// StatusError 控制面返回的非 2xx 响应（5xx 与 404 由实现转换为 TransientError / NotFoundError）
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsConflict 是否为 409
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

// Classify 队列调用错误分类
//
//   - 5xx、连接错误、超时：可重试
//   - 4xx（校验、不存在、鉴权）与配置错误：立即返回
func Classify(err error) retry.Outcome {
	if err == nil {
		return retry.Success
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.FatalFailure
	}
	if model.IsFatal(err) {
		return retry.FatalFailure
	}
	if errors.Is(err, model.ErrTransient) {
		return retry.RetryableFailure
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 500 {
			return retry.RetryableFailure
		}
		return retry.FatalFailure
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return retry.RetryableFailure
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return retry.RetryableFailure
	}
	return retry.FatalFailure
}

// RetryPolicy 队列调用的重试参数
type RetryPolicy struct {
	NumRetries   int
	Timeout      time.Duration
	InitialSleep time.Duration
	MaxSleep     time.Duration
	Clock        retry.Clock
	Jitter       func(time.Duration) time.Duration
	Notify       func(format string, args ...any)
}

// DefaultRetryPolicy 默认重试参数
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NumRetries:   -1,
		Timeout:      5 * time.Minute,
		InitialSleep: time.Second,
		MaxSleep:     30 * time.Second,
	}
}

// Retrying 为任意 Queue 加上重试
//
// 轮询路径上的暂时性错误在这里被吸收，对 Agent 的任务表不可见。
type Retrying struct {
	inner  Queue
	policy RetryPolicy
}

// NewRetrying 包装队列
func NewRetrying(inner Queue, policy RetryPolicy) *Retrying {
	return &Retrying{inner: inner, policy: policy}
}

func (q *Retrying) retrier(op string) *retry.Retrier {
	r := retry.NewRetrier("queue."+op, q.policy.NumRetries, q.policy.Timeout)
	if q.policy.InitialSleep > 0 {
		r.InitialSleep = q.policy.InitialSleep
	}
	if q.policy.MaxSleep > 0 {
		r.MaxSleep = q.policy.MaxSleep
	}
	r.Clock = q.policy.Clock
	r.Jitter = q.policy.Jitter
	r.Notify = q.policy.Notify
	r.Classify = Classify
	return r
}

// Pop 实现 Queue
func (q *Retrying) Pop(ctx context.Context, queueName, entity, project string) (*model.QueueItem, error) {
	return retry.Value(ctx, q.retrier("pop"), func(ctx context.Context) (*model.QueueItem, error) {
		return q.inner.Pop(ctx, queueName, entity, project)
	})
}

// ListQueues 实现 Queue
func (q *Retrying) ListQueues(ctx context.Context, entity, project string) ([]string, error) {
	return retry.Value(ctx, q.retrier("list_queues"), func(ctx context.Context) ([]string, error) {
		return q.inner.ListQueues(ctx, entity, project)
	})
}

// Ack 实现 Queue（409 重试恰好一次）
func (q *Retrying) Ack(ctx context.Context, itemID string) error {
	return q.mutate(ctx, "ack", func(ctx context.Context) error {
		return q.inner.Ack(ctx, itemID)
	})
}

// Fail 实现 Queue（409 重试恰好一次）
func (q *Retrying) Fail(ctx context.Context, itemID, reason string) error {
	return q.mutate(ctx, "fail", func(ctx context.Context) error {
		return q.inner.Fail(ctx, itemID, reason)
	})
}

func (q *Retrying) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	r := q.retrier(op)
	conflictRetried := false
	r.Classify = func(err error) retry.Outcome {
		if IsConflict(err) {
			if conflictRetried {
				return retry.FatalFailure
			}
			conflictRetried = true
			return retry.RetryableFailure
		}
		return Classify(err)
	}
	return r.Call(ctx, fn)
}

// Push 透传到底层队列（如果支持）
func (q *Retrying) Push(ctx context.Context, queueName, entity, project string, spec model.RunSpec, priority int) (string, error) {
	p, ok := q.inner.(Pusher)
	if !ok {
		return "", fmt.Errorf("queue does not support push")
	}
	return retry.Value(ctx, q.retrier("push"), func(ctx context.Context) (string, error) {
		return p.Push(ctx, queueName, entity, project, spec, priority)
	})
}

var (
	_ Queue  = (*Retrying)(nil)
	_ Pusher = (*Retrying)(nil)
)
