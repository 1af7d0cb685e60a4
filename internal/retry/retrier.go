package retry

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"time"
)

// Outcome 一次调用的结果标签
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result 被重试函数的返回值：由标签而不是错误类型决定是否重试
type Result struct {
	Outcome Outcome
	Err     error
}

// OK 成功
func OK() Result { return Result{Outcome: Success} }

// Retryable 可重试的失败
func Retryable(err error) Result { return Result{Outcome: RetryableFailure, Err: err} }

// Fatal 不可重试的失败，立即返回给调用方
func Fatal(err error) Result { return Result{Outcome: FatalFailure, Err: err} }

// permanentError 标记永久错误，默认分类器将其视为 Fatal
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装 err，使 Retrier.Call 不再重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// DefaultClassify 默认分类：ctx 取消和 Permanent 为 Fatal，其余可重试
func DefaultClassify(err error) Outcome {
	if err == nil {
		return Success
	}
	var perm *permanentError
	if errors.As(err, &perm) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FatalFailure
	}
	return RetryableFailure
}

// noticeInterval 重复通知的最小间隔
const noticeInterval = time.Minute

// noticeAfter 第几次连续失败后开始通知
const noticeAfter = 2

// Retrier 高阶重试封装
//
// 停止条件（任一满足）：
//   - 失败次数超过 NumRetries（NumRetries<0 表示不限）
//   - 从首次调用起经过的时间超过 Timeout（0 表示不限）
//   - CheckRetry 返回的二级超时（从首次失败起算）到期
type Retrier struct {
	Name         string
	NumRetries   int
	Timeout      time.Duration
	InitialSleep time.Duration
	MaxSleep     time.Duration

	// Classify 供 Call 使用，把普通 error 映射为结果标签
	Classify func(error) Outcome
	// CheckRetry 对可重试错误做二次判断：返回 error 表示否决重试；返回正数时长表示该类错误的二级超时
	CheckRetry func(error) (time.Duration, error)

	Clock  Clock
	Jitter func(time.Duration) time.Duration
	Notify func(format string, args ...any)
}

// NewRetrier 创建带默认值的 Retrier
func NewRetrier(name string, numRetries int, timeout time.Duration) *Retrier {
	return &Retrier{
		Name:         name,
		NumRetries:   numRetries,
		Timeout:      timeout,
		InitialSleep: time.Second,
		MaxSleep:     64 * time.Second,
	}
}

// DefaultJitter 叠加 [0, 25%] 的随机抖动
func DefaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)/4 + 1))
}

// NoJitter 不加抖动（测试用）
func NoJitter(time.Duration) time.Duration { return 0 }

// Do 执行 fn 直到成功、Fatal 或达到停止条件
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) Result) error {
	clock := r.Clock
	if clock == nil {
		clock = RealClock{}
	}
	jitter := r.Jitter
	if jitter == nil {
		jitter = DefaultJitter
	}

	start := clock.Now()
	var firstFailure, lastNotice time.Time
	var secondary time.Duration
	sleep := r.InitialSleep

	for failures := 1; ; failures++ {
		res := fn(ctx)
		switch res.Outcome {
		case Success:
			return nil
		case FatalFailure:
			return res.Err
		}

		err := res.Err
		now := clock.Now()
		if firstFailure.IsZero() {
			firstFailure = now
		}

		if r.CheckRetry != nil {
			d, veto := r.CheckRetry(err)
			if veto != nil {
				return veto
			}
			if d > 0 {
				secondary = d
			}
		}

		if r.NumRetries >= 0 && failures > r.NumRetries {
			return err
		}
		if r.Timeout > 0 && now.Sub(start) >= r.Timeout {
			return err
		}
		if secondary > 0 && now.Sub(firstFailure) >= secondary {
			return err
		}

		if failures >= noticeAfter && (lastNotice.IsZero() || now.Sub(lastNotice) >= noticeInterval) {
			r.notify("[retry.notice] %s failing, retrying (attempt=%d): %v", r.Name, failures, err)
			lastNotice = now
		}

		if serr := clock.Sleep(ctx, sleep+jitter(sleep)); serr != nil {
			return err
		}
		sleep *= 2
		if r.MaxSleep > 0 && sleep > r.MaxSleep {
			sleep = r.MaxSleep
		}
	}
}

// Call 执行返回 error 的普通函数，通过 Classify 得到结果标签
func (r *Retrier) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	classify := r.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	return r.Do(ctx, func(ctx context.Context) Result {
		err := fn(ctx)
		if err == nil {
			return OK()
		}
		return Result{Outcome: classify(err), Err: err}
	})
}

// DoAsync Do 的异步版本
func (r *Retrier) DoAsync(ctx context.Context, fn func(ctx context.Context) Result) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- r.Do(ctx, fn)
	}()
	return ch
}

// Value 带返回值的 Call
func Value[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Retrier) notify(format string, args ...any) {
	if r.Notify != nil {
		r.Notify(format, args...)
		return
	}
	log.Printf(format, args...)
}
