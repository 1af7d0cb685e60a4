// Package retry 通用重试 / 退避引擎
//
// 组成：
//   - Backoff:            纯计算的退避策略（ExponentialBackoff、FilteredBackoff），不做 I/O
//   - Do / Go:            在 Backoff 驱动下循环调用
//   - Retrier:            带重试次数、总超时、二级超时和通知节流的高阶封装
//   - Clock:              可注入的时间源，测试使用 FakeClock
//
// 抖动（jitter）只在调用点（Retrier）叠加，Backoff 本身输出是确定的。
package retry

import (
	"context"
	"time"
)

// Backoff 退避策略
type Backoff interface {
	// Next 根据上一次失败返回下一次休眠时长；不再重试时返回 err（通常就是入参本身）
	Next(err error) (time.Duration, error)
}

// ExponentialBackoff 指数退避：initial, 2*initial, ... 封顶 max
type ExponentialBackoff struct {
	next       time.Duration
	max        time.Duration
	maxRetries int // <0 表示不限
	retries    int
	timeoutAt  time.Time // 零值表示不限
	clock      Clock
}

// NewExponentialBackoff 创建指数退避
//
// maxRetries < 0 表示不限次数；timeoutAt 为零值表示不限时间；clock 为 nil 时使用 RealClock。
func NewExponentialBackoff(initial, max time.Duration, maxRetries int, timeoutAt time.Time, clock Clock) *ExponentialBackoff {
	if clock == nil {
		clock = RealClock{}
	}
	if max < initial {
		max = initial
	}
	return &ExponentialBackoff{
		next:       initial,
		max:        max,
		maxRetries: maxRetries,
		timeoutAt:  timeoutAt,
		clock:      clock,
	}
}

// Next 实现 Backoff
func (b *ExponentialBackoff) Next(err error) (time.Duration, error) {
	if b.maxRetries >= 0 {
		if b.retries >= b.maxRetries {
			return 0, err
		}
		b.retries++
	}
	if !b.timeoutAt.IsZero() && b.clock.Now().After(b.timeoutAt) {
		return 0, err
	}
	result := b.next
	b.next *= 2
	if b.next > b.max || b.next <= 0 {
		b.next = b.max
	}
	return result, nil
}

// Retries 已消耗的重试次数
func (b *ExponentialBackoff) Retries() int {
	return b.retries
}

// FilteredBackoff 仅当 filter 命中时委托给被包装的 Backoff
type FilteredBackoff struct {
	filter  func(error) bool
	wrapped Backoff
}

// NewFilteredBackoff 创建过滤退避
func NewFilteredBackoff(filter func(error) bool, wrapped Backoff) *FilteredBackoff {
	return &FilteredBackoff{filter: filter, wrapped: wrapped}
}

// Next 实现 Backoff：未命中 filter 时原样返回 err，不消耗重试次数
func (b *FilteredBackoff) Next(err error) (time.Duration, error) {
	if !b.filter(err) {
		return 0, err
	}
	return b.wrapped.Next(err)
}

// Do 在 backoff 驱动下调用 fn，直到成功、backoff 放弃或 ctx 取消
func Do(ctx context.Context, clock Clock, backoff Backoff, fn func(ctx context.Context) error) error {
	if clock == nil {
		clock = RealClock{}
	}
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		d, rerr := backoff.Next(err)
		if rerr != nil {
			return rerr
		}
		if serr := clock.Sleep(ctx, d); serr != nil {
			return err
		}
	}
}

// Go Do 的异步版本：在独立 goroutine 中执行，结果通过 channel 返回
//
// 调用方的 goroutine 不会被休眠阻塞；各调用点自身的尝试严格有序。
func Go(ctx context.Context, clock Clock, backoff Backoff, fn func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- Do(ctx, clock, backoff, fn)
	}()
	return ch
}
