// Package retry 提供指数退避重试工具。
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry 由被重试函数返回（可用 %w 包装），表示本次失败可以重试。
var ErrRetry = errors.New("retry")

// Backoff 在两次尝试之间等待，ctx 结束时返回 ctx.Err()。
type Backoff func(context.Context) error

// ExponentialBackoff 返回首次等待 initial、之后每次乘以 factor 的退避函数；max > 0 时限制单次等待上限。
//
// 第一次调用不等待，保证首次尝试立即执行。
func ExponentialBackoff(initial time.Duration, factor float64, max time.Duration) Backoff {
	interval := initial
	first := true
	return func(ctx context.Context) error {
		if first {
			first = false
			return ctx.Err()
		}
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			next := time.Duration(float64(interval) * factor)
			if max > 0 && next > max {
				next = max
			}
			interval = next
			return nil
		}
	}
}

// Blocking 按 b 的节奏反复调用 f，直到成功、返回不可重试的错误或尝试次数达到 attempts。
//
// attempts <= 0 表示不限次数。次数耗尽时返回最后一次的错误。
func Blocking[T any](ctx context.Context, b Backoff, attempts int, f func(attempt int) (T, error)) (T, error) {
	var (
		last    T
		lastErr error
	)
	for attempt := 1; attempts <= 0 || attempt <= attempts; attempt++ {
		if err := b(ctx); err != nil {
			if lastErr != nil {
				return last, errors.Join(lastErr, err)
			}
			return last, err
		}
		last, lastErr = f(attempt)
		if lastErr == nil {
			return last, nil
		}
		if !errors.Is(lastErr, ErrRetry) {
			return last, lastErr
		}
	}
	return last, lastErr
}
