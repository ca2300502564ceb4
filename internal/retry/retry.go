// Package retry 提供可取消、可复用的重试策略，底层使用 cenkalti/backoff。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffFunc 根据已失败的次数（从1开始）返回下一次重试前的等待时间。
type BackoffFunc func(attempt int) time.Duration

// Policy 重试策略。
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable 返回 false 时立即停止重试；为 nil 时除上下文取消外全部重试。
	Retryable func(err error) bool
	// OnRetry 在每次等待前调用。
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ExhaustedError 重试次数耗尽后返回，携带最后一次错误。
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Linear 线性退避：base × attempt。
func Linear(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential 指数退避：base × 2^(attempt-1)。
func Exponential(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << uint(attempt-1)
	}
}

// Default 默认策略：最多3次，基础延迟1秒，线性退避。
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     Linear(time.Second),
	}
}

// Operation 每次尝试执行的操作，attempt 从1开始。
type Operation func(ctx context.Context, attempt int) error

// Do 按策略执行 op。
// 成功返回 nil；不可重试的错误原样返回；上下文取消返回上下文错误；
// 次数耗尽返回 *ExhaustedError。
func Do(ctx context.Context, p Policy, op Operation) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = Linear(time.Second)
	}

	var (
		attempt   int
		lastErr   error
		permanent bool
	)

	schedule := &attemptBackOff{fn: p.Backoff}
	operation := func() (struct{}, error) {
		attempt++
		schedule.failed = attempt
		err := op(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if ctx.Err() != nil || !p.retryable(err) {
			permanent = true
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, d time.Duration) {
			p.OnRetry(attempt, err, d)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case permanent:
		return lastErr
	default:
		return &ExhaustedError{Attempts: attempt, Last: lastErr}
	}
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// attemptBackOff 把 BackoffFunc 适配为 backoff.BackOff。
type attemptBackOff struct {
	fn     BackoffFunc
	failed int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	return b.fn(b.failed)
}

func (b *attemptBackOff) Reset() {
	b.failed = 0
}
