// Package retry runs operations with a bounded, linearly backed-off retry loop.
package retry

import (
	"context"
	"time"
)

// Policy describes how an operation is retried.
// The delay before attempt n+1 is BaseDelay * n.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
	// OnRetry is called after a failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts || p.Retryable == nil || !p.Retryable(err) {
			return result, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-time.After(p.BaseDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, err
}
