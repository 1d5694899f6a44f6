package chain

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DEFAULT_RETRY_ATTEMPTS = 120
	DEFAULT_RETRY_DELAY    = 1000 * time.Millisecond
	DEFAULT_CALL_TIMEOUT   = 5000 * time.Millisecond
)

// RetryConfig bounds a retried chain call.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

// DefaultRetryConfig returns 120 attempts, 1s apart, 5s per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: DEFAULT_RETRY_ATTEMPTS,
		Delay:    DEFAULT_RETRY_DELAY,
		Timeout:  DEFAULT_CALL_TIMEOUT,
	}
}

// Retry runs fn until it succeeds, fails permanently or runs out of attempts.
//
// On success it returns (value, true, nil). A permanent failure returns
// (zero, false, nil) right away, without waiting. A malformed response returns
// (zero, false, err) right away. Exhausting the attempts returns
// an error wrapping ErrRetriesExhausted and the last failure.
func Retry[T any](ctx context.Context, cfg RetryConfig, limiter *rate.Limiter, logger *zap.Logger, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return zero, false, fmt.Errorf("chain rate limiter: %w", err)
			}
		}

		v, err := callWithTimeout(ctx, cfg.Timeout, fn)
		if err == nil {
			return v, true, nil
		}
		if IsMalformed(err) {
			logger.Error("chain call returned a malformed response", zap.Int("attempt", attempt), zap.Error(err))
			return zero, false, err
		}
		if IsPermanent(err) {
			logger.Warn("chain call failed permanently", zap.Int("attempt", attempt), zap.Error(err))
			return zero, false, nil
		}
		lastErr = err
		logger.Warn("chain call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == attempts-1 {
			break
		}
		if cfg.Delay > 0 {
			t := time.NewTimer(cfg.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, false, ctx.Err()
			case <-t.C:
			}
		}
	}
	return zero, false, fmt.Errorf("%w (%d attempts): %v", ErrRetriesExhausted, attempts, lastErr)
}

type callResult[T any] struct {
	v   T
	err error
}

// callWithTimeout bounds one attempt even when fn ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- callResult[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-attemptCtx.Done():
		var zero T
		return zero, fmt.Errorf("chain call timed out after %s: %w", timeout, attemptCtx.Err())
	}
}
