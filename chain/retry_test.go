package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset by peer")

type codedError struct {
	code int
}

func (e codedError) Error() string  { return "rpc error" }
func (e codedError) ErrorCode() int { return e.code }

func fastRetry() RetryConfig {
	return RetryConfig{Attempts: DEFAULT_RETRY_ATTEMPTS, Delay: 0, Timeout: time.Second}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, ok, err := Retry(context.Background(), fastRetry(), nil, nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < DEFAULT_RETRY_ATTEMPTS {
			return 0, errFlaky
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, DEFAULT_RETRY_ATTEMPTS, calls)
}

func TestRetry_ExhaustedIsFatal(t *testing.T) {
	calls := 0
	_, ok, err := Retry(context.Background(), fastRetry(), nil, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.False(t, ok)
	assert.Equal(t, DEFAULT_RETRY_ATTEMPTS, calls)
}

func TestRetry_PermanentStopsWithoutDelay(t *testing.T) {
	cfg := RetryConfig{Attempts: DEFAULT_RETRY_ATTEMPTS, Delay: time.Hour, Timeout: time.Second}
	calls := 0
	start := time.Now()
	_, ok, err := Retry(context.Background(), cfg, nil, nil, func(ctx context.Context) (string, error) {
		calls++
		return "", Permanent(errors.New("invalid argument"))
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_RPCErrorClassification(t *testing.T) {
	for _, code := range []int{rpcCodeMethodNotFound, rpcCodeInvalidParams, rpcCodeReverted} {
		calls := 0
		_, ok, err := Retry(context.Background(), fastRetry(), nil, nil, func(ctx context.Context) (int, error) {
			calls++
			return 0, codedError{code: code}
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, calls, "code %d should not be retried", code)
	}

	calls := 0
	cfg := RetryConfig{Attempts: 3, Timeout: time.Second}
	_, _, err := Retry(context.Background(), cfg, nil, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, codedError{code: -32000}
	})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
}

func TestRetry_AttemptTimeout(t *testing.T) {
	cfg := RetryConfig{Attempts: 2, Timeout: 20 * time.Millisecond}
	var calls atomic.Int32
	v, ok, err := Retry(context.Background(), cfg, nil, nil, func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
			return 1, nil
		}
		return 2, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errFlaky))
	assert.True(t, IsPermanent(Permanent(errFlaky)))
	assert.True(t, IsPermanent(errors.New("execution reverted: unknown user")))
	assert.Nil(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(errFlaky), errFlaky)
}

func TestRetry_MalformedFailsFast(t *testing.T) {
	cfg := RetryConfig{Attempts: DEFAULT_RETRY_ATTEMPTS, Delay: time.Hour, Timeout: time.Second}
	calls := 0
	start := time.Now()
	_, ok, err := Retry(context.Background(), cfg, nil, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, Malformed(errors.New("unpack getUser: bad output"))
	})
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsMalformed(t *testing.T) {
	assert.False(t, IsMalformed(nil))
	assert.False(t, IsMalformed(errFlaky))
	assert.False(t, IsMalformed(Permanent(errFlaky)))
	assert.True(t, IsMalformed(Malformed(errFlaky)))
	assert.False(t, IsPermanent(Malformed(errors.New("contract field points out of range"))))
	assert.Nil(t, Malformed(nil))
}
