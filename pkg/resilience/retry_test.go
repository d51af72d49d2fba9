package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcgate/rpcgate/pkg/errors"
)

func TestRetrier_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	result, err := r.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestRetrier_RetriesTransportErrors(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	result, err := r.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.NewTransportError("primary", "connection reset")
		}
		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ExhaustsRetries(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond})

	calls := 0
	transportErr := errors.NewTransportError("primary", "eof")
	_, err := r.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, transportErr
	})

	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, transportErr)
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond})

	for name, err := range map[string]error{
		"validation":   errors.NewValidationError("bad method"),
		"circuit open": errors.NewCircuitOpenError("primary"),
		"rate limit":   errors.NewRateLimitError("ip", time.Now().Add(time.Minute)),
		"at capacity":  errors.NewProviderAtCapacityError("primary", 50),
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			_, got := r.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
				calls++
				return nil, err
			})
			require.Error(t, got)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetrier_ContextCancellationStopsRetryLoop(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 10, BaseDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, errors.NewTransportError("primary", "down")
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry loop did not stop after cancellation")
	}
	assert.LessOrEqual(t, calls, 2)
}

func TestRetrier_OnRetryHook(t *testing.T) {
	var attempts []int
	r := NewRetrier(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	})

	r.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestRetrier_DelayFor(t *testing.T) {
	r := NewRetrier(RetryConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0,
	})

	assert.Equal(t, 100*time.Millisecond, r.DelayFor(0))
	assert.Equal(t, 200*time.Millisecond, r.DelayFor(1))
	assert.Equal(t, 400*time.Millisecond, r.DelayFor(2))
	// 100ms * 2^5 = 3.2s, capped at the max.
	assert.Equal(t, time.Second, r.DelayFor(5))
}

func TestRetrier_DelayForJitterBounds(t *testing.T) {
	r := NewRetrier(RetryConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Minute,
		JitterFactor: 0.2,
	})

	for i := 0; i < 100; i++ {
		d := r.DelayFor(1)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}
