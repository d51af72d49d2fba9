package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcgate/rpcgate/pkg/errors"
)

func failing(err error) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		return nil, err
	}
}

func succeeding(result interface{}) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		return result, nil
	}
}

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test-cb"})

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), succeeding("ok"))
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
		assert.Equal(t, StateClosed, cb.State())
	}

	stats := cb.Stats()
	assert.Equal(t, uint64(5), stats.TotalCalls)
	assert.Equal(t, uint64(5), stats.SuccessfulCalls)
}

func TestCircuitBreaker_OpensExactlyAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	})

	transportErr := errors.NewTransportError("primary", "connection refused")

	for i := 0; i < 4; i++ {
		_, err := cb.Execute(context.Background(), failing(transportErr))
		require.Error(t, err)
		assert.Equal(t, StateClosed, cb.State(), "breaker opened early at failure %d", i+1)
	}

	_, err := cb.Execute(context.Background(), failing(transportErr))
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 3,
	})

	transportErr := errors.NewTransportError("primary", "eof")

	cb.Execute(context.Background(), failing(transportErr))
	cb.Execute(context.Background(), failing(transportErr))
	cb.Execute(context.Background(), succeeding("ok"))
	cb.Execute(context.Background(), failing(transportErr))
	cb.Execute(context.Background(), failing(transportErr))

	// Two failures since the last success, threshold is three.
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpenRejectsWithoutExecuting(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	require.Equal(t, StateOpen, cb.State())

	executed := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		executed = true
		return "should not run", nil
	})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
	assert.False(t, executed)

	stats := cb.Stats()
	assert.Equal(t, uint64(1), stats.RejectedCalls)
}

func TestCircuitBreaker_RecoveryTimeoutAllowsHalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	require.Equal(t, StateOpen, cb.State())

	// Before the recovery timeout: still rejected.
	_, err := cb.Execute(context.Background(), succeeding("early"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))

	time.Sleep(60 * time.Millisecond)

	// After the timeout the first call is a half-open trial.
	result, err := cb.Execute(context.Background(), succeeding("trial"))
	require.NoError(t, err)
	assert.Equal(t, "trial", result)
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                     "test-cb",
		FailureThreshold:         1,
		RecoveryTimeout:          10 * time.Millisecond,
		HalfOpenMaxCalls:         3,
		HalfOpenSuccessThreshold: 2,
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	time.Sleep(20 * time.Millisecond)

	_, err := cb.Execute(context.Background(), succeeding("one"))
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Execute(context.Background(), succeeding("two"))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	time.Sleep(20 * time.Millisecond)

	_, err := cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "still down")))
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenConcurrencyCap(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                     "test-cb",
		FailureThreshold:         1,
		RecoveryTimeout:          10 * time.Millisecond,
		HalfOpenMaxCalls:         1,
		HalfOpenSuccessThreshold: 2,
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "slow trial", nil
		})
	}()

	<-started
	// The single trial slot is occupied; a second call is rejected.
	_, err := cb.Execute(context.Background(), succeeding("over cap"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))

	close(release)
	wg.Wait()
}

func TestCircuitBreaker_ExcludedErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 2,
	})

	validationErr := errors.NewValidationError("bad params")

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(context.Background(), failing(validationErr))
		require.Error(t, err)
		require.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 5,
		CallTimeout:      20 * time.Millisecond,
	})

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	assert.Equal(t, uint64(1), cb.Stats().FailedCalls)
}

func TestCircuitBreaker_FallbackOnOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		Fallback: func(ctx context.Context) (interface{}, error) {
			return "cached", nil
		},
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))

	result, err := cb.Execute(context.Background(), succeeding("live"))
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.Equal(t, uint64(1), cb.Stats().FallbackCalls)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	cb.Execute(context.Background(), failing(errors.NewTransportError("primary", "down")))
	time.Sleep(20 * time.Millisecond)
	cb.Execute(context.Background(), succeeding("ok"))
	cb.Execute(context.Background(), succeeding("ok"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, "closed->open", transitions[0])
	assert.Contains(t, transitions, "open->half_open")
}

func TestCircuitBreaker_PlainErrorCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
	})

	_, err := cb.Execute(context.Background(), failing(stderrors.New("socket closed")))
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerRegistry(t *testing.T) {
	reg := NewBreakerRegistry()

	cb := reg.Create(CircuitBreakerConfig{Name: "provider-a"})
	require.NotNil(t, cb)
	assert.Same(t, cb, reg.Get("provider-a"))
	assert.Nil(t, reg.Get("provider-b"))

	reg.Create(CircuitBreakerConfig{Name: "provider-b"})
	assert.ElementsMatch(t, []string{"provider-a", "provider-b"}, reg.Names())

	stats := reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "closed", stats["provider-a"].State)

	reg.Remove("provider-a")
	assert.Nil(t, reg.Get("provider-a"))
}

func TestCircuitBreaker_StaleClosedCallIsNotAHalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                     "test-cb",
		FailureThreshold:         1,
		RecoveryTimeout:          30 * time.Millisecond,
		HalfOpenSuccessThreshold: 1,
		CallTimeout:              time.Second,
	})

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			<-release
			return "ok", nil
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return cb.Stats().TotalCalls == 1
	}, time.Second, time.Millisecond, "slow call was never admitted")

	transportErr := errors.NewTransportError("primary", "connection refused")
	_, err := cb.Execute(context.Background(), failing(transportErr))
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	// Let the breaker recover into half-open, then complete the call that was
	// admitted back when the breaker was still closed.
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, StateHalfOpen, cb.State(), "stale success closed the circuit")
	assert.Equal(t, 0, cb.Stats().SuccessCount, "stale success counted toward the trial quorum")

	// A genuine trial success still closes the circuit.
	_, err = cb.Execute(context.Background(), succeeding("ok"))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}
