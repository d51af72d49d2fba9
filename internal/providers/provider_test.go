package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcgate/rpcgate/pkg/errors"
	"github.com/rpcgate/rpcgate/pkg/resilience"
)

func testProvider(t *testing.T, spec ProviderSpec) *Provider {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "test-provider"
	}
	if spec.URL == "" {
		spec.URL = "http://rpc.test"
	}
	if spec.Capacity == 0 {
		spec.Capacity = 10
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: spec.Name})
	return newProvider(spec, breaker)
}

func TestProvider_HealthTransitions(t *testing.T) {
	p := testProvider(t, ProviderSpec{})
	require.Equal(t, HealthUnknown, p.Health())

	// Three consecutive successes lift an unknown provider to degraded.
	for i := 0; i < 3; i++ {
		p.recordSuccess(10 * time.Millisecond)
	}
	assert.Equal(t, HealthDegraded, p.Health())

	// Five more promote degraded to healthy.
	for i := 0; i < 5; i++ {
		p.recordSuccess(10 * time.Millisecond)
	}
	assert.Equal(t, HealthHealthy, p.Health())

	// Three consecutive failures demote healthy to degraded.
	for i := 0; i < 3; i++ {
		p.recordFailure(10 * time.Millisecond)
	}
	assert.Equal(t, HealthDegraded, p.Health())

	// Five more push degraded to unhealthy.
	for i := 0; i < 5; i++ {
		p.recordFailure(10 * time.Millisecond)
	}
	assert.Equal(t, HealthUnhealthy, p.Health())

	// Recovery retraces the same path.
	for i := 0; i < 3; i++ {
		p.recordSuccess(10 * time.Millisecond)
	}
	assert.Equal(t, HealthDegraded, p.Health())
}

func TestProvider_StreakResetsOnOppositeOutcome(t *testing.T) {
	p := testProvider(t, ProviderSpec{})

	p.recordSuccess(time.Millisecond)
	p.recordSuccess(time.Millisecond)
	p.recordFailure(time.Millisecond)
	p.recordSuccess(time.Millisecond)
	p.recordSuccess(time.Millisecond)

	// Never three in a row, so still unknown.
	assert.Equal(t, HealthUnknown, p.Health())
}

func TestProvider_CapacityGate(t *testing.T) {
	p := testProvider(t, ProviderSpec{Capacity: 2})
	now := time.Now()

	require.NoError(t, p.acquire(now))
	require.NoError(t, p.acquire(now))
	assert.Equal(t, 2, p.CurrentLoad())

	err := p.acquire(now)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAtCapacity))

	p.release()
	assert.Equal(t, 1, p.CurrentLoad())
	require.NoError(t, p.acquire(now))
}

func TestProvider_RequestBudgetWindow(t *testing.T) {
	p := testProvider(t, ProviderSpec{Capacity: 100, RequestBudget: 3})
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.acquire(now))
		p.release()
	}
	assert.True(t, p.isRateLimited(now))

	// A fresh window clears the budget.
	later := now.Add(requestWindow + time.Second)
	assert.False(t, p.isRateLimited(later))
	require.NoError(t, p.acquire(later))
}

func TestProvider_RollingResponseWindow(t *testing.T) {
	p := testProvider(t, ProviderSpec{})

	for i := 0; i < 20; i++ {
		p.recordSuccess(100 * time.Millisecond)
	}
	p.mu.Lock()
	n := len(p.responseTimes)
	p.mu.Unlock()
	assert.Equal(t, responseTimeWindow, n)
	assert.Equal(t, 100*time.Millisecond, p.avgResponseTime())
}

func TestProvider_Stats(t *testing.T) {
	p := testProvider(t, ProviderSpec{Name: "stats-provider", Priority: 2, Weight: 3, Capacity: 5})
	p.recordSuccess(50 * time.Millisecond)
	p.recordFailure(150 * time.Millisecond)

	s := p.Stats()
	assert.Equal(t, "stats-provider", s.Name)
	assert.Equal(t, 2, s.Priority)
	assert.Equal(t, uint64(1), s.TotalFailures)
	assert.Equal(t, "unknown", s.Health)
	assert.Equal(t, "closed", s.BreakerState)
	assert.InDelta(t, 100, s.AvgResponseTimeMS, 1)
}
