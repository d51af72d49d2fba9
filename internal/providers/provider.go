package providers

import (
	"sync"
	"time"

	"github.com/rpcgate/rpcgate/pkg/errors"
	"github.com/rpcgate/rpcgate/pkg/resilience"
)

// HealthStatus represents the observed health of an upstream provider.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	// responseTimeWindow bounds the rolling latency sample per provider.
	responseTimeWindow = 10

	// defaultRequestBudget is the per-provider request budget per window.
	// Most public RPC endpoints throttle well before this.
	defaultRequestBudget = 50

	// requestWindow is the span of the per-provider request budget.
	requestWindow = time.Minute
)

// ProviderSpec describes a provider as it arrives from configuration or the
// runtime add/update operations.
type ProviderSpec struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Priority      int    `json:"priority"`
	Weight        int    `json:"weight"`
	Capacity      int    `json:"capacity"`
	RequestBudget int    `json:"request_budget"`
}

// Provider is one upstream endpoint with its own health, capacity, request
// budget, and circuit breaker. All mutable state is guarded by its own lock so
// unrelated providers never contend with each other.
type Provider struct {
	name     string
	url      string
	priority int
	weight   int
	capacity int

	breaker *resilience.CircuitBreaker

	mu                   sync.Mutex
	health               HealthStatus
	currentLoad          int
	responseTimes        []time.Duration
	consecutiveSuccesses int
	consecutiveFailures  int
	totalRequests        uint64
	totalFailures        uint64

	requestBudget      int
	requestWindowStart time.Time
	requestCount       int
}

func newProvider(spec ProviderSpec, breaker *resilience.CircuitBreaker) *Provider {
	weight := spec.Weight
	if weight <= 0 {
		weight = 1
	}
	budget := spec.RequestBudget
	if budget <= 0 {
		budget = defaultRequestBudget
	}
	return &Provider{
		name:          spec.Name,
		url:           spec.URL,
		priority:      spec.Priority,
		weight:        weight,
		capacity:      spec.Capacity,
		breaker:       breaker,
		health:        HealthUnknown,
		requestBudget: budget,
	}
}

// Name returns the provider's identifier.
func (p *Provider) Name() string { return p.name }

// URL returns the provider's endpoint URL.
func (p *Provider) URL() string { return p.url }

// Breaker returns the provider's circuit breaker.
func (p *Provider) Breaker() *resilience.CircuitBreaker { return p.breaker }

// Health returns the provider's current health status.
func (p *Provider) Health() HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// CurrentLoad returns the number of in-flight calls on this provider.
func (p *Provider) CurrentLoad() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLoad
}

// acquire reserves one in-flight slot and one unit of the request budget.
// It fails with ProviderAtCapacityError when the provider is saturated, before
// any network attempt is made.
func (p *Provider) acquire(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentLoad >= p.capacity {
		return errors.NewProviderAtCapacityError(p.name, p.capacity)
	}
	p.currentLoad++
	p.countRequestLocked(now)
	return nil
}

// release frees the in-flight slot taken by acquire. It runs on every exit
// path, including timeouts and caller cancellation.
func (p *Provider) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentLoad > 0 {
		p.currentLoad--
	}
}

func (p *Provider) countRequestLocked(now time.Time) {
	if now.Sub(p.requestWindowStart) >= requestWindow {
		p.requestWindowStart = now
		p.requestCount = 0
	}
	p.requestCount++
	p.totalRequests++
}

// isRateLimited reports whether the provider has exhausted its own request
// budget for the current window. This is an upstream courtesy limit, distinct
// from provider health.
func (p *Provider) isRateLimited(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.requestWindowStart) >= requestWindow {
		return false
	}
	return p.requestCount >= p.requestBudget
}

// atCapacity reports whether all in-flight slots are taken.
func (p *Provider) atCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLoad >= p.capacity
}

// recordSuccess feeds one successful call into the health counters. Returns
// the health transition, if any.
func (p *Provider) recordSuccess(elapsed time.Duration) (from, to HealthStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.observeLocked(elapsed)
	p.consecutiveFailures = 0
	p.consecutiveSuccesses++

	from = p.health
	switch p.health {
	case HealthUnknown, HealthUnhealthy:
		if p.consecutiveSuccesses >= 3 {
			p.setHealthLocked(HealthDegraded)
		}
	case HealthDegraded:
		if p.consecutiveSuccesses >= 5 {
			p.setHealthLocked(HealthHealthy)
		}
	}
	return from, p.health
}

// recordFailure feeds one failed call into the health counters. Returns the
// health transition, if any.
func (p *Provider) recordFailure(elapsed time.Duration) (from, to HealthStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.observeLocked(elapsed)
	p.totalFailures++
	p.consecutiveSuccesses = 0
	p.consecutiveFailures++

	from = p.health
	switch p.health {
	case HealthHealthy, HealthUnknown:
		if p.consecutiveFailures >= 3 {
			p.setHealthLocked(HealthDegraded)
		}
	case HealthDegraded:
		if p.consecutiveFailures >= 5 {
			p.setHealthLocked(HealthUnhealthy)
		}
	}
	return from, p.health
}

func (p *Provider) observeLocked(elapsed time.Duration) {
	p.responseTimes = append(p.responseTimes, elapsed)
	if len(p.responseTimes) > responseTimeWindow {
		p.responseTimes = p.responseTimes[1:]
	}
}

// setHealthLocked changes health and resets the streak counters so the next
// transition needs a fresh streak.
func (p *Provider) setHealthLocked(h HealthStatus) {
	if p.health == h {
		return
	}
	p.health = h
	p.consecutiveSuccesses = 0
	p.consecutiveFailures = 0
}

// avgResponseTime returns the mean of the rolling latency window, or zero when
// no calls have been observed yet.
func (p *Provider) avgResponseTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, rt := range p.responseTimes {
		total += rt
	}
	return total / time.Duration(len(p.responseTimes))
}

// update applies a spec change in place. Zero fields keep their current value
// so partial updates are safe.
func (p *Provider) update(spec ProviderSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if spec.URL != "" {
		p.url = spec.URL
	}
	if spec.Priority != 0 {
		p.priority = spec.Priority
	}
	if spec.Weight > 0 {
		p.weight = spec.Weight
	}
	if spec.Capacity > 0 {
		p.capacity = spec.Capacity
	}
	if spec.RequestBudget > 0 {
		p.requestBudget = spec.RequestBudget
	}
}

// ProviderStats is a point-in-time snapshot of one provider.
type ProviderStats struct {
	Name                 string  `json:"name"`
	URL                  string  `json:"url"`
	Priority             int     `json:"priority"`
	Weight               int     `json:"weight"`
	Capacity             int     `json:"capacity"`
	CurrentLoad          int     `json:"current_load"`
	Health               string  `json:"health"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	TotalRequests        uint64  `json:"total_requests"`
	TotalFailures        uint64  `json:"total_failures"`
	AvgResponseTimeMS    float64 `json:"avg_response_time_ms"`
	RateLimited          bool    `json:"rate_limited"`
	RequestsInWindow     int     `json:"requests_in_window"`
	BreakerState         string  `json:"breaker_state"`
}

// Stats returns a snapshot of the provider's counters.
func (p *Provider) Stats() ProviderStats {
	now := time.Now()
	avg := p.avgResponseTime()
	limited := p.isRateLimited(now)

	p.mu.Lock()
	defer p.mu.Unlock()
	return ProviderStats{
		Name:                 p.name,
		URL:                  p.url,
		Priority:             p.priority,
		Weight:               p.weight,
		Capacity:             p.capacity,
		CurrentLoad:          p.currentLoad,
		Health:               p.health.String(),
		ConsecutiveSuccesses: p.consecutiveSuccesses,
		ConsecutiveFailures:  p.consecutiveFailures,
		TotalRequests:        p.totalRequests,
		TotalFailures:        p.totalFailures,
		AvgResponseTimeMS:    float64(avg.Microseconds()) / 1000,
		RateLimited:          limited,
		RequestsInWindow:     p.requestCount,
		BreakerState:         p.breaker.State().String(),
	}
}
