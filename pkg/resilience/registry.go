package resilience

import (
	"sync"
)

// BreakerRegistry is an explicit collection of named circuit breakers. It is
// constructed once at startup and handed to every component that needs it;
// there is no process-wide instance.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Create builds, registers, and returns a breaker. An existing breaker with
// the same name is replaced.
func (r *BreakerRegistry) Create(config CircuitBreakerConfig) *CircuitBreaker {
	cb := NewCircuitBreaker(config)
	r.mu.Lock()
	r.breakers[config.Name] = cb
	r.mu.Unlock()
	return cb
}

// Get returns the named breaker, or nil if it is not registered.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Remove deletes the named breaker.
func (r *BreakerRegistry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// Names returns the registered breaker names.
func (r *BreakerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns snapshots for every registered breaker keyed by name.
func (r *BreakerRegistry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
