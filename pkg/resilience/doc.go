// Package resilience provides the failure-isolation primitives used by the
// provider registry: a circuit breaker with half-open trial calls, a named
// breaker registry, and a retrier with exponential backoff and jitter.
//
// The circuit breaker distinguishes transport failures from caller mistakes:
// errors matching the configured exclude predicate pass through without
// affecting the failure count, so a burst of bad requests never opens a
// circuit to a healthy provider.
package resilience
