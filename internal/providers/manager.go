package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpcgate/rpcgate/pkg/errors"
	"github.com/rpcgate/rpcgate/pkg/logging"
	"github.com/rpcgate/rpcgate/pkg/metrics"
	"github.com/rpcgate/rpcgate/pkg/resilience"
)

// RegistryConfig configures the provider registry.
type RegistryConfig struct {
	// Strategy is the default selection strategy when the caller does not
	// name one.
	Strategy Strategy
	// HealthCheckInterval is the period of the background probe loop.
	HealthCheckInterval time.Duration
	// ProbeMethod is the cheap upstream method used by health probes.
	ProbeMethod string
	// ProbeTimeout bounds one health probe.
	ProbeTimeout time.Duration
	// Breaker is the per-provider breaker template; Name is set per provider.
	Breaker resilience.CircuitBreakerConfig
	// Retry drives same-provider retries before failover.
	Retry resilience.RetryConfig
}

// Registry owns the provider set. It selects one provider per call, retries
// the same provider with backoff, fails over once via priority when retries
// are exhausted, and runs the background health-probe loop.
type Registry struct {
	config   RegistryConfig
	executor CallExecutor
	breakers *resilience.BreakerRegistry
	retrier  *resilience.Retrier
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu           sync.Mutex
	providers    map[string]*Provider
	lastSelected string
	selections   map[string]uint64
	byStrategy   map[Strategy]uint64
	failovers    uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry builds an empty registry. Providers are added with AddProvider.
func NewRegistry(config RegistryConfig, executor CallExecutor, breakers *resilience.BreakerRegistry, m *metrics.Metrics) *Registry {
	if config.Strategy == "" {
		config.Strategy = StrategyPriority
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.ProbeMethod == "" {
		config.ProbeMethod = MethodGetHealth
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if breakers == nil {
		breakers = resilience.NewBreakerRegistry()
	}

	return &Registry{
		config:     config,
		executor:   executor,
		breakers:   breakers,
		retrier:    resilience.NewRetrier(config.Retry),
		metrics:    m,
		logger:     logging.GetLogger(),
		providers:  make(map[string]*Provider),
		selections: make(map[string]uint64),
		byStrategy: make(map[Strategy]uint64),
		stopCh:     make(chan struct{}),
	}
}

// AddProvider registers a new provider with its own circuit breaker.
func (r *Registry) AddProvider(spec ProviderSpec) error {
	if spec.Name == "" || spec.URL == "" {
		return errors.NewValidationError("provider name and url are required")
	}
	if spec.Capacity <= 0 {
		return errors.NewValidationError(fmt.Sprintf("provider %s needs a positive capacity", spec.Name))
	}

	bc := r.config.Breaker
	bc.Name = spec.Name
	if m := r.metrics; m != nil && m.BreakerTransitions != nil {
		userHook := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
			m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			if userHook != nil {
				userHook(name, from, to)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[spec.Name]; exists {
		return errors.NewValidationError(fmt.Sprintf("provider %s already registered", spec.Name))
	}

	breaker := r.breakers.Create(bc)
	r.providers[spec.Name] = newProvider(spec, breaker)

	r.logger.LogProviderEvent(context.Background(), "registered", spec.Name, logrus.Fields{
		"url":      spec.URL,
		"priority": spec.Priority,
		"capacity": spec.Capacity,
	})
	return nil
}

// UpdateProvider applies a partial spec change to an existing provider.
func (r *Registry) UpdateProvider(spec ProviderSpec) error {
	r.mu.Lock()
	p, ok := r.providers[spec.Name]
	r.mu.Unlock()
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("unknown provider %s", spec.Name))
	}
	p.update(spec)
	r.logger.LogProviderEvent(context.Background(), "updated", spec.Name, nil)
	return nil
}

// RemoveProvider deregisters a provider and its breaker. In-flight calls on
// the removed provider complete normally.
func (r *Registry) RemoveProvider(name string) error {
	r.mu.Lock()
	_, ok := r.providers[name]
	if ok {
		delete(r.providers, name)
		delete(r.selections, name)
	}
	r.mu.Unlock()
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("unknown provider %s", name))
	}
	r.breakers.Remove(name)
	r.logger.LogProviderEvent(context.Background(), "removed", name, nil)
	return nil
}

// Provider returns the named provider, or nil.
func (r *Registry) Provider(name string) *Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers[name]
}

func (r *Registry) snapshot() []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// eligible filters providers usable for normal selection: health healthy or
// degraded, not over their own request budget, and with spare capacity. A
// rate-limited provider and an at-capacity provider are equally disqualified.
func eligible(all []*Provider, exclude map[string]bool, now time.Time) []*Provider {
	out := make([]*Provider, 0, len(all))
	for _, p := range all {
		if exclude[p.name] {
			continue
		}
		h := p.Health()
		if h != HealthHealthy && h != HealthDegraded {
			continue
		}
		if p.isRateLimited(now) || p.atCapacity() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// selectProvider picks one provider for a call. When no provider passes the
// health filter it falls back to any provider that is neither rate-limited
// nor at capacity, regardless of health.
func (r *Registry) selectProvider(strategy Strategy, exclude map[string]bool) (*Provider, error) {
	sel, ok := selectors[strategy]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown selection strategy %q", strategy))
	}

	now := time.Now()
	all := r.snapshot()

	candidates := eligible(all, exclude, now)
	if len(candidates) == 0 {
		for _, p := range all {
			if exclude[p.name] {
				continue
			}
			if !p.isRateLimited(now) && !p.atCapacity() {
				candidates = append(candidates, p)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.NewNoAvailableProviderError()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	picked := sel(r, candidates)
	r.lastSelected = picked.name
	r.selections[picked.name]++
	r.byStrategy[strategy]++
	return picked, nil
}

// Call dispatches method/params using the registry's default strategy.
func (r *Registry) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return r.CallWith(ctx, r.config.Strategy, method, params)
}

// CallWith dispatches method/params using an explicit strategy. On failure it
// retries the selected provider with backoff, then fails over once to a
// provider chosen by priority, and finally surfaces an aggregated error
// naming every provider attempted.
func (r *Registry) CallWith(ctx context.Context, strategy Strategy, method string, params interface{}) (json.RawMessage, error) {
	primary, err := r.selectProvider(strategy, nil)
	if err != nil {
		return nil, err
	}

	result, primaryErr := r.callWithRetries(ctx, primary, method, params)
	if primaryErr == nil {
		return result, nil
	}
	if !retryWorthy(primaryErr) {
		return nil, primaryErr
	}

	exclude := map[string]bool{primary.name: true}
	fallback, selErr := r.selectProvider(StrategyPriority, exclude)
	if selErr != nil {
		return nil, aggregateCallError(method, []attemptFailure{{primary.name, primaryErr}})
	}

	r.mu.Lock()
	r.failovers++
	r.mu.Unlock()
	if r.metrics != nil && r.metrics.ProviderFailovers != nil {
		r.metrics.ProviderFailovers.WithLabelValues(primary.name, fallback.name).Inc()
	}
	r.logger.LogProviderEvent(ctx, "failover", primary.name, logrus.Fields{
		"to":     fallback.name,
		"method": method,
		"error":  primaryErr.Error(),
	})

	result, fallbackErr := r.callWithRetries(ctx, fallback, method, params)
	if fallbackErr == nil {
		return result, nil
	}
	return nil, aggregateCallError(method, []attemptFailure{
		{primary.name, primaryErr},
		{fallback.name, fallbackErr},
	})
}

// retryWorthy reports whether an error justifies trying another provider.
// Caller mistakes fail everywhere identically and cancellation belongs to the
// caller.
func retryWorthy(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	return !errors.IsType(err, errors.ErrorTypeValidation)
}

// callWithRetries runs one provider's call path: capacity gate, breaker,
// executor, health bookkeeping, with same-provider retries.
func (r *Registry) callWithRetries(ctx context.Context, p *Provider, method string, params interface{}) (json.RawMessage, error) {
	out, err := r.retrier.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.callOnce(ctx, p, method, params)
	})
	if err != nil {
		return nil, err
	}
	raw, _ := out.(json.RawMessage)
	return raw, nil
}

func (r *Registry) callOnce(ctx context.Context, p *Provider, method string, params interface{}) (interface{}, error) {
	if err := p.acquire(time.Now()); err != nil {
		return nil, err
	}
	defer p.release()

	start := time.Now()
	result, err := p.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return r.executor.Execute(ctx, p.URL(), method, params)
	})
	elapsed := time.Since(start)

	r.recordOutcome(p, method, elapsed, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recordOutcome feeds one call result into provider health and metrics.
// Breaker rejections never reach the network, so they update neither; caller
// mistakes count as provider successes.
func (r *Registry) recordOutcome(p *Provider, method string, elapsed time.Duration, err error) {
	var from, to HealthStatus
	var outcome string

	switch {
	case err == nil, errors.IsType(err, errors.ErrorTypeValidation):
		from, to = p.recordSuccess(elapsed)
		outcome = "success"
	case errors.IsType(err, errors.ErrorTypeCircuitOpen):
		if r.metrics != nil && r.metrics.BreakerRejections != nil {
			r.metrics.BreakerRejections.WithLabelValues(p.name).Inc()
		}
		return
	default:
		from, to = p.recordFailure(elapsed)
		outcome = "failure"
	}

	if r.metrics != nil {
		r.metrics.ObserveProviderRequest(p.name, method, outcome, elapsed)
		if r.metrics.ProviderCurrentLoad != nil {
			r.metrics.ProviderCurrentLoad.WithLabelValues(p.name).Set(float64(p.CurrentLoad()))
		}
		if from != to && r.metrics.ProviderHealthStatus != nil {
			r.metrics.ProviderHealthStatus.WithLabelValues(p.name).Set(float64(to))
		}
	}
	if from != to {
		r.logger.LogProviderEvent(context.Background(), "health_changed", p.name, logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

// Start launches the background health-probe loop. Stop shuts it down.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
	r.logger.Info("Provider health loop started",
		"interval", r.config.HealthCheckInterval,
		"probe_method", r.config.ProbeMethod,
	)
}

// Stop halts the health loop and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// probeAll issues one cheap probe per provider, concurrently. Probe results
// flow through the same health counters as real calls.
func (r *Registry) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range r.snapshot() {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			r.probe(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (r *Registry) probe(ctx context.Context, p *Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	_, err := r.executor.Execute(probeCtx, p.URL(), r.config.ProbeMethod, nil)
	elapsed := time.Since(start)

	var from, to HealthStatus
	if err != nil && !errors.IsType(err, errors.ErrorTypeValidation) {
		from, to = p.recordFailure(elapsed)
		r.logger.Debug("Health probe failed",
			"provider", p.name,
			"error", err.Error(),
			"elapsed", elapsed,
		)
	} else {
		from, to = p.recordSuccess(elapsed)
	}

	if r.metrics != nil && r.metrics.ProviderHealthStatus != nil {
		r.metrics.ProviderHealthStatus.WithLabelValues(p.name).Set(float64(to))
	}
	if from != to {
		r.logger.LogProviderEvent(ctx, "health_changed", p.name, logrus.Fields{
			"from":   from.String(),
			"to":     to.String(),
			"source": "probe",
		})
	}
}

// RegistryStats is a snapshot of the registry and all of its providers.
type RegistryStats struct {
	Strategy    string                      `json:"strategy"`
	Providers   []ProviderStats             `json:"providers"`
	Selections  map[string]uint64           `json:"selections"`
	ByStrategy  map[string]uint64           `json:"selections_by_strategy"`
	Failovers   uint64                      `json:"failovers"`
	BreakerView map[string]resilience.Stats `json:"breakers"`
}

// Stats returns a snapshot across all providers and breakers.
func (r *Registry) Stats() RegistryStats {
	providers := r.snapshot()

	stats := RegistryStats{
		Strategy:    string(r.config.Strategy),
		Providers:   make([]ProviderStats, 0, len(providers)),
		Selections:  make(map[string]uint64),
		ByStrategy:  make(map[string]uint64),
		BreakerView: r.breakers.Stats(),
	}
	for _, p := range providers {
		stats.Providers = append(stats.Providers, p.Stats())
	}

	r.mu.Lock()
	for name, n := range r.selections {
		stats.Selections[name] = n
	}
	for s, n := range r.byStrategy {
		stats.ByStrategy[string(s)] = n
	}
	stats.Failovers = r.failovers
	r.mu.Unlock()
	return stats
}

type attemptFailure struct {
	provider string
	err      error
}

// aggregateCallError builds the surfaced error after retries and failover are
// exhausted, naming every provider attempted and its failure reason.
func aggregateCallError(method string, attempts []attemptFailure) error {
	parts := make([]string, 0, len(attempts))
	agg := errors.NewAppError(errors.ErrorTypeTransport, "ALL_PROVIDERS_FAILED",
		fmt.Sprintf("all providers failed for %s", method))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.provider, a.err))
		agg = agg.WithDetail(a.provider, a.err.Error())
	}
	agg.Message = fmt.Sprintf("all providers failed for %s (%s)", method, strings.Join(parts, "; "))
	return agg.WithCause(attempts[len(attempts)-1].err)
}
