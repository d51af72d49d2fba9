package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rpcgate/rpcgate/pkg/errors"
	"github.com/rpcgate/rpcgate/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited trial requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive counted failures that
	// opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing
	// half-open trial calls
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the maximum number of concurrent trial calls in
	// the half-open state; calls beyond the cap are rejected like open
	HalfOpenMaxCalls int
	// HalfOpenSuccessThreshold is the number of trial successes needed to
	// close the circuit again
	HalfOpenSuccessThreshold int
	// CallTimeout bounds every wrapped operation
	CallTimeout time.Duration
	// IsExcluded reports whether an error should not count as a failure
	// (caller-input mistakes rather than provider faults)
	IsExcluded func(error) bool
	// Fallback, when set, is invoked instead of surfacing an open-circuit
	// rejection or a counted failure
	Fallback func(ctx context.Context) (interface{}, error)
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from, to CircuitState)
}

// CircuitBreaker isolates a single upstream operation behind the
// closed/open/half-open state machine.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time
	lastStateChange  time.Time

	totalCalls      uint64
	successfulCalls uint64
	failedCalls     uint64
	rejectedCalls   uint64
	fallbackCalls   uint64
	responseTimes   []time.Duration

	logger *logging.Logger
}

const responseTimeWindow = 100

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if config.HalfOpenSuccessThreshold <= 0 {
		config.HalfOpenSuccessThreshold = 2
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	if config.IsExcluded == nil {
		config.IsExcluded = func(err error) bool {
			return errors.IsType(err, errors.ErrorTypeValidation)
		}
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		logger:          logging.GetLogger(),
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current circuit state, applying the open -> half_open
// transition if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked(time.Now())
}

// Execute runs the operation through the circuit breaker. The operation runs
// outside the breaker lock under a bounded timeout derived from ctx.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	trial, err := cb.beforeCall()
	if err != nil {
		if cb.config.Fallback != nil {
			cb.countFallback()
			return cb.config.Fallback(ctx)
		}
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := cb.run(callCtx, op)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		cb.afterCall(true, trial, elapsed)
		return result, nil

	case errors.IsType(err, errors.ErrorTypeTimeout):
		cb.afterCall(false, trial, elapsed)
		if cb.config.Fallback != nil {
			cb.countFallback()
			return cb.config.Fallback(ctx)
		}
		return nil, err

	case cb.config.IsExcluded(err):
		// Caller mistake, not a provider fault. Treated as a success for
		// state purposes so a burst of bad requests never opens the circuit.
		cb.afterCall(true, trial, elapsed)
		return nil, err

	default:
		cb.afterCall(false, trial, elapsed)
		if cb.config.Fallback != nil {
			cb.countFallback()
			return cb.config.Fallback(ctx)
		}
		return nil, err
	}
}

// run executes the operation and converts a deadline hit into a typed
// circuit-timeout error.
func (cb *CircuitBreaker) run(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		result, err := op(ctx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewCircuitTimeoutError(cb.config.Name, cb.config.CallTimeout).WithCause(out.err)
		}
		return out.result, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewCircuitTimeoutError(cb.config.Name, cb.config.CallTimeout)
		}
		return nil, ctx.Err()
	}
}

// beforeCall admits or rejects the call and reports whether it was admitted
// as a half-open trial. Trial admission is decided here, not at completion: a
// call admitted while closed whose result lands after the breaker has opened
// and recovered must not count toward the trial quorum.
func (cb *CircuitBreaker) beforeCall() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	state := cb.currentStateLocked(time.Now())

	switch state {
	case StateOpen:
		cb.rejectedCalls++
		return false, errors.NewCircuitOpenError(cb.config.Name)
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			cb.rejectedCalls++
			return false, errors.NewCircuitOpenError(cb.config.Name).
				WithDetail("reason", "half-open trial slots exhausted")
		}
		cb.halfOpenInFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) afterCall(success, trial bool, elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.responseTimes = append(cb.responseTimes, elapsed)
	if len(cb.responseTimes) > responseTimeWindow {
		cb.responseTimes = cb.responseTimes[1:]
	}

	state := cb.currentStateLocked(time.Now())
	if trial && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if success {
		cb.successfulCalls++
		switch {
		case trial && state == StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.config.HalfOpenSuccessThreshold {
				cb.setStateLocked(StateClosed)
			}
		case state == StateClosed:
			cb.failureCount = 0
		}
		return
	}

	cb.failedCalls++

	switch {
	case trial && state == StateHalfOpen:
		// Any trial failure reopens the circuit immediately.
		cb.lastFailureTime = time.Now()
		cb.setStateLocked(StateOpen)
	case state == StateClosed:
		cb.lastFailureTime = time.Now()
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setStateLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) countFallback() {
	cb.mu.Lock()
	cb.fallbackCalls++
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) currentStateLocked(now time.Time) CircuitState {
	if cb.state == StateOpen && now.Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.lastStateChange = time.Now()

	switch state {
	case StateHalfOpen:
		cb.halfOpenInFlight = 0
		cb.successCount = 0
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.halfOpenInFlight = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"breaker", cb.config.Name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}

// Reset returns the breaker to the closed state with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	Name              string        `json:"name"`
	State             string        `json:"state"`
	TotalCalls        uint64        `json:"total_calls"`
	SuccessfulCalls   uint64        `json:"successful_calls"`
	FailedCalls       uint64        `json:"failed_calls"`
	RejectedCalls     uint64        `json:"rejected_calls"`
	FallbackCalls     uint64        `json:"fallback_calls"`
	FailureCount      int           `json:"failure_count"`
	SuccessCount      int           `json:"success_count"`
	HalfOpenInFlight  int           `json:"half_open_in_flight"`
	LastFailureTime   time.Time     `json:"last_failure_time"`
	LastStateChange   time.Time     `json:"last_state_change"`
	AvgResponseTimeMS float64       `json:"avg_response_time_ms"`
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var total time.Duration
	for _, rt := range cb.responseTimes {
		total += rt
	}
	var avg float64
	if len(cb.responseTimes) > 0 {
		avg = float64(total.Milliseconds()) / float64(len(cb.responseTimes))
	}

	return Stats{
		Name:              cb.config.Name,
		State:             cb.currentStateLocked(time.Now()).String(),
		TotalCalls:        cb.totalCalls,
		SuccessfulCalls:   cb.successfulCalls,
		FailedCalls:       cb.failedCalls,
		RejectedCalls:     cb.rejectedCalls,
		FallbackCalls:     cb.fallbackCalls,
		FailureCount:      cb.failureCount,
		SuccessCount:      cb.successCount,
		HalfOpenInFlight:  cb.halfOpenInFlight,
		LastFailureTime:   cb.lastFailureTime,
		LastStateChange:   cb.lastStateChange,
		AvgResponseTimeMS: avg,
	}
}
