package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rpcgate/rpcgate/pkg/errors"
	"github.com/rpcgate/rpcgate/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay
	MaxDelay time.Duration
	// JitterFactor scales the random jitter added to each delay, as a
	// fraction of the computed delay (0.2 means +/-20%)
	JitterFactor float64
	// RetryableErrors is a function that determines if an error is retryable
	RetryableErrors func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		JitterFactor:    0.2,
		RetryableErrors: DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries transport faults and timeouts only.
// Rejection signals (circuit open, at capacity, rate limited) shed load and
// must not be amplified by retries; caller mistakes never heal on retry.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	switch errors.GetType(err) {
	case errors.ErrorTypeTransport, errors.ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// Retrier handles retry logic with exponential backoff and jitter
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.JitterFactor < 0 {
		config.JitterFactor = 0
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryableErrors
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Execute runs the operation, retrying with backoff until it succeeds, the
// error is not retryable, retries are exhausted, or ctx is cancelled. The
// loop is iterative with an explicit attempt counter.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_retries", r.config.MaxRetries,
				)
			}
			return result, nil
		}

		lastErr = err

		if !r.config.RetryableErrors(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			return nil, err
		}

		if attempt == r.config.MaxRetries {
			break
		}

		delay := r.DelayFor(attempt)

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_retries", r.config.MaxRetries,
			"delay", delay,
		)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	r.logger.Error("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"retries", r.config.MaxRetries,
	)

	return nil, fmt.Errorf("operation failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// DelayFor computes the backoff delay for a zero-based attempt number:
// min(base * 2^attempt + jitter, max).
func (r *Retrier) DelayFor(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(2, float64(attempt))
	jitter := (rand.Float64()*2 - 1) * r.config.JitterFactor * delay

	d := time.Duration(delay + jitter)
	if d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
