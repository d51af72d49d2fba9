package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeAtCapacity  ErrorType = "at_capacity"
	ErrorTypeNoProvider  ErrorType = "no_provider"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeTransport   ErrorType = "transport"
	ErrorTypeInternal    ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// NewCircuitOpenError signals that a breaker rejected the call without
// attempting it. It is a fast-fail, not a new failure.
func NewCircuitOpenError(breaker string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN", fmt.Sprintf("circuit breaker %q is open", breaker)).
		WithDetail("breaker", breaker)
}

// NewCircuitTimeoutError signals that the wrapped operation exceeded the
// breaker's per-call timeout.
func NewCircuitTimeoutError(breaker string, timeout time.Duration) *AppError {
	return NewAppError(ErrorTypeTimeout, "CIRCUIT_TIMEOUT", fmt.Sprintf("operation in circuit %q timed out after %s", breaker, timeout)).
		WithDetail("breaker", breaker).
		WithDetail("timeout", timeout.String())
}

// NewProviderAtCapacityError is returned before any network attempt when a
// provider's in-flight load equals its configured capacity.
func NewProviderAtCapacityError(provider string, capacity int) *AppError {
	return NewAppError(ErrorTypeAtCapacity, "PROVIDER_AT_CAPACITY", fmt.Sprintf("provider %q at capacity (%d)", provider, capacity)).
		WithDetail("provider", provider)
}

// NewNoAvailableProviderError is returned when every provider is unhealthy,
// rate limited, or at capacity.
func NewNoAvailableProviderError() *AppError {
	return NewAppError(ErrorTypeNoProvider, "NO_AVAILABLE_PROVIDER", "no available RPC providers")
}

// NewRateLimitError carries the dimension that rejected the request and the
// reset time the caller must honor.
func NewRateLimitError(dimension string, reset time.Time) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("%s rate limit exceeded", dimension)).
		WithDetail("dimension", dimension).
		WithDetail("reset", reset.Format(time.RFC3339))
}

func NewTransportError(provider, message string) *AppError {
	return NewAppError(ErrorTypeTransport, "TRANSPORT_ERROR", message).
		WithDetail("provider", provider)
}

// NewTimeoutError is used for non-breaker timeouts such as queue waits.
func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}
