// Package errors provides typed error handling for the pool services.
// Every fault crossing a component boundary is a ServiceError carrying the
// owning subsystem, the failed operation and whether a retry is worthwhile.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes errors by the subsystem that produced them
type ErrorType string

const (
	// ErrorTypeNetwork represents socket and connection errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents malformed input errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents SQL and cache store errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents message bus errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeHTTP represents user API errors
	ErrorTypeHTTP ErrorType = "http"
	// ErrorTypeTimeout represents deadline errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// retryableTypes holds the categories that default to retryable; validation
// and internal faults do not get better by repeating them.
var retryableTypes = map[ErrorType]bool{
	ErrorTypeNetwork: true,
	ErrorTypeTimeout: true,
	ErrorTypeKafka:   true,
	ErrorTypeHTTP:    true,
}

// transientPatterns mark plain errors as retryable by message inspection,
// for causes originating below the typed layer.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
}

// ServiceError is a structured error with operation context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableTypes[errorType],
	}
}

// Wrap wraps an existing error with operation context. Wrapping nil yields
// nil. A ServiceError anywhere in the cause chain keeps its retryability;
// plain causes are classified by message.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isTransient(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// isTransient classifies a plain error by its message. Context cancellation
// is never transient: the caller already gave up.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isTransient(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
