package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/adgen/services/breaker"
	"github.com/upb/adgen/services/providers"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "VALIDATION"
	ErrorTypeProviderTransient ErrorType = "PROVIDER_TRANSIENT"
	ErrorTypeProviderPermanent ErrorType = "PROVIDER_PERMANENT"
	ErrorTypeBreakerOpen       ErrorType = "BREAKER_OPEN"
	ErrorTypeStorageFailure    ErrorType = "STORAGE_FAILURE"
	ErrorTypeCapacityExceeded  ErrorType = "CAPACITY_EXCEEDED"
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeInvalidState      ErrorType = "INVALID_STATE"
	ErrorTypeUnauthorized      ErrorType = "UNAUTHORIZED"
	ErrorTypeInternal          ErrorType = "INTERNAL"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error.
// Do not call it on the package-level sentinels; wrap them first.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

var (
	ErrInvalidInput    = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrUnknownProvider = NewDomainError(ErrorTypeValidation, "unknown provider", nil)
	ErrEmptyPrompt     = NewDomainError(ErrorTypeValidation, "prompt cannot be empty", nil)

	ErrJobNotFound       = NewDomainError(ErrorTypeNotFound, "job not found", nil)
	ErrJobTerminal       = NewDomainError(ErrorTypeInvalidState, "job is already in a terminal state", nil)
	ErrResultNotReady    = NewDomainError(ErrorTypeInvalidState, "job result is not available", nil)
	ErrTooManyActiveJobs = NewDomainError(ErrorTypeCapacityExceeded, "too many active jobs", nil)
	ErrQueueFull         = NewDomainError(ErrorTypeCapacityExceeded, "job queue is full", nil)

	ErrBreakerOpen  = NewDomainError(ErrorTypeBreakerOpen, "circuit breaker is open", nil)
	ErrStorage      = NewDomainError(ErrorTypeStorageFailure, "storage failure", nil)
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInternal     = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsInvalidStateError checks if an error is an invalid state error
func IsInvalidStateError(err error) bool { return isType(err, ErrorTypeInvalidState) }

// IsCapacityError checks if an error is a capacity error
func IsCapacityError(err error) bool { return isType(err, ErrorTypeCapacityExceeded) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsStorageError checks if an error is a storage failure
func IsStorageError(err error) bool { return isType(err, ErrorTypeStorageFailure) }

// IsProviderError checks for transient, permanent or breaker-open provider errors
func IsProviderError(err error) bool {
	return isType(err, ErrorTypeProviderTransient) ||
		isType(err, ErrorTypeProviderPermanent) ||
		isType(err, ErrorTypeBreakerOpen)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// ClassifyProviderError maps adapter, retry and breaker errors onto the taxonomy
func ClassifyProviderError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, breaker.ErrOpen) {
		return NewDomainError(ErrorTypeBreakerOpen, "provider short-circuited", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDomainError(ErrorTypeProviderTransient, "provider call timed out", err)
	}
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		de := NewDomainError(ErrorTypeProviderPermanent, provErr.Message, err)
		if provErr.Retryable {
			de.Type = ErrorTypeProviderTransient
		}
		return de.WithDetail("provider", provErr.Provider).WithDetail("code", provErr.Code)
	}
	return NewDomainError(ErrorTypeInternal, "unexpected provider failure", err)
}
