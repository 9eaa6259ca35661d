package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrTypeConfig      ErrorType = "config"
	ErrTypeValidation  ErrorType = "validation"
	ErrTypeNotFound    ErrorType = "not_found"
	ErrTypeUnreachable ErrorType = "unreachable"
	ErrTypeUpstream    ErrorType = "upstream"
	ErrTypeTimeout     ErrorType = "timeout"
	ErrTypeDatabase    ErrorType = "database"
	ErrTypeFileSystem  ErrorType = "filesystem"
	ErrTypeInternal    ErrorType = "internal"
)

// Error represents a structured error with type and optional suggestions
type Error struct {
	Type        ErrorType
	Message     string
	Cause       error
	Suggestions []string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithSuggestion adds a suggestion for resolving the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// New creates a new structured error
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Newf creates a new structured error with formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with formatted message
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsType reports whether any structured error in the chain has the given type.
// A timeout wrapped inside an upstream error still matches ErrTypeTimeout.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var structErr *Error
		if !errors.As(err, &structErr) {
			return false
		}

		if structErr.Type == errType {
			return true
		}

		err = structErr.Cause
	}

	return false
}

// GetType returns the outermost structured error type, or ErrTypeInternal
func GetType(err error) ErrorType {
	var structErr *Error
	if errors.As(err, &structErr) {
		return structErr.Type
	}

	return ErrTypeInternal
}

// Suggestions collects suggestions from every structured error in the chain
func Suggestions(err error) []string {
	var out []string

	for err != nil {
		var structErr *Error
		if !errors.As(err, &structErr) {
			break
		}

		out = append(out, structErr.Suggestions...)
		err = structErr.Cause
	}

	return out
}

// NewConfigError creates a configuration error with suggestions
func NewConfigError(message, field string) *Error {
	err := New(ErrTypeConfig, message)
	if field != "" {
		err.Message = fmt.Sprintf("%s (field: %s)", message, field)
	}

	return err.
		WithSuggestion("Check your configuration file syntax").
		WithSuggestion("Run 'sqlcontext config' to see the active configuration")
}

// NewValidationError rejects malformed input before any I/O happens
func NewValidationError(format string, args ...interface{}) *Error {
	return Newf(ErrTypeValidation, format, args...)
}

// NewUpstreamError wraps a failed call to an external service.
// A context deadline in the chain is reported as a timeout instead.
func NewUpstreamError(err error, service string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err, service)
	}

	return Wrapf(err, ErrTypeUpstream, "%s request failed", service)
}

// NewTimeoutError reports an operation that exceeded its deadline
func NewTimeoutError(err error, operation string) *Error {
	return Wrapf(err, ErrTypeTimeout, "%s exceeded its deadline", operation).
		WithSuggestion("Increase retrieval.request_timeout or the provider timeout")
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
