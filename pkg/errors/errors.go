package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	// ErrorTypeAssembly marks a failure while materializing the service assembly.
	ErrorTypeAssembly ErrorType = "ASSEMBLY"
	// ErrorTypeBuild marks a failure while building a cached entrypoint.
	ErrorTypeBuild ErrorType = "BUILD"
	// ErrorTypeInvocation marks an expected failure reported by business logic.
	ErrorTypeInvocation ErrorType = "INVOCATION"
	// ErrorTypeDefect marks an unrecoverable abort (panic) inside business logic.
	ErrorTypeDefect ErrorType = "DEFECT"

	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeInternal   ErrorType = "INTERNAL"
)

// AppError is the custom error type for the adapter and the business logic
// running under it.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewAssembly creates an assembly-materialization error
func NewAssembly(message string, err error) error {
	return &AppError{Type: ErrorTypeAssembly, Message: message, Err: err}
}

// NewBuild creates an entrypoint-build error
func NewBuild(message string, err error) error {
	return &AppError{Type: ErrorTypeBuild, Message: message, Err: err}
}

// NewInvocation creates a recoverable invocation error
func NewInvocation(message string, err error) error {
	return &AppError{Type: ErrorTypeInvocation, Message: message, Err: err}
}

// NewDefect wraps a recovered panic value as an error. The value is
// preserved in the message so the host log shows the original abort.
func NewDefect(recovered any) error {
	return &AppError{
		Type:    ErrorTypeDefect,
		Message: fmt.Sprintf("panic: %v", recovered),
	}
}

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// TypeOf returns the error's type, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// HTTPStatus maps an error to the response status the network-request
// adapter reports to the host.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeAssembly, ErrorTypeBuild:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Type checking functions

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsDefect checks if an error wraps a recovered panic
func IsDefect(err error) bool {
	return TypeOf(err) == ErrorTypeDefect
}
