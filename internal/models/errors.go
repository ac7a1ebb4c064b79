package models

import (
	"errors"
	"fmt"
)

type ErrorCategory string

const (
	CategoryExternal   ErrorCategory = "external"
	CategoryInternal   ErrorCategory = "internal"
	CategoryValidation ErrorCategory = "validation"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
)

// AppError is the single error type crossing service boundaries. Every
// external call site wraps transport failures into one of these so handlers
// can map categories onto HTTP statuses without string matching.
type AppError struct {
	Code     string
	Message  string
	Category ErrorCategory
	Cause    error
	Metadata map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	clone := *e
	clone.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata[key] = value
	return &clone
}

func newError(code, message string, category ErrorCategory) *AppError {
	return &AppError{Code: code, Message: message, Category: category}
}

func NewExternalError(code, message string) *AppError {
	return newError(code, message, CategoryExternal)
}

func NewInternalError(code, message string) *AppError {
	return newError(code, message, CategoryInternal)
}

func NewValidationError(code, message string) *AppError {
	return newError(code, message, CategoryValidation)
}

func NewTimeoutError(code, message string) *AppError {
	return newError(code, message, CategoryTimeout)
}

func WrapExternalError(service string, err error) *AppError {
	return NewExternalError(service+"_FAILED", fmt.Sprintf("%s call failed", service)).WithCause(err)
}

var (
	ErrSessionNotFound = &AppError{Code: "SESSION_NOT_FOUND", Message: "session not found", Category: CategoryNotFound}
	ErrSessionBusy     = &AppError{Code: "SESSION_BUSY", Message: "a message is already being processed for this session", Category: CategoryConflict}
)
