package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeScan          ErrorType = "scan"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeLock          ErrorType = "lock"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	wrapped   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// NewError creates a new application error
func NewError(errType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithError wraps an existing error
func (e *AppError) WithError(err error) *AppError {
	e.wrapped = err
	return e
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// ConfigurationError reports missing directories or invalid settings.
// These are fatal before any lock is taken.
func ConfigurationError(message string, err error) *AppError {
	return NewError(ErrorTypeConfiguration, "CONFIG", message).WithError(err)
}

// StorageError reports a database failure or an invalid stored row.
func StorageError(message string, err error) *AppError {
	return NewError(ErrorTypeStorage, "STORAGE", message).WithError(err)
}

// ScanError reports an unreadable log file.
func ScanError(file string, err error) *AppError {
	return NewError(ErrorTypeScan, "SCAN", "cannot read log file").
		WithError(err).
		WithContext("file", file)
}

// ValidationError reports malformed user input.
func ValidationError(message string) *AppError {
	return NewError(ErrorTypeValidation, "VALIDATION", message)
}

// LockError reports a failure to open or lock a lock file.
func LockError(path string, err error) *AppError {
	return NewError(ErrorTypeLock, "LOCK", "cannot lock "+path).WithError(err)
}

// IsType reports whether any error in err's chain is an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// TypeOf returns the type of the first AppError in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}
