package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

// Error codes for different error categories
const (
	// General errors
	ErrUnknown      ErrorCode = "UNKNOWN"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"

	// Distribution errors
	ErrInvalidDist ErrorCode = "INVALID_DIST"

	// Package cache errors
	ErrArchiveMissing ErrorCode = "ARCHIVE_MISSING"
	ErrArchiveCorrupt ErrorCode = "ARCHIVE_CORRUPT"
	ErrCacheExtract   ErrorCode = "CACHE_EXTRACT"

	// Relocation errors
	ErrPadding  ErrorCode = "PADDING"
	ErrRelocate ErrorCode = "RELOCATE"

	// Link/unlink errors
	ErrLinkFailed     ErrorCode = "LINK_FAILED"
	ErrNotLinked      ErrorCode = "NOT_LINKED"
	ErrHookFailed     ErrorCode = "HOOK_FAILED"
	ErrPythonNotFound ErrorCode = "PYTHON_NOT_FOUND"

	// State record errors
	ErrRecordRead  ErrorCode = "RECORD_READ"
	ErrRecordWrite ErrorCode = "RECORD_WRITE"

	// Locking errors
	ErrLockFailed ErrorCode = "LOCK_FAILED"

	// Configuration errors
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigParse ErrorCode = "CONFIG_PARSE"
)

// LinkError represents a structured error with code and details
type LinkError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *LinkError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface
func (e *LinkError) Is(target error) bool {
	var targetErr *LinkError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a new LinkError with the given code and message
func New(code ErrorCode, message string) *LinkError {
	return &LinkError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new LinkError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *LinkError {
	return &LinkError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a LinkError
func Wrap(err error, code ErrorCode, message string) *LinkError {
	if err == nil {
		return nil
	}
	return &LinkError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *LinkError {
	if err == nil {
		return nil
	}
	return &LinkError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// WithDetail adds a detail to the error
func (e *LinkError) WithDetail(key string, value interface{}) *LinkError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrUnknown if not a LinkError
func GetErrorCode(err error) ErrorCode {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Code
	}
	return ErrUnknown
}
