package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced by the media and share services
type ErrorCode string

const (
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeArtifactMissing  ErrorCode = "ARTIFACT_MISSING"
	ErrCodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
	ErrCodeExpired          ErrorCode = "EXPIRED"
)

// Sentinels for errors.Is matching by code
var (
	ErrValidation       = &Error{Code: ErrCodeValidation}
	ErrNotFound         = &Error{Code: ErrCodeNotFound}
	ErrArtifactMissing  = &Error{Code: ErrCodeArtifactMissing}
	ErrExecutionFailure = &Error{Code: ErrCodeExecutionFailure}
	ErrExpired          = &Error{Code: ErrCodeExpired}
)

// Error is a classified failure with optional diagnostic details
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap attaches an underlying cause
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports a malformed or incomplete request
func Validationf(format string, args ...any) *Error {
	return newError(ErrCodeValidation, format, args...)
}

// NotFoundf reports a missing record or token
func NotFoundf(format string, args ...any) *Error {
	return newError(ErrCodeNotFound, format, args...)
}

// ArtifactMissingf reports a catalog row whose backing bytes are gone
func ArtifactMissingf(format string, args ...any) *Error {
	return newError(ErrCodeArtifactMissing, format, args...)
}

// ExecutionFailuref reports an engine failure
func ExecutionFailuref(format string, args ...any) *Error {
	return newError(ErrCodeExecutionFailure, format, args...)
}

// Expiredf reports a token past its deadline
func Expiredf(format string, args ...any) *Error {
	return newError(ErrCodeExpired, format, args...)
}

// CodeOf returns the classification of err, or "" when it is unclassified
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
