package errors

import (
	"context"
	stderrors "errors"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeInternal     ErrorType = "INTERNAL"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeReadOnly     ErrorType = "READ_ONLY"
	ErrorTypeVCS          ErrorType = "VCS"
	ErrorTypeCancelled    ErrorType = "CANCELLED"
	ErrorTypeDisposed     ErrorType = "DISPOSED"
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same type, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

var (
	ErrCancelled = &Error{Type: ErrorTypeCancelled, Message: "update cancelled", Code: http.StatusServiceUnavailable}
	ErrDisposed  = &Error{Type: ErrorTypeDisposed, Message: "change list manager disposed", Code: http.StatusServiceUnavailable}
)

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Conflict(message string) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Message: message,
		Code:    http.StatusConflict,
	}
}

func ReadOnly(message string) *Error {
	return &Error{
		Type:    ErrorTypeReadOnly,
		Message: message,
		Code:    http.StatusForbidden,
	}
}

func Internal(message string) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
	}
}

// VCSError marks a recoverable provider failure.
func VCSError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeVCS,
		Message: message,
		Code:    http.StatusBadGateway,
		cause:   cause,
	}
}

// IsCancelled covers both our sentinel and context cancellation.
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled) ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus returns the status code carried by err, or 500.
func HTTPStatus(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}
