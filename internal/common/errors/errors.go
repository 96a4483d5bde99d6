// Package errors provides the application's error taxonomy: every failure
// that crosses a component boundary is an *AppError carrying one of the
// fixed codes below, so the Control Surface and the Executor/Scheduler can
// classify a failure without inspecting its message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeStateConflict   = "STATE_CONFLICT"
	CodeWorkspace       = "WORKSPACE_ERROR"
	CodeExecutor        = "EXECUTOR_ERROR"
	CodeTransientIO     = "TRANSIENT_IO"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeInternal        = "INTERNAL"
)

// AppError is the one error type that crosses component boundaries.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// ValidationErr reports malformed input; the task is not created, or the
// requested transition is not even attempted.
func ValidationErr(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NotFound reports an unknown id.
func NotFound(resource string, id interface{}) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %v not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// StateConflict reports a transition the state machine disallows.
func StateConflict(message string) *AppError {
	return &AppError{Code: CodeStateConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// WorkspaceErr wraps a Workspace Manager failure; the underlying tool's
// stderr is carried as the wrapped error.
func WorkspaceErr(message string, err error) *AppError {
	return &AppError{Code: CodeWorkspace, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// ExecutorErr reports the agent producing unparseable output or exiting
// unexpectedly before any terminal event.
func ExecutorErr(message string, err error) *AppError {
	return &AppError{Code: CodeExecutor, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// TransientIOErr reports a log-file or broadcast failure that does not
// affect the task itself.
func TransientIOErr(message string, err error) *AppError {
	return &AppError{Code: CodeTransientIO, Message: message, HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

// Unauthenticated reports a missing or mismatched api_credential header.
func Unauthenticated(message string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Internal wraps anything else.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Wrap preserves an existing AppError's code/status while prefixing its
// message; anything else becomes Internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return Internal(message, err)
}

// Is reports whether err is an AppError of the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status to surface for err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
