// Package apperr defines the error taxonomy shared by the service layer and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the kind of failure.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeRPC          Code = "RPC_ERROR"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error carries a code, the operation that failed and an optional cause.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Op == "" && t.Err == nil
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrValidation = &Error{Code: CodeValidation}
	ErrNotFound   = &Error{Code: CodeNotFound}
	ErrInternal   = &Error{Code: CodeInternal}
)

// Validation reports malformed or missing input.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing station, subscription or task.
func NotFound(op, what string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: what + " not found"}
}

// Internal wraps an unexpected store or dependency failure.
func Internal(op string, err error) *Error {
	return &Error{Code: CodeInternal, Op: op, Message: "internal error", Err: err}
}

// RPC wraps a failure of an external dependency reached over the network.
func RPC(op string, err error) *Error {
	return &Error{Code: CodeRPC, Op: op, Message: "dependency call failed", Err: err}
}

// CodeOf extracts the code of err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to the response status used by the HTTP surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRPC:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to callers. Internal causes are hidden.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "internal error"
	}
	switch appErr.Code {
	case CodeInternal, CodeRPC:
		return appErr.Message
	default:
		return appErr.Error()
	}
}
