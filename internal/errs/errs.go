// Package errs defines the error taxonomy shared by every component boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. Codes cross component boundaries verbatim
// and map to HTTP status codes at the edge.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeInvalidArg     Code = "INVALID_ARGUMENT"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeAlreadyRunning Code = "ALREADY_RUNNING"
	CodeAlreadyStopped Code = "ALREADY_STOPPED"
	CodeNotSupported   Code = "NOT_SUPPORTED"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeStorage        Code = "STORAGE_ERROR"
	CodeSubprocess     Code = "SUBPROCESS_ERROR"
	CodeUpstream       Code = "UPSTREAM_ERROR"
	CodeTimeout        Code = "TIMEOUT"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is a coded error. Message is safe to surface to clients.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts err into a coded error, preserving its message.
// A nil err returns nil. An existing *Error passes through unchanged.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: code, Message: err.Error()}
}

// CodeOf returns err's code, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidArg:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeAlreadyRunning, CodeAlreadyStopped:
		return http.StatusConflict
	case CodeNotSupported:
		return http.StatusNotImplemented
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
