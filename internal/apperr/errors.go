// Package apperr carries the HTTP-facing error taxonomy of the API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, Status: status, Err: err}
}

func BadRequest(message string, err error) *Error {
	return New("BAD_REQUEST", message, http.StatusBadRequest, err)
}

func Unauthorized(message string, err error) *Error {
	return New("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}

func Forbidden(message string, err error) *Error {
	return New("FORBIDDEN", message, http.StatusForbidden, err)
}

func NotFound(resource string, err error) *Error {
	return New("NOT_FOUND", resource+" not found", http.StatusNotFound, err)
}

func Conflict(message string, err error) *Error {
	return New("CONFLICT", message, http.StatusConflict, err)
}

func Internal(message string, err error) *Error {
	return New("INTERNAL_ERROR", message, http.StatusInternalServerError, err)
}

// From returns err as an *Error, treating anything else as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
