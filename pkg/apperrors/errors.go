package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine readable error category
type Code string

const (
	CodeInternal        Code = "INTERNAL"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTooLarge        Code = "TOO_LARGE"
	CodeAlreadyRunning  Code = "ALREADY_RUNNING"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// AppError is an error that knows how it should be reported over HTTP
type AppError struct {
	Raw      error
	HTTPCode int
	Code     Code
	Message  string
	Details  map[string]string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Raw)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Raw
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func Internal(err error) *AppError {
	return &AppError{
		Raw:      err,
		HTTPCode: http.StatusInternalServerError,
		Code:     CodeInternal,
		Message:  "Internal server error",
	}
}

func InvalidArgument(err error) *AppError {
	return &AppError{
		Raw:      err,
		HTTPCode: http.StatusBadRequest,
		Code:     CodeInvalidArgument,
		Message:  "Invalid input",
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		HTTPCode: http.StatusNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
	}
}

func TooLarge(err error) *AppError {
	return &AppError{
		Raw:      err,
		HTTPCode: http.StatusUnprocessableEntity,
		Code:     CodeTooLarge,
		Message:  "Input too large for the selected algorithm",
	}
}

func AlreadyRunning(meetingID uint) *AppError {
	return &AppError{
		HTTPCode: http.StatusConflict,
		Code:     CodeAlreadyRunning,
		Message:  fmt.Sprintf("an optimization for meeting %d is already running", meetingID),
	}
}

func Unauthenticated(message string) *AppError {
	return &AppError{
		HTTPCode: http.StatusUnauthorized,
		Code:     CodeUnauthenticated,
		Message:  message,
	}
}

// From converts any error into an AppError. Errors that already carry an
// AppError in their chain are returned as is.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}
