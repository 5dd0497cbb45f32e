// Package apperr defines the error taxonomy that crosses the service boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to callers.
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeExpired            = "EXPIRED"
	CodeUsed               = "USED"
	CodeEmailMismatch      = "EMAIL_MISMATCH"
	CodeInternal           = "INTERNAL_ERROR"
	CodeFatalInconsistency = "FATAL_INCONSISTENCY"
	CodeRateLimited        = "RATE_LIMITED"
)

// AppError is a structured error carrying a code, a caller-safe message and
// the HTTP status class it maps to.
type AppError struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	HTTPStatus  int          `json:"-"`
	FieldErrors []FieldError `json:"fieldErrors,omitempty"`
	Err         error        `json:"-"`
}

// FieldError describes a field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps err into an AppError. err is kept for logging and never rendered.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// Validation creates a 400 error carrying field-level details.
func Validation(message string, fields []FieldError) *AppError {
	e := New(CodeValidation, message, http.StatusBadRequest)
	if len(fields) > 0 {
		e.FieldErrors = fields
	}
	return e
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// Internal hides err behind a generic message.
func Internal(err error) *AppError {
	return Wrap(err, CodeInternal, "an internal error occurred", http.StatusInternalServerError)
}

// FatalInconsistency marks a state that needs manual reconciliation.
func FatalInconsistency(err error) *AppError {
	return Wrap(err, CodeFatalInconsistency, "the request could not be completed; support has been notified", http.StatusInternalServerError)
}

// Token builds the error for a token validation failure code.
func Token(code string) *AppError {
	switch code {
	case CodeNotFound:
		return New(code, "this contract link is not valid", http.StatusNotFound)
	case CodeExpired:
		return New(code, "this contract link has expired", http.StatusGone)
	case CodeUsed:
		return New(code, "this contract has already been signed", http.StatusGone)
	case CodeEmailMismatch:
		return New(code, "this contract link belongs to a different account", http.StatusForbidden)
	default:
		return New(CodeInternal, "an internal error occurred", http.StatusInternalServerError)
	}
}

// As returns the AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}
