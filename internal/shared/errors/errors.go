package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")

	// Processing error kinds. Arithmetic inconsistencies are findings, not errors.
	ErrVendorFailure      = errors.New("vendor failure")
	ErrValidationFailure  = errors.New("validation failure")
	ErrCorrelationFailure = errors.New("correlation failure")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details.
// A field-level validation failure drops the field, never the row.
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// VendorFailure reports an OCR provider that was unreachable, timed out or
// returned an unusable document.
func VendorFailure(vendor string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrVendorFailure, err),
		Message:    fmt.Sprintf("vendor %s failed", vendor),
		Code:       "VENDOR_FAILURE",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]string{"vendor": vendor},
	}
}

// ValidationFailure reports a malformed extracted field. The field is
// dropped; the row it belongs to is kept.
func ValidationFailure(field, value, reason string) *AppError {
	return &AppError{
		Err:        ErrValidationFailure,
		Message:    fmt.Sprintf("invalid %s %q: %s", field, value, reason),
		Code:       "VALIDATION_FAILURE",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]string{"field": field, "value": value},
	}
}

// CorrelationFailure reports a result rejected by the case/artifact guard.
// It is fatal to that result only.
func CorrelationFailure(caseID, artifactID, reason string) *AppError {
	return &AppError{
		Err:        ErrCorrelationFailure,
		Message:    "result does not belong to artifact: " + reason,
		Code:       "CORRELATION_FAILURE",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"case_id": caseID, "artifact_id": artifactID, "reason": reason},
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}
