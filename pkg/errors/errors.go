package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a unique error code
type ErrorCode string

// Common error codes used across all packages
const (
	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"

	// Authentication errors
	ErrCodeAuthFailed     ErrorCode = "AUTH_FAILED"
	ErrCodeExpired        ErrorCode = "EXPIRED"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeCeremonyFailed ErrorCode = "CEREMONY_FAILED"

	// Session-state errors
	ErrCodeNoPendingLogin               ErrorCode = "NO_PENDING_LOGIN"
	ErrCodePasswordConfirmationRequired ErrorCode = "PASSWORD_CONFIRMATION_REQUIRED"

	// Enrollment policy errors
	ErrCodeMethodNotEnabled       ErrorCode = "METHOD_NOT_ENABLED"
	ErrCodeDependencyNotSatisfied ErrorCode = "DEPENDENCY_NOT_SATISFIED"
	ErrCodeLimitExceeded          ErrorCode = "LIMIT_EXCEEDED"

	// Validation errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeMissingRequired  ErrorCode = "MISSING_REQUIRED"
)

// Error represents a structured error with code, message, and optional details
type Error struct {
	Code    ErrorCode              // Unique error code
	Message string                 // Human-readable error message
	Details map[string]interface{} // Optional additional details
	Err     error                  // Wrapped underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *Error) HTTPStatusCode() int {
	return MapErrorCodeToHTTPStatus(e.Code)
}

// New creates a new Error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with code and message
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
// Returns ErrCodeInternal if the error is not a structured Error
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// GetDetails extracts the details from an error
// Returns nil if the error is not a structured Error
func GetDetails(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// MapErrorCodeToHTTPStatus maps error codes to HTTP status codes
func MapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodeValidationFailed, ErrCodeMissingRequired:
		return http.StatusBadRequest

	case ErrCodeAuthFailed, ErrCodeExpired, ErrCodeCeremonyFailed,
		ErrCodeNoPendingLogin, ErrCodePasswordConfirmationRequired:
		return http.StatusUnauthorized

	case ErrCodeMethodNotEnabled, ErrCodeDependencyNotSatisfied, ErrCodeLimitExceeded:
		return http.StatusForbidden

	case ErrCodeNotFound:
		return http.StatusNotFound

	case ErrCodeConflict:
		return http.StatusConflict

	case ErrCodeRateLimited:
		return http.StatusTooManyRequests

	case ErrCodeInternal:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// AuthFailed creates a generic authentication failure. The message is
// deliberately uniform so callers cannot distinguish which check failed.
func AuthFailed() *Error {
	return New(ErrCodeAuthFailed, "the provided code is invalid")
}

// Expired creates an "expired" error
func Expired(what string) *Error {
	return Newf(ErrCodeExpired, "%s has expired", what)
}

// RateLimited creates a "rate limited" error carrying the retry-after
// duration in whole seconds under the "retry_after" detail key.
func RateLimited(retryAfter time.Duration) *Error {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return New(ErrCodeRateLimited, "too many attempts").WithDetail("retry_after", seconds)
}

// RetryAfterSeconds extracts the retry_after detail from a rate-limited error.
// Returns 0 if the error does not carry one.
func RetryAfterSeconds(err error) int {
	details := GetDetails(err)
	if details == nil {
		return 0
	}
	if seconds, ok := details["retry_after"].(int); ok {
		return seconds
	}
	return 0
}

// PasswordConfirmationRequired signals the caller to re-prompt for the
// primary password and retry the named operation.
func PasswordConfirmationRequired(pendingAction string) *Error {
	return New(ErrCodePasswordConfirmationRequired, "password confirmation required").
		WithDetail("pending_action", pendingAction)
}

// NoPendingLogin creates a session-state error that restarts the login flow
func NoPendingLogin() *Error {
	return New(ErrCodeNoPendingLogin, "no login in progress")
}

// ValidationFailed creates a field-level validation error
func ValidationFailed(field, reason string) *Error {
	return Newf(ErrCodeValidationFailed, "invalid %s: %s", field, reason).
		WithDetail("field", field)
}

// Internal creates an "internal error"
func Internal(message string) *Error {
	return New(ErrCodeInternal, message)
}
