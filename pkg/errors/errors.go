package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`

	// RetryAfter is set on rate-limit errors when the server supplied a
	// Retry-After header.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for the ANIO cloud error taxonomy.
var (
	ErrAuth           = New("AUTH_FAILED", http.StatusUnauthorized, "authentication failed")
	ErrReauthRequired = New("REAUTH_REQUIRED", http.StatusUnauthorized, "refresh token expired, re-authentication required")
	ErrOtpRequired    = New("OTP_REQUIRED", http.StatusUnauthorized, "one-time password required")
	ErrRateLimited    = New("RATE_LIMITED", http.StatusTooManyRequests, "rate limit exceeded")
	ErrConnection     = New("CONNECTION_FAILED", http.StatusBadGateway, "connection to the ANIO cloud failed")
	ErrServer         = New("SERVER_ERROR", http.StatusBadGateway, "ANIO cloud returned a server error")
	ErrValidation     = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrDeviceNotFound = New("DEVICE_NOT_FOUND", http.StatusNotFound, "device not found")
	ErrNotFound       = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrInternal       = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// RateLimited builds a rate-limit error carrying the server-advised delay.
func RateLimited(retryAfter time.Duration) *Error {
	e := Clone(ErrRateLimited, "")
	e.RetryAfter = retryAfter
	return e
}

// Is reports whether err carries the same error code as target.
// Codes, not messages, identify an error class: wrapped and cloned
// instances of the same predefined error compare equal.
func Is(err error, target *Error) bool {
	if target == nil {
		return err == nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == target.Code
}

// IsTransient reports whether the error class is expected to clear on a
// later attempt (rate limit, connection, upstream 5xx).
func IsTransient(err error) bool {
	return Is(err, ErrRateLimited) || Is(err, ErrConnection) || Is(err, ErrServer)
}
