package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
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

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Session security incidents: the whole refresh lineage is revoked as a
	// side effect before these are returned.
	ErrTokenReused         = New("TOKEN_REUSED", http.StatusUnauthorized, "refresh token reuse detected")
	ErrFingerprintMismatch = New("FINGERPRINT_MISMATCH", http.StatusUnauthorized, "client fingerprint mismatch")
	ErrTokenRevoked        = New("TOKEN_REVOKED", http.StatusUnauthorized, "token has been revoked")

	ErrVerifyFailed     = New("VERIFY_FAILED", http.StatusBadRequest, "receipt verification failed")
	ErrInvalidSignature = New("INVALID_SIGNATURE", http.StatusBadRequest, "webhook signature verification failed")
	ErrInvalidPubSubJWT = New("INVALID_PUBSUB_TOKEN", http.StatusUnauthorized, "pubsub token verification failed")

	ErrPaymentRequired      = New("PAYMENT_REQUIRED", http.StatusPaymentRequired, "upgrade required")
	ErrStorageLimitExceeded = New("STORAGE_LIMIT_EXCEEDED", http.StatusPaymentRequired, "storage limit exceeded")
	ErrRateLimited          = New("RATE_LIMITED", http.StatusTooManyRequests, "too many requests")
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

// WithDetails returns a copy of the error carrying structured fields the
// client can parse alongside the message.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Details = details
	return &clone
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
