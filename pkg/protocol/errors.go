package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for envelope validation.
var (
	// ErrBadProtocol is returned when an envelope is missing the expected
	// protocol version string. This is a fatal local error; such envelopes
	// are never sent onward.
	ErrBadProtocol = errors.New("protocol: missing or unsupported protocol version")

	// ErrMissingField is returned when a required envelope field is absent.
	ErrMissingField = errors.New("protocol: missing required field")

	// ErrUnknownType is returned when a message type is not recognized.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Error is the application error object carried in a failed response
// envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Message)
}

// Well-known application error codes.
const (
	CodeMethodNotFound = "method_not_found"
	CodeInvalidArgs    = "invalid_args"
	CodeStaleComponent = "stale_component"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeConflict       = "conflict"
	CodeInternal       = "internal"
)

// FieldError wraps ErrMissingField with the field name for diagnostics.
type FieldError struct {
	Envelope string // "request", "response", "notification"
	Field    string
}

// Error returns the error message.
func (e *FieldError) Error() string {
	return fmt.Sprintf("protocol: %s envelope missing field %q", e.Envelope, e.Field)
}

// Unwrap returns ErrMissingField so errors.Is works.
func (e *FieldError) Unwrap() error {
	return ErrMissingField
}
