package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrStaleComponent is returned when the server reports that the
	// object backing a component no longer exists. The caller must tear
	// the component down rather than surface a generic error.
	ErrStaleComponent = errors.New("transport: server object no longer exists")

	// ErrSocketClosed is returned when sending on a closed socket.
	ErrSocketClosed = errors.New("transport: socket closed")
)

// StatusError reports a non-200 HTTP status from the call endpoint.
type StatusError struct {
	Code int
	Body []byte
}

// Error returns the error message.
func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected status %d", e.Code)
}

// NetworkError wraps a transport-level failure with no response at all.
type NetworkError struct {
	Err error
}

// Error returns the error message.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: network failure: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a transport-level network failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// StatusOf returns the HTTP status code carried by err, if any.
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
