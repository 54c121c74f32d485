package types

import (
	"errors"
	"fmt"
)

// ErrUnknownSession marks a raw event addressed to a session that was never
// joined. It is logged and counted by the router, never surfaced to callers.
var ErrUnknownSession = errors.New("unknown session")

// ErrNotConnected is returned by operations that require a live transport.
var ErrNotConnected = errors.New("not connected")

// ErrStreamClosed is returned when sending into a cancelled or closed stream.
var ErrStreamClosed = errors.New("stream closed")

// TransportError wraps a connection-level failure. It surfaces to a caller
// only after the reconnect policy is exhausted, and then only as a terminal
// error event on the stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: HTTP %d: %s", e.StatusCode, e.Body)
}
