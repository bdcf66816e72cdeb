package xbroker

import (
	"errors"
	"fmt"
)

var (
	// ErrBusClosed is returned by every operation after Close.
	ErrBusClosed = errors.New("xbroker: bus is closed")

	// ErrRequestTimeout is returned by Request when no correlated response
	// arrives within the configured timeout.
	ErrRequestTimeout = errors.New("xbroker: request timed out")

	// ErrObserverPoolShutdownTimeout indicates the observer pool did not drain
	// within the close deadline.
	ErrObserverPoolShutdownTimeout = errors.New("xbroker: observer pool shutdown timeout")
)

// ValidationError rejects a malformed message or subscription synchronously;
// it never reaches the dispatcher.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("xbroker: invalid %s: %s", e.Field, e.Reason)
}

// ResponseError is returned by Request when the responder answered with an
// error instead of a result.
type ResponseError struct {
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("xbroker: request rejected by responder: %s", e.Reason)
}
