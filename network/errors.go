package network

import (
	"errors"
	"fmt"
)

var (
	ErrHandlerBound = errors.New("handler already bound for event")
	ErrNotOpen      = errors.New("transport is not open")
	ErrClosed       = errors.New("transport closed")
	ErrNoTransport  = errors.New("no usable transport configured")
)

// TransportError wraps an underlying channel failure with the operation that
// hit it.
type TransportError struct {
	Op    string
	Event string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Event, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
