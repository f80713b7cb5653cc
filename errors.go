package roomlink

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotOpen is returned by Send when the underlying data channel
	// is missing or not yet open. Sends failed this way are not retried
	// locally; only a server-driven retry after reconnection replays them.
	ErrChannelNotOpen = errors.New("data channel is not open")

	// ErrClosed is returned for operations on a closed object, and resolves
	// any publish still in flight when its owner is torn down.
	ErrClosed = errors.New("closed")

	// ErrConnectTimeout is returned when the primary transport does not
	// report connected within the configured timeout.
	ErrConnectTimeout = errors.New("timed out waiting for transport to connect")

	// ErrRequestTimeout is returned when a correlated signaling request
	// receives no response in time.
	ErrRequestTimeout = errors.New("signal request timed out")

	// ErrReconnectExhausted is the terminal error after the reconnect
	// attempt limit runs out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotRecoverable is reported when the server declares the session
	// unrecoverable.
	ErrNotRecoverable = errors.New("session is not recoverable")

	// errFullReconnectRequired escalates the reconnect loop from quick to
	// full on the next attempt.
	errFullReconnectRequired = errors.New("full reconnect required")
)

// InvalidStateError is produced when calling a method in an invalid state.
type InvalidStateError struct {
	message string
}

func NewInvalidStateError(format string, args ...interface{}) error {
	return &InvalidStateError{
		message: fmt.Sprintf(format, args...),
	}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("InvalidStateError:%s", e.message)
}

// UnsupportedError indicates no support for something, e.g. a server speaking
// an older protocol version than this client requires.
type UnsupportedError struct {
	message string
}

func NewUnsupportedError(format string, args ...interface{}) error {
	return &UnsupportedError{
		message: fmt.Sprintf(format, args...),
	}
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("UnsupportedError:%s", e.message)
}
