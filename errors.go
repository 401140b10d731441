package sockbridge

import (
	"errors"
	"fmt"

	"github.com/sockbridge/golang/internal/jsoncodec"
)

var (
	ErrNotReady        = errors.New("sockbridge: client is not ready")
	ErrAlreadyStarted  = errors.New("sockbridge: client already started")
	ErrClosed          = errors.New("sockbridge: connection closed")
	ErrDuplicateID     = errors.New("sockbridge: correlation id already pending")
	ErrInvalidID       = errors.New("sockbridge: invalid correlation id")
	ErrInvalidFunction = errors.New("sockbridge: invalid function name")
	ErrInvalidConfig   = errors.New("sockbridge: invalid configuration")
	ErrServiceNotFound = errors.New("sockbridge: service not found")
)

// RemoteCallError is returned for a response carrying the reserved error
// property. Value holds that property exactly as decoded.
type RemoteCallError struct {
	ID    string
	Value any
}

func (e *RemoteCallError) Error() string {
	switch v := e.Value.(type) {
	case string:
		return v
	case nil:
		return "remote call failed"
	}
	data, err := jsoncodec.Marshal(e.Value)
	if err != nil {
		return fmt.Sprint(e.Value)
	}
	return string(data)
}

// StartupError means the worker could not be brought up: it failed to spawn,
// wrote to stderr before acknowledging readiness, or exited early.
type StartupError struct {
	Message string
	Err     error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *StartupError) Unwrap() error {
	return e.Err
}

// ConnectionError means the socket could not be dialed after a successful
// handshake
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
