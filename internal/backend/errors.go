package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations invoked before Connect.
	ErrNotConnected = errors.New("backend not connected")
	// ErrAlreadyConnected is returned by Connect on a connected backend.
	ErrAlreadyConnected = errors.New("backend already connected")
	// ErrSessionNotFound is returned when a session id is unknown to the backend.
	ErrSessionNotFound = errors.New("session not found")
)

// ConnectionError reports a transport or handshake failure.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s backend connection: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnknownRequestError reports a reply for a request id that is not pending.
type UnknownRequestError struct {
	RequestID string
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("unknown request %q", e.RequestID)
}

// ConfigurationError reports a decision or setting the backend cannot map.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "backend configuration: " + e.Msg
}

// IsUnknownRequest reports whether err is an UnknownRequestError.
func IsUnknownRequest(err error) bool {
	var u *UnknownRequestError
	return errors.As(err, &u)
}
