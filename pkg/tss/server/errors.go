package server

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrServerClosed is returned by Serve after a call to Close.
	ErrServerClosed = errors.New("server closed")
	// ErrAlreadyListening is returned by Listen and Serve when the server is listening or closing.
	ErrAlreadyListening = errors.New("server is already listening")
	// ErrUnknownConnection is returned when a connection id is not registered (anymore).
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is logged when an accepted connection reuses the id of a live one.
	ErrDuplicateConnection = errors.New("duplicate connection id")
)

// ListenError is returned when the server can not bind its listening socket.
type ListenError struct {
	// Port is the last port tried
	Port int
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("listen on port %d: %v", e.Port, e.Err)
}

func (e *ListenError) Unwrap() error {
	return e.Err
}

// ConnectionError is a transport failure on a single connection.
// It never affects other connections.
type ConnectionError struct {
	ID  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.ID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
