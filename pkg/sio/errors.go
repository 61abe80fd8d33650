package sio

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrProtocol is returned for malformed Engine.IO or Socket.IO packets.
	ErrProtocol = errors.New("sio: protocol error")

	// ErrUnsupported is returned for protocol features this package
	// does not implement (binary attachments).
	ErrUnsupported = errors.New("sio: unsupported")

	// ErrClosed is returned when using a closed client.
	ErrClosed = errors.New("sio: client closed")

	// ErrNoTransport is returned when no configured transport is usable.
	ErrNoTransport = errors.New("sio: no usable transport")
)

// Disconnect reasons, as reported by socket.io clients.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

// ConnectError is the server's refusal of a namespace connection.
type ConnectError struct {
	Message string
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("sio: connect refused: %s", e.Message)
}

// HTTPError is a non-200 reply from the polling endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("sio: http %d: %s", e.StatusCode, e.Body)
}
