package client

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/gohub/internal/protocol"
)

// ErrClosed is returned by calls made after the connection ended without a
// server-side reason.
var ErrClosed = errors.New("client: connection closed")

// HandshakeError is returned by Dial when the server refuses the handshake.
type HandshakeError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("client: handshake rejected: %s: %s", e.Code, e.Message)
}

// InvocationError is the server's failure report for one invocation.
type InvocationError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("client: invocation failed: %s: %s", e.Code, e.Message)
}

// CloseError records the reason carried by the server's Close frame.
type CloseError struct {
	Code           protocol.ErrorCode
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Code == "" {
		return "client: server closed the connection"
	}
	return fmt.Sprintf("client: server closed the connection: %s: %s", e.Code, e.Message)
}
