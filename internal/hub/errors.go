package hub

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/gohub/internal/protocol"
)

var (
	// ErrSessionClosed is returned when a frame is sent to a session whose
	// outbound queue has already been closed.
	ErrSessionClosed = errors.New("hub: session closed")

	// ErrQueueOverflow is returned when a session's outbound queue is full.
	// The session is closed rather than the frame silently dropped.
	ErrQueueOverflow = errors.New("hub: outbound queue overflow")

	// ErrSessionNotFound is returned by Registry.Lookup for unknown identities.
	ErrSessionNotFound = errors.New("hub: session not found")

	// ErrRouterFrozen is returned when a method is registered after the hub
	// started serving.
	ErrRouterFrozen = errors.New("hub: method table is frozen")

	// ErrDuplicateMethod is returned when a method name is registered twice.
	ErrDuplicateMethod = errors.New("hub: method already registered")

	// ErrHubClosed is returned by Accept once the hub is shutting down.
	ErrHubClosed = errors.New("hub: closed")
)

// TransportError is an I/O level failure. It is always fatal to the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hub: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a frame that violates the wire protocol or the
// target method's declared signature. It is fatal to the session because the
// stream cannot be resynchronized safely.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hub: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "hub: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// MethodNotFoundError is returned when no handler is registered for the
// invoked name. The session survives.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("hub: method %q not found", e.Method)
}

// ApplicationFault wraps an error returned, or a panic raised, by a handler.
// The session survives.
type ApplicationFault struct {
	Method string
	Err    error
}

func (e *ApplicationFault) Error() string {
	return fmt.Sprintf("hub: method %q failed: %v", e.Method, e.Err)
}

func (e *ApplicationFault) Unwrap() error {
	return e.Err
}

// HandshakeError reports a connection refused before it was registered.
type HandshakeError struct {
	Code   protocol.ErrorCode
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hub: handshake rejected (%s): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("hub: handshake rejected (%s): %s", e.Code, e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ErrorCode maps err onto the wire error code reported to clients.
func ErrorCode(err error) protocol.ErrorCode {
	var (
		notFound  *MethodNotFoundError
		fault     *ApplicationFault
		protoErr  *ProtocolError
		transport *TransportError
		handshake *HandshakeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &handshake):
		return handshake.Code
	case errors.As(err, &notFound):
		return protocol.CodeMethodNotFound
	case errors.As(err, &fault):
		return protocol.CodeApplicationFault
	case errors.As(err, &protoErr):
		return protocol.CodeProtocolError
	case errors.Is(err, ErrQueueOverflow):
		return protocol.CodeQueueOverflow
	case errors.As(err, &transport):
		return protocol.CodeTransportFailure
	default:
		return protocol.CodeApplicationFault
	}
}

// IsFatal reports whether err must terminate the session that produced it.
func IsFatal(err error) bool {
	var (
		protoErr  *ProtocolError
		transport *TransportError
	)
	return errors.As(err, &protoErr) || errors.As(err, &transport)
}
