package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is the machine-readable reason carried by InvocationError,
// rejected HandshakeResponse and Close frames.
type ErrorCode string

const (
	CodeMethodNotFound      ErrorCode = "MethodNotFound"
	CodeApplicationFault    ErrorCode = "ApplicationFault"
	CodeProtocolError       ErrorCode = "ProtocolError"
	CodeRateLimited         ErrorCode = "RateLimited"
	CodeVersionMismatch     ErrorCode = "VersionMismatch"
	CodeUnsupportedProtocol ErrorCode = "UnsupportedProtocol"
	CodeHandshakeTimeout    ErrorCode = "HandshakeTimeout"
	CodeQueueOverflow       ErrorCode = "QueueOverflow"
	CodeTransportFailure    ErrorCode = "TransportFailure"
	CodeServerShutdown      ErrorCode = "ServerShutdown"
)

// TransportWebSockets is the transport capability advertised by WebSocket
// clients in the handshake request.
const TransportWebSockets = "websockets"

// NewHandshakeRequest builds the client's opening frame for the current
// protocol version.
func NewHandshakeRequest(transport string) *Frame {
	return &Frame{
		Type:      FrameHandshakeRequest,
		Protocol:  Name,
		Version:   Version,
		Transport: transport,
	}
}

// AcceptHandshake builds the server's acceptance carrying the identity the
// registry assigned to the connection.
func AcceptHandshake(connectionID string) *Frame {
	return &Frame{Type: FrameHandshakeResponse, ConnectionID: connectionID}
}

// RejectHandshake builds a handshake refusal.
func RejectHandshake(code ErrorCode, message string) *Frame {
	return &Frame{Type: FrameHandshakeResponse, Code: code, Error: message}
}

// Accepted reports whether a handshake response accepted the connection.
func (f *Frame) Accepted() bool {
	return f.Type == FrameHandshakeResponse && f.Code == ""
}

// CheckHandshake validates a client's handshake request against what this
// server speaks. It returns the rejection code and reason, or "" when the
// request is acceptable.
func CheckHandshake(f *Frame) (ErrorCode, string) {
	if f.Type != FrameHandshakeRequest {
		return CodeProtocolError, fmt.Sprintf("expected %s, got %s", FrameHandshakeRequest, f.Type)
	}
	if f.Protocol != Name {
		return CodeUnsupportedProtocol, fmt.Sprintf("protocol %q is not supported", f.Protocol)
	}
	if f.Version != Version {
		return CodeVersionMismatch, fmt.Sprintf("protocol version %d is not supported, server speaks %d", f.Version, Version)
	}
	if f.Transport != TransportWebSockets {
		return CodeUnsupportedProtocol, fmt.Sprintf("transport %q is not supported", f.Transport)
	}
	return "", ""
}

// NewInvocation builds an invocation of target. Arguments are marshaled to
// JSON; invocationID may be empty for calls that expect no result.
func NewInvocation(invocationID, target string, args ...any) (*Frame, error) {
	raw, err := MarshalArguments(args...)
	if err != nil {
		return nil, fmt.Errorf("protocol: invocation %q: %w", target, err)
	}
	return &Frame{
		Type:         FrameInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// NewResult builds the successful completion of invocationID.
func NewResult(invocationID string, result any) (*Frame, error) {
	f := &Frame{Type: FrameInvocationResult, InvocationID: invocationID}
	if result == nil {
		return f, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: result of %q: %w", invocationID, err)
	}
	f.Result = raw
	return f, nil
}

// NewError builds an invocation failure.
func NewError(invocationID string, code ErrorCode, message string) *Frame {
	return &Frame{
		Type:         FrameInvocationError,
		InvocationID: invocationID,
		Code:         code,
		Error:        message,
	}
}

// NewPing builds a keep-alive frame.
func NewPing() *Frame {
	return &Frame{Type: FramePing}
}

// NewClose builds the last frame a peer sends before closing.
func NewClose(code ErrorCode, message string, allowReconnect bool) *Frame {
	return &Frame{
		Type:           FrameClose,
		Code:           code,
		Error:          message,
		AllowReconnect: allowReconnect,
	}
}

// MarshalArguments encodes each argument as its own JSON value.
func MarshalArguments(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}
