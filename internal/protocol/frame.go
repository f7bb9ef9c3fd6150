// Package protocol defines the versioned wire format spoken between the hub
// and its clients: frame kinds, the JSON record codec, and error codes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// Name is the only encoding the hub speaks.
	Name = "json"

	// Version is the current protocol version. Peers declaring any other
	// version are rejected during the handshake.
	Version = 1

	// RecordSeparator terminates every encoded frame. A single transport
	// message may carry several records.
	RecordSeparator byte = 0x1e
)

// FrameType identifies the kind of a frame.
type FrameType int

const (
	FrameHandshakeRequest  FrameType = 1
	FrameHandshakeResponse FrameType = 2
	FrameInvocation        FrameType = 3
	FrameInvocationResult  FrameType = 4
	FrameInvocationError   FrameType = 5
	FramePing              FrameType = 6
	FrameClose             FrameType = 7
)

// String returns the name of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameHandshakeRequest:
		return "HandshakeRequest"
	case FrameHandshakeResponse:
		return "HandshakeResponse"
	case FrameInvocation:
		return "Invocation"
	case FrameInvocationResult:
		return "InvocationResult"
	case FrameInvocationError:
		return "InvocationError"
	case FramePing:
		return "Ping"
	case FrameClose:
		return "Close"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	return t >= FrameHandshakeRequest && t <= FrameClose
}

// Frame is one discrete unit of the wire protocol. Which fields are set
// depends on Type; unused fields are omitted from the encoding.
type Frame struct {
	Type FrameType `json:"type"`

	// Handshake request.
	Protocol  string `json:"protocol,omitempty"`
	Version   int    `json:"version,omitempty"`
	Transport string `json:"transport,omitempty"`

	// Handshake response.
	ConnectionID string `json:"connectionId,omitempty"`

	// Invocation, result and error.
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`

	// Error, rejected handshake and close.
	Code           ErrorCode `json:"code,omitempty"`
	Error          string    `json:"error,omitempty"`
	AllowReconnect bool      `json:"allowReconnect,omitempty"`
}

// Encode serializes f as a single record terminated by RecordSeparator.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("protocol: encode nil frame")
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("protocol: encode %s: unknown frame type", f.Type)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", f.Type, err)
	}

	// json.Encoder appends a newline; replace it with the record separator.
	out := buf.Bytes()
	out[len(out)-1] = RecordSeparator
	return out, nil
}

// Decode parses one record. The trailing separator is optional. The frame is
// validated against the required fields of its kind.
func Decode(record []byte) (*Frame, error) {
	record = bytes.TrimSuffix(record, []byte{RecordSeparator})
	if len(bytes.TrimSpace(record)) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}

	var f Frame
	if err := json.Unmarshal(record, &f); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func validate(f *Frame) error {
	switch f.Type {
	case FrameHandshakeRequest:
		if f.Protocol == "" {
			return &DecodeError{Type: f.Type, Reason: "missing protocol"}
		}
		if f.Version == 0 {
			return &DecodeError{Type: f.Type, Reason: "missing version"}
		}
	case FrameHandshakeResponse, FramePing, FrameClose:
	case FrameInvocation:
		if f.Target == "" {
			return &DecodeError{Type: f.Type, Reason: "missing method name"}
		}
		for i, arg := range f.Arguments {
			if len(arg) == 0 {
				return &DecodeError{Type: f.Type, Reason: fmt.Sprintf("argument %d is empty", i)}
			}
		}
	case FrameInvocationResult:
		if f.InvocationID == "" {
			return &DecodeError{Type: f.Type, Reason: "missing invocation id"}
		}
	case FrameInvocationError:
		if f.Code == "" {
			return &DecodeError{Type: f.Type, Reason: "missing error code"}
		}
	default:
		return &DecodeError{Type: f.Type, Reason: "unknown frame type"}
	}
	return nil
}

// Split breaks a transport message into its records. Empty records are
// dropped and the separators are not included in the returned slices.
func Split(message []byte) [][]byte {
	parts := bytes.Split(message, []byte{RecordSeparator})
	records := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		records = append(records, p)
	}
	return records
}

// DecodeError reports a frame that cannot be decoded or fails validation.
type DecodeError struct {
	Type   FrameType
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "protocol: " + e.Reason
	if e.Type != 0 {
		msg = "protocol: " + e.Type.String() + ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
