// ABOUTME: Wire envelopes for the gateway protocol (request, response, event frames)
// ABOUTME: JSON encode/decode with type validation and structured remote errors

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Protocol version bounds advertised in the connect request.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Well-known methods and events.
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
	MethodHealth   = "health"

	EventConnectChallenge = "connect.challenge"
	EventAgent            = "agent"
	EventChat             = "chat"
	EventTick             = "tick"
)

// CodeNotPaired is returned by the gateway when the device id has no approved pairing.
const CodeNotPaired = "NOT_PAIRED"

// ErrMalformedFrame is returned by Decode for input that is not a protocol frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the single envelope shape shared by all three frame kinds.
// Unused fields are omitted on the wire.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// ErrorShape is the error object carried by a failed response.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (Frame, error) {
	if id == "" {
		return Frame{}, errors.New("request id is required")
	}
	if method == "" {
		return Frame{}, errors.New("request method is required")
	}
	raw, err := marshalObject(params)
	if err != nil {
		return Frame{}, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := marshalObject(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshaling response payload: %w", err)
	}
	ok := true
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) Frame {
	ok := false
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Error: &ErrorShape{Code: code, Message: message}}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := marshalObject(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	return Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

// Succeeded reports whether a response frame carries ok=true.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// Err converts a failed response into a *RemoteError. It returns nil for
// successful responses.
func (f Frame) Err() error {
	if f.Succeeded() {
		return nil
	}
	if f.Error == nil {
		return &RemoteError{Message: "request failed"}
	}
	msg := f.Error.Message
	if msg == "" {
		msg = "request failed"
	}
	return &RemoteError{Code: f.Error.Code, Message: msg}
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	switch f.Type {
	case TypeRequest, TypeResponse, TypeEvent:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return json.Marshal(f)
}

// Decode parses a frame received from the wire.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case TypeRequest:
		if f.ID == "" || f.Method == "" {
			return Frame{}, fmt.Errorf("%w: request without id or method", ErrMalformedFrame)
		}
	case TypeResponse:
		if f.ID == "" {
			return Frame{}, fmt.Errorf("%w: response without id", ErrMalformedFrame)
		}
	case TypeEvent:
		if f.Event == "" {
			return Frame{}, fmt.Errorf("%w: event without name", ErrMalformedFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// marshalObject encodes v, passing through pre-encoded JSON and mapping nil to
// an empty object so params are always an object on the wire.
func marshalObject(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(val) == 0 {
			return json.RawMessage("{}"), nil
		}
		return val, nil
	}
	return json.Marshal(v)
}
