package gateway

import (
	"encoding/json"
	"time"

	"github.com/xraph/switchboard/id"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the envelope of every message exchanged with a socket client.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames and the event name for
	// server pushes.
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the method-specific payload. It is JSON in both wire
	// formats.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel names the room an event was addressed to.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes a transport-level failure.
type ErrorDetail struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Methods ─────────────────────────────────────────

const (
	MethodAuthenticate  = "authenticate"
	MethodIncomingEvent = "incoming_event"
	MethodJoinRoom      = "join_room"
	MethodLeaveRoom     = "leave_room"

	// MethodOutgoingEvent is pushed by the server.
	MethodOutgoingEvent = "outgoing_event"
)

// ── Payloads ────────────────────────────────────────

// AuthRequest is the data of an authenticate frame.
type AuthRequest struct {
	Token string `json:"token"`
}

// EventEnvelope is the data of an incoming_event frame.
type EventEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// RoomRequest is the data of join_room and leave_room frames.
type RoomRequest struct {
	Room string `json:"room"`
}

// Outgoing is a message pushed to clients. Room wins over ClientID; with
// neither set it goes to every session.
type Outgoing struct {
	Event    string `json:"event,omitempty"`
	Data     any    `json:"data"`
	Room     string `json:"room,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// ── Frame constructors ──────────────────────────────

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id.NewMessageID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID, code, message string) *Frame {
	return &Frame{
		ID:        id.NewMessageID(),
		Type:      FrameErr,
		CorrelID:  correlID,
		Error:     &ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// newEventFrame wraps an already encoded message as an outgoing_event push.
func newEventFrame(room string, raw json.RawMessage) *Frame {
	return &Frame{
		ID:        id.NewMessageID(),
		Type:      FrameEvent,
		Method:    MethodOutgoingEvent,
		Channel:   room,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
}

// mustResponseFrame creates a response frame, returning an error frame on
// marshal failure.
func mustResponseFrame(correlID string, data any) *Frame {
	resp, err := NewResponseFrame(correlID, data)
	if err != nil {
		return NewErrorFrame(correlID, "INTERNAL", "marshal response: "+err.Error())
	}
	return resp
}
