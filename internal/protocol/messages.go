// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeReadMessage = "read_message"
	TypePing        = "ping"
)

// Server -> Client message types. TypeTyping is shared by both directions.
const (
	TypeSessionCreated = "session_created"
	TypeReceiveMessage = "receive_message"
	TypeMessageRead    = "message_read"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownType      = "unknown_type"
	CodeValidation       = "validation_failed"
	CodeNotFound         = "not_found"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg adds the connection to a room's membership.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId" validate:"required"`
}

// SendMessageMsg posts a chat message to a room. Timestamp is optional and
// only honoured for history replay; the server stamps the message otherwise.
type SendMessageMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId" validate:"required"`
	Sender    string     `json:"sender" validate:"required"`
	Message   string     `json:"message" validate:"required"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// TypingMsg indicates whether the client is currently typing in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

// ReadMessageMsg marks a message as read by the connection's identity.
type ReadMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId" validate:"required"`
	RoomID    string `json:"roomId" validate:"required"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the handshake completes.
type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Role      string `json:"role,omitempty"`
}

// ReceiveMessageMsg is broadcast to every room member, sender included.
type ReceiveMessageMsg struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingUser identifies who is typing.
type TypingUser struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// ServerTypingMsg relays a typing indicator to the other room members.
type ServerTypingMsg struct {
	RoomID   string     `json:"roomId"`
	User     TypingUser `json:"user"`
	IsTyping bool       `json:"isTyping"`
}

// MessageReadMsg relays a read receipt to the other room members.
type MessageReadMsg struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// originating connection. Message is always a fixed, human-readable string.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadMessage:
		var m ReadMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage is a shorthand for an encoded ErrorMsg.
func NewErrorMessage(code, message string) []byte {
	out, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		// ErrorMsg always marshals.
		panic(err)
	}
	return out
}
