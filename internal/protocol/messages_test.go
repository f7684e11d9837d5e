package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","roomId":"r1","sender":"u1","message":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "r1" || sm.Sender != "u1" || sm.Message != "hi" {
		t.Errorf("unexpected payload: %+v", sm)
	}
	if sm.Timestamp != nil {
		t.Errorf("expected nil timestamp, got %v", sm.Timestamp)
	}
}

func TestParseClientMessage_SendMessageWithTimestamp(t *testing.T) {
	input := []byte(`{"type":"send_message","roomId":"r1","sender":"u1","message":"hi","timestamp":"2024-01-02T03:04:05Z"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm := msg.(SendMessageMsg)
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if sm.Timestamp == nil || !sm.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, sm.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing typing and read_message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"typing","roomId":"r1","isTyping":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.RoomID != "r1" || !tm.IsTyping {
		t.Errorf("unexpected payload: %+v", tm)
	}
}

func TestParseClientMessage_ReadMessage(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"read_message","messageId":"m1","roomId":"r1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rm, ok := msg.(ReadMessageMsg)
	if !ok {
		t.Fatalf("expected ReadMessageMsg, got %T", msg)
	}
	if rm.MessageID != "m1" || rm.RoomID != "r1" {
		t.Errorf("unexpected payload: %+v", rm)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":     `{oops`,
		"missing type": `{"roomId":"r1"}`,
		"empty type":   `{"type":""}`,
		"server only":  `{"type":"receive_message"}`,
		"bad field":    `{"type":"typing","roomId":"r1","isTyping":"yes"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(input)); err == nil {
				t.Fatalf("expected error for %s", input)
			}
		})
	}
}

func TestParseClientMessage_UnknownTypeSentinel(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"find_match"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "find_match" {
		t.Errorf("expected type to be reported, got %q", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation
// ---------------------------------------------------------------------------

func TestValidate_SendMessageMissingBody(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"send_message","roomId":"r1","sender":"u1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = Validate(TypeSendMessage, msg)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Fields) != 1 || verr.Fields[0] != "message" {
		t.Errorf("expected [message], got %v", verr.Fields)
	}
}

func TestValidate_ReadMessageMissingAll(t *testing.T) {
	err := Validate(TypeReadMessage, ReadMessageMsg{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("expected 2 fields, got %v", verr.Fields)
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(TypeJoinRoom, JoinRoomMsg{RoomID: "r1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(TypeTyping, TypingMsg{RoomID: "r1"}); err != nil {
		t.Fatalf("isTyping=false must be valid: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_ReceiveMessage(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := NewServerMessage(TypeReceiveMessage, ReceiveMessageMsg{
		ID: "m1", RoomID: "r1", Sender: "u1", Message: "hi", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m["type"] != TypeReceiveMessage {
		t.Errorf("expected type %q, got %v", TypeReceiveMessage, m["type"])
	}
	if m["message"] != "hi" || m["sender"] != "u1" {
		t.Errorf("unexpected payload: %v", m)
	}
	if m["timestamp"] != "2024-01-02T03:04:05Z" {
		t.Errorf("unexpected timestamp: %v", m["timestamp"])
	}
}

func TestNewServerMessage_Pong(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected output: %s", data)
	}
}

func TestNewErrorMessage(t *testing.T) {
	var m ErrorMsg
	if err := json.Unmarshal(NewErrorMessage(CodeNotFound, "message not found"), &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m.Code != CodeNotFound || m.Message != "message not found" {
		t.Errorf("unexpected error payload: %+v", m)
	}
}
