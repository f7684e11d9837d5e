package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/moderation"
)

// Publisher is the subset of NATSClient used by EventSink.
type Publisher interface {
	PublishRoomEvent(roomID string, data []byte) error
	PublishModerationRequest(data []byte) error
}

// EventSink publishes persisted messages to the room event stream and,
// when moderation is enabled, queues them for review. It satisfies
// room.MessageSink.
type EventSink struct {
	pub      Publisher
	moderate bool
}

func NewEventSink(pub Publisher, moderate bool) *EventSink {
	return &EventSink{pub: pub, moderate: moderate}
}

func (s *EventSink) MessagePersisted(_ context.Context, connID string, msg chat.Message) error {
	data, err := json.Marshal(chat.NewRoomEvent(msg))
	if err != nil {
		return fmt.Errorf("messaging: encode room event: %w", err)
	}
	if err := s.pub.PublishRoomEvent(msg.RoomID, data); err != nil {
		return fmt.Errorf("messaging: publish room event: %w", err)
	}

	if !s.moderate {
		return nil
	}
	req, err := json.Marshal(moderation.Request{
		ConnID:    connID,
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Sender:    msg.Sender,
		Text:      msg.Body,
		Ts:        msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("messaging: encode moderation request: %w", err)
	}
	if err := s.pub.PublishModerationRequest(req); err != nil {
		return fmt.Errorf("messaging: publish moderation request: %w", err)
	}
	return nil
}
