package chat

// RoomEvent is the payload published to NATS chat.room.<room_id> subjects
// after a message has been persisted.
type RoomEvent struct {
	Type      string `json:"type"` // "message"
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"` // unix millis
}

// NewRoomEvent builds the bus event for a persisted message.
func NewRoomEvent(m Message) RoomEvent {
	return RoomEvent{
		Type:      "message",
		MessageID: m.ID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Text:      m.Body,
		Ts:        m.Timestamp.UnixMilli(),
	}
}
