// Package chat holds the persisted chat message model and the storage
// backends behind it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned by AddReader when the message does not exist.
	ErrNotFound = errors.New("chat: message not found")
	// ErrStoreUnavailable wraps any failure of the underlying store.
	ErrStoreUnavailable = errors.New("chat: store unavailable")
)

// Message is a persisted chat message. ReadBy is the only field that changes
// after creation, and it only grows.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ReadBy    []string  `json:"readBy"`
}

func (m Message) clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m
}

// NewMessage is the input to Store.Create. A nil Timestamp means now.
type NewMessage struct {
	RoomID    string
	Sender    string
	Body      string
	Timestamp *time.Time
}

func (n NewMessage) timestamp(now func() time.Time) time.Time {
	if n.Timestamp != nil && !n.Timestamp.IsZero() {
		return n.Timestamp.UTC()
	}
	return now().UTC()
}

// Store is the durable message collection.
type Store interface {
	// Create persists a message and assigns its ID.
	Create(ctx context.Context, in NewMessage) (Message, error)
	// FindByRoom returns the room's messages in ascending timestamp order,
	// ties broken by insertion order. An empty room yields an empty slice.
	FindByRoom(ctx context.Context, roomID string) ([]Message, error)
	// AddReader adds userID to the message's ReadBy set. Adding the same
	// reader twice is a no-op.
	AddReader(ctx context.Context, messageID, userID string) error
	// DeleteAll removes every message. Used by tests and tooling only.
	DeleteAll(ctx context.Context) error
	Close(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
