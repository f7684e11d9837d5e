package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
)

// MemoryStore keeps messages in process memory. Used for development and
// tests; contents are lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string][]*Message
	byID  map[string]*Message
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]*Message),
		byID:  make(map[string]*Message),
		now:   time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, in NewMessage) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, unavailable("create", err)
	}

	msg := &Message{
		ID:        ulid.Make().String(),
		RoomID:    in.RoomID,
		Sender:    in.Sender,
		Body:      in.Body,
		Timestamp: in.timestamp(s.now),
		ReadBy:    []string{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[in.RoomID] = append(s.rooms[in.RoomID], msg)
	s.byID[msg.ID] = msg
	return msg.clone(), nil
}

func (s *MemoryStore) FindByRoom(ctx context.Context, roomID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("find", err)
	}

	s.mu.Lock()
	msgs := s.rooms[roomID]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) AddReader(ctx context.Context, messageID, userID string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("add reader", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.ReadBy = lo.Union(msg.ReadBy, []string{userID})
	return nil
}

func (s *MemoryStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string][]*Message)
	s.byID = make(map[string]*Message)
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
