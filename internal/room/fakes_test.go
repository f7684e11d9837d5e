package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
)

type fakePeer struct {
	id string

	mu   sync.Mutex
	sent [][]byte
	err  error
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ConnID() string { return p.id }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

// events decodes every frame the peer received.
func (p *fakePeer) events(t *testing.T) []map[string]any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, 0, len(p.sent))
	for _, raw := range p.sent {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (p *fakePeer) eventsOfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range p.events(t) {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

// flakyStore wraps a MemoryStore and fails selected operations.
type flakyStore struct {
	*chat.MemoryStore
	failCreate, failFind, failAddReader bool
}

var errDriver = errors.New("dial tcp 10.0.0.7:27017: connection refused")

func (s *flakyStore) Create(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	if s.failCreate {
		return chat.Message{}, errors.Join(chat.ErrStoreUnavailable, errDriver)
	}
	return s.MemoryStore.Create(ctx, in)
}

func (s *flakyStore) FindByRoom(ctx context.Context, roomID string) ([]chat.Message, error) {
	if s.failFind {
		return nil, errDriver
	}
	return s.MemoryStore.FindByRoom(ctx, roomID)
}

func (s *flakyStore) AddReader(ctx context.Context, messageID, userID string) error {
	if s.failAddReader {
		return errors.Join(chat.ErrStoreUnavailable, errDriver)
	}
	return s.MemoryStore.AddReader(ctx, messageID, userID)
}

// staticResolver maps credentials to identities; anything unknown is invalid.
type staticResolver map[string]auth.Identity

func (r staticResolver) Resolve(credential string) (auth.Identity, error) {
	if credential == "" {
		return auth.Anonymous, nil
	}
	id, ok := r[credential]
	if !ok {
		return auth.Anonymous, auth.ErrAuthentication
	}
	return id, nil
}

var testUsers = staticResolver{
	"tok-u1": {UserID: "u1", Role: "member"},
	"tok-u2": {UserID: "u2", Role: "member"},
	"tok-u3": {UserID: "u3"},
}

type harness struct {
	engine *Engine
	store  *flakyStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &flakyStore{MemoryStore: chat.NewMemoryStore()}
	return &harness{
		engine: NewEngine(NewRegistry(), store, testUsers),
		store:  store,
	}
}

// connect registers a fresh peer with the given credential and joins rooms.
func (h *harness) connect(t *testing.T, id, credential string, rooms ...string) *fakePeer {
	t.Helper()
	p := newPeer(id)
	_, err := h.engine.Register(p, credential)
	require.NoError(t, err)
	for _, r := range rooms {
		require.NoError(t, h.engine.Registry().Join(id, r))
	}
	return p
}
