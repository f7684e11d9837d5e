// Package room implements the room-scoped messaging core: the connection
// registry, message broadcast, typing relay and read receipts.
package room

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/metrics"
)

var (
	ErrNotRegistered     = errors.New("room: connection not registered")
	ErrAlreadyRegistered = errors.New("room: connection already registered")
)

// Peer is the outbound side of a live connection.
type Peer interface {
	ConnID() string
	Send(data []byte) error
}

type member struct {
	peer     Peer
	identity auth.Identity
	rooms    map[string]struct{}
}

// Registry maps live connections to their identity and joined rooms. All
// methods are safe for concurrent use; no lock is held while writing to a
// peer.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]Peer // roomID -> connID -> peer
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*member),
		rooms: make(map[string]map[string]Peer),
	}
}

// Register records a connection with its resolved identity.
func (r *Registry) Register(p Peer, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[p.ConnID()]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[p.ConnID()] = &member{
		peer:     p,
		identity: identity,
		rooms:    make(map[string]struct{}),
	}
	metrics.ConnectionsTotal.Inc()
	return nil
}

// Join adds roomID to the connection's memberships. Joining a room twice is
// a no-op.
func (r *Registry) Join(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}
	m.rooms[roomID] = struct{}{}

	peers, ok := r.rooms[roomID]
	if !ok {
		peers = make(map[string]Peer)
		r.rooms[roomID] = peers
		metrics.ActiveRooms.Inc()
	}
	peers[connID] = m.peer
	return nil
}

// MembersOf returns a snapshot of the peers currently in roomID.
func (r *Registry) MembersOf(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.rooms[roomID])
}

// Peer returns the live peer for connID.
func (r *Registry) Peer(connID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return m.peer, true
}

// Identity returns the identity a connection registered with.
func (r *Registry) Identity(connID string) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return auth.Anonymous, false
	}
	return m.identity, true
}

// RoomsOf returns the rooms a connection has joined.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return lo.Keys(m.rooms)
}

// Unregister drops the connection and all of its memberships. It reports
// whether the connection was present, and is safe to call for connections
// that never registered.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	for roomID := range m.rooms {
		peers := r.rooms[roomID]
		delete(peers, connID)
		if len(peers) == 0 {
			delete(r.rooms, roomID)
			metrics.ActiveRooms.Dec()
		}
	}
	delete(r.conns, connID)
	metrics.ConnectionsTotal.Dec()
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
