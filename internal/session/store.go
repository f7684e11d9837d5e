package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// RoomsSuffix names the set of joined rooms for a session.
	RoomsSuffix = ":rooms"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents a connection's mirrored state.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"` // empty for anonymous connections
	Role       string `redis:"role"`
	Server     string `redis:"server"`      // which WS server instance
	RemoteIP   string `redis:"remote_ip"`   // client address at handshake
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a session store on an existing client. The client is
// shared with the rate limiter and owned by the caller.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sess Session) error {
	key := SessionPrefix + sess.ID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          sess.ID,
		"user_id":     sess.UserID,
		"role":        sess.Role,
		"server":      s.serverName,
		"remote_ip":   sess.RemoteIP,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// get retrieves a session from Redis. Returns nil if not found.
func (s *Store) get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// AddRoom records a joined room and refreshes the TTL of both keys.
func (s *Store) AddRoom(ctx context.Context, sessionID, roomID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key+RoomsSuffix, roomID)
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, key+RoomsSuffix, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// rooms returns the rooms recorded for a session.
func (s *Store) rooms(ctx context.Context, sessionID string) ([]string, error) {
	return s.client.SMembers(ctx, SessionPrefix+sessionID+RoomsSuffix).Result()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, key+RoomsSuffix, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its room set from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key, key+RoomsSuffix).Err()
}
