// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the chat server and the moderator. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// room event stream and the moderation channels.
package messaging

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/logger"
)

// NATS subject patterns.
const (
	SubjectRoom             = "chat.room"         // + .<room token>, see RoomSubject
	SubjectModeration       = "moderation.check"  // queue-consumed by moderators
	SubjectModerationResult = "moderation.result" // + .<conn_id>

	// QueueModerators spreads moderation checks across moderator replicas.
	QueueModerators = "moderators"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  zerolog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	Timeout       time.Duration // initial dial timeout
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "roomchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		Timeout:       5 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logger.L().With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}
	if config.Timeout > 0 {
		opts = append(opts, nats.Timeout(config.Timeout))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  log,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe is Subscribe with a queue group; each message is delivered
// to one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
}

// RoomSubject returns the subject carrying events for roomID. IDs made only
// of letters, digits, '_' and '-' are used as the subject token unchanged;
// anything else, including '.', '*', '>' and whitespace, is sent as '~'
// followed by its unpadded base64url encoding so that every room maps to
// exactly one literal token.
func RoomSubject(roomID string) string {
	return SubjectRoom + "." + roomToken(roomID)
}

func roomToken(roomID string) string {
	if roomID != "" && strings.IndexFunc(roomID, isUnsafeTokenRune) < 0 {
		return roomID
	}
	return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// roomFromToken reverses roomToken.
func roomFromToken(token string) (string, error) {
	enc, ok := strings.CutPrefix(token, encodedPrefix)
	if !ok {
		return token, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("room subject token %q: %w", token, err)
	}
	return string(b), nil
}

const encodedPrefix = "~"

func isUnsafeTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		return false
	}
	return true
}

// PublishRoomEvent publishes data to the subject for roomID.
func (c *NATSClient) PublishRoomEvent(roomID string, data []byte) error {
	return c.Publish(RoomSubject(roomID), data)
}

// subscribeRoomEvents subscribes to every room's event stream. The handler
// receives the decoded room ID.
func (c *NATSClient) subscribeRoomEvents(handler func(roomID string, data []byte)) error {
	return c.Subscribe(SubjectRoom+".*", func(msg *nats.Msg) {
		roomID, err := roomFromToken(strings.TrimPrefix(msg.Subject, SubjectRoom+"."))
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping room event")
			return
		}
		handler(roomID, msg.Data)
	})
}

// PublishModerationRequest publishes a moderation check request.
func (c *NATSClient) PublishModerationRequest(data []byte) error {
	return c.Publish(SubjectModeration, data)
}

// SubscribeModerationCheck subscribes to moderation check requests in the
// moderators queue group.
func (c *NATSClient) SubscribeModerationCheck(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectModeration, QueueModerators, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishModerationResult publishes a moderation result for a specific connection.
func (c *NATSClient) PublishModerationResult(connID string, data []byte) error {
	return c.Publish(SubjectModerationResult+"."+connID, data)
}

// SubscribeModerationResults subscribes to moderation results for every
// connection. The handler receives the connection ID parsed from the subject.
func (c *NATSClient) SubscribeModerationResults(handler func(connID string, data []byte)) error {
	return c.Subscribe(SubjectModerationResult+".*", func(msg *nats.Msg) {
		handler(strings.TrimPrefix(msg.Subject, SubjectModerationResult+"."), msg.Data)
	})
}

// Flush round-trips to the server so prior publishes are processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}

	c.log.Info().Msg("client closed")
}
