package room

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// MessageSink is notified after a message has been persisted and broadcast.
// connID is the originating connection. Errors are logged and never reach
// the client.
type MessageSink interface {
	MessagePersisted(ctx context.Context, connID string, msg chat.Message) error
}

// SinkFunc adapts a function to MessageSink.
type SinkFunc func(ctx context.Context, connID string, msg chat.Message) error

func (f SinkFunc) MessagePersisted(ctx context.Context, connID string, msg chat.Message) error {
	return f(ctx, connID, msg)
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSink adds a post-persist sink. Sinks run in registration order.
func WithSink(s MessageSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// Engine routes inbound room events to the store and fans results out to
// room members. It is the only write path into message history.
type Engine struct {
	registry *Registry
	store    chat.Store
	resolver auth.Resolver
	sinks    []MessageSink
	log      zerolog.Logger
}

func NewEngine(registry *Registry, store chat.Store, resolver auth.Resolver, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		resolver: resolver,
		log:      logger.L().With().Str("component", "room").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

// Authenticate resolves a handshake credential. A missing credential is
// anonymous; an invalid one fails with auth.ErrAuthentication.
func (e *Engine) Authenticate(credential string) (auth.Identity, error) {
	if e.resolver == nil {
		if credential != "" {
			return auth.Anonymous, auth.ErrAuthentication
		}
		return auth.Anonymous, nil
	}
	return e.resolver.Resolve(credential)
}

// Admit registers a peer whose identity has already been resolved.
func (e *Engine) Admit(p Peer, identity auth.Identity) error {
	if err := e.registry.Register(p, identity); err != nil {
		return err
	}
	e.log.Debug().
		Str(logger.FieldConnID, p.ConnID()).
		Str(logger.FieldUserID, identity.UserID).
		Msg("connection registered")
	return nil
}

// Register resolves the credential and, if it is acceptable, registers the
// peer. The peer is not registered when authentication fails.
func (e *Engine) Register(p Peer, credential string) (auth.Identity, error) {
	identity, err := e.Authenticate(credential)
	if err != nil {
		return auth.Anonymous, err
	}
	if err := e.Admit(p, identity); err != nil {
		return auth.Anonymous, err
	}
	return identity, nil
}

// Join adds the connection to a room.
func (e *Engine) Join(ctx context.Context, connID string, msg protocol.JoinRoomMsg) error {
	if err := protocol.Validate(protocol.TypeJoinRoom, msg); err != nil {
		e.replyValidation(connID, err)
		return err
	}
	if err := e.registry.Join(connID, msg.RoomID); err != nil {
		return err
	}
	logger.Ctx(ctx).Debug().
		Str(logger.FieldConnID, connID).
		Str(logger.FieldRoomID, msg.RoomID).
		Msg("joined room")
	return nil
}

// Disconnect removes the connection and every membership it held.
func (e *Engine) Disconnect(connID string) {
	rooms := e.registry.RoomsOf(connID)
	if e.registry.Unregister(connID) {
		e.log.Debug().
			Str(logger.FieldConnID, connID).
			Strs("rooms", rooms).
			Msg("connection unregistered")
	}
}

// HandleSend validates, persists and then broadcasts a message to every
// current member of the room, the sender included. Failures are reported to
// the originating connection only.
func (e *Engine) HandleSend(ctx context.Context, connID string, msg protocol.SendMessageMsg) (chat.Message, error) {
	start := time.Now()
	log := logger.Ctx(ctx).With().
		Str(logger.FieldConnID, connID).
		Str(logger.FieldRoomID, msg.RoomID).
		Logger()

	if err := protocol.Validate(protocol.TypeSendMessage, msg); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.replyValidation(connID, err)
		return chat.Message{}, err
	}
	if err := chat.ValidateMessage(msg.Message); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.reply(connID, protocol.CodeValidation, "message must be valid UTF-8 and at most 4096 bytes")
		return chat.Message{}, &protocol.ValidationError{Type: protocol.TypeSendMessage, Fields: []string{"message"}}
	}

	storeStart := time.Now()
	stored, err := e.store.Create(ctx, chat.NewMessage{
		RoomID:    msg.RoomID,
		Sender:    msg.Sender,
		Body:      msg.Message,
		Timestamp: msg.Timestamp,
	})
	metrics.StoreLatency.WithLabelValues("create").Observe(time.Since(storeStart).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to persist message")
		e.reply(connID, protocol.CodeStoreUnavailable, "failed to send message")
		return chat.Message{}, err
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		ID:        stored.ID,
		RoomID:    stored.RoomID,
		Sender:    stored.Sender,
		Message:   stored.Body,
		Timestamp: stored.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode receive_message")
		return stored, err
	}
	n := e.broadcast(msg.RoomID, "", data)
	log.Debug().
		Str(logger.FieldMessageID, stored.ID).
		Int("recipients", n).
		Msg("message broadcast")

	for _, sink := range e.sinks {
		if err := sink.MessagePersisted(ctx, connID, stored); err != nil {
			log.Warn().Err(err).Str(logger.FieldMessageID, stored.ID).Msg("message sink failed")
		}
	}

	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return stored, nil
}

// History returns a room's messages in ascending timestamp order. Store
// failures are returned wrapped in chat.ErrStoreUnavailable.
func (e *Engine) History(ctx context.Context, roomID string) ([]chat.Message, error) {
	start := time.Now()
	msgs, err := e.store.FindByRoom(ctx, roomID)
	metrics.StoreLatency.WithLabelValues("find_by_room").Observe(time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, chat.ErrStoreUnavailable) {
			err = errors.Join(chat.ErrStoreUnavailable, err)
		}
		return nil, err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

// broadcast writes data to every member of roomID except exclude and returns
// the number of successful writes. Write failures are left for the
// transport to clean up.
func (e *Engine) broadcast(roomID, exclude string, data []byte) int {
	sent := 0
	for _, p := range e.registry.MembersOf(roomID) {
		if p.ConnID() == exclude {
			continue
		}
		if err := p.Send(data); err != nil {
			e.log.Debug().Err(err).
				Str(logger.FieldConnID, p.ConnID()).
				Str(logger.FieldRoomID, roomID).
				Msg("broadcast write failed")
			continue
		}
		sent++
	}
	metrics.FanoutRecipients.Observe(float64(sent))
	return sent
}

// reply sends an error event to the originating connection only.
func (e *Engine) reply(connID, code, message string) {
	p, ok := e.registry.Peer(connID)
	if !ok {
		return
	}
	if err := p.Send(protocol.NewErrorMessage(code, message)); err != nil {
		e.log.Debug().Err(err).Str(logger.FieldConnID, connID).Msg("failed to send error")
	}
}

func (e *Engine) replyValidation(connID string, err error) {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		e.reply(connID, protocol.CodeValidation, "missing required fields: "+strings.Join(verr.Fields, ", "))
		return
	}
	e.reply(connID, protocol.CodeValidation, "invalid request")
}
