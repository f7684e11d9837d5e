package ws

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.SendMessageMsg). The context
// carries a request-scoped logger.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger.L().With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	l := d.log.With().
		Str(logger.FieldConnID, conn.ID).
		Str(logger.FieldRequestID, uuid.NewString()).
		Logger()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			l.Debug().Str("type", msgType).Msg("unsupported message type")
			d.sendError(conn, protocol.CodeUnknownType, "unsupported message type")
			return
		}
		l.Debug().Err(err).Msg("dispatch parse error")
		d.sendError(conn, protocol.CodeInvalidMessage, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		l.Debug().Str("type", msgType).Msg("no handler registered")
		d.sendError(conn, protocol.CodeUnknownType, "unsupported message type")
		return
	}

	ctx := logger.WithLogger(context.Background(), l)
	handler(ctx, conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	if err := conn.Send(protocol.NewErrorMessage(code, message)); err != nil {
		d.log.Debug().Err(err).Str(logger.FieldConnID, conn.ID).Msg("failed to send error message")
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error().Err(err).Msg("failed to build pong message")
		return
	}

	if err := conn.Send(data); err != nil {
		d.log.Debug().Err(err).Str(logger.FieldConnID, conn.ID).Msg("failed to send pong message")
	}
}
