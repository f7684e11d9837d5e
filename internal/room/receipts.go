package room

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// HandleReadMessage records the connection's user as a reader of the message
// and tells the other room members. Anonymous connections are dropped
// without a reply.
func (e *Engine) HandleReadMessage(ctx context.Context, connID string, msg protocol.ReadMessageMsg) error {
	l := logger.Ctx(ctx).With().Str(logger.FieldConnID, connID).Logger()

	identity, ok := e.registry.Identity(connID)
	if !ok || identity.IsAnonymous() {
		l.Debug().Msg("read receipt from anonymous connection dropped")
		return nil
	}
	if err := protocol.Validate(protocol.TypeReadMessage, msg); err != nil {
		e.replyValidation(connID, err)
		return err
	}

	start := time.Now()
	err := e.store.AddReader(ctx, msg.MessageID, identity.UserID)
	metrics.StoreLatency.WithLabelValues("add_reader").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, chat.ErrNotFound):
		e.reply(connID, protocol.CodeNotFound, "message not found")
		return err
	case err != nil:
		l.Error().Err(err).Str(logger.FieldMessageID, msg.MessageID).Msg("failed to record read receipt")
		e.reply(connID, protocol.CodeStoreUnavailable, "failed to mark message as read")
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID: msg.MessageID,
		RoomID:    msg.RoomID,
		UserID:    identity.UserID,
	})
	if err != nil {
		return err
	}
	e.broadcast(msg.RoomID, connID, data)
	return nil
}
