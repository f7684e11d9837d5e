package room

import (
	"context"

	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/protocol"
)

// HandleTyping relays a typing indicator to the other members of the room.
// Anonymous connections are dropped without a reply.
func (e *Engine) HandleTyping(ctx context.Context, connID string, msg protocol.TypingMsg) error {
	identity, ok := e.registry.Identity(connID)
	if !ok || identity.IsAnonymous() {
		l := logger.Ctx(ctx)
		l.Debug().Str(logger.FieldConnID, connID).Msg("typing from anonymous connection dropped")
		return nil
	}
	if err := protocol.Validate(protocol.TypeTyping, msg); err != nil {
		e.replyValidation(connID, err)
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   msg.RoomID,
		User:     protocol.TypingUser{UserID: identity.UserID, Role: identity.Role},
		IsTyping: msg.IsTyping,
	})
	if err != nil {
		return err
	}
	e.broadcast(msg.RoomID, connID, data)
	return nil
}
