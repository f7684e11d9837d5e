package ws

import (
	"context"
	"time"

	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/room"
)

// RoomHandlers binds client events to the room engine.
type RoomHandlers struct {
	engine   *room.Engine
	server   *Server
	limiter  *ratelimit.Limiter // nil disables send limiting
	sendRule ratelimit.Rule
}

// NewRoomHandlers creates handlers for the given engine. The limiter may be
// nil.
func NewRoomHandlers(server *Server, engine *room.Engine, limiter *ratelimit.Limiter, sendRule ratelimit.Rule) *RoomHandlers {
	return &RoomHandlers{
		engine:   engine,
		server:   server,
		limiter:  limiter,
		sendRule: sendRule,
	}
}

// Bind registers the room event handlers on the dispatcher and hooks the
// server's connect and disconnect callbacks to registry membership.
func (h *RoomHandlers) Bind(d *MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, h.joinRoom)
	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeTyping, h.typing)
	d.Register(protocol.TypeReadMessage, h.readMessage)

	h.server.SetOnConnect(func(c *Connection) error {
		return h.engine.Admit(c, c.Identity)
	})
	h.server.SetOnDisconnect(func(c *Connection) {
		h.engine.Disconnect(c.ID)
	})
}

func (h *RoomHandlers) joinRoom(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	if err := h.engine.Join(ctx, conn.ID, m); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("join_room rejected")
		return
	}

	if store := h.server.SessionStore(); store != nil {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := store.AddRoom(sctx, conn.ID, m.RoomID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldRoomID, m.RoomID).Msg("failed to mirror room membership")
		}
	}
}

func (h *RoomHandlers) sendMessage(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, conn.ID, h.sendRule)
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(h.sendRule.Name).Inc()
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			retry := h.limiter.RetryAfter(ctx, conn.ID, h.sendRule)
			resp, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(retry.Seconds() + 0.5),
			})
			if err == nil {
				_ = conn.Send(resp)
			}
			return
		}
	}

	if _, err := h.engine.HandleSend(ctx, conn.ID, m); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str(logger.FieldRoomID, m.RoomID).Msg("send_message failed")
	}
}

func (h *RoomHandlers) typing(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	if err := h.engine.HandleTyping(ctx, conn.ID, m); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("typing rejected")
	}
}

func (h *RoomHandlers) readMessage(ctx context.Context, conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.ReadMessageMsg)
	if !ok {
		return
	}
	if err := h.engine.HandleReadMessage(ctx, conn.ID, m); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str(logger.FieldMessageID, m.MessageID).Msg("read_message failed")
	}
}
