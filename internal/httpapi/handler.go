// Package httpapi exposes the chat server's HTTP surface: message history,
// health, metrics and the WebSocket upgrade route.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/metrics"
)

// HistoryReader returns a room's messages in ascending timestamp order.
type HistoryReader interface {
	History(ctx context.Context, roomID string) ([]chat.Message, error)
}

// APIResponse is the envelope for every JSON API response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type HTTPHandler struct {
	history   HistoryReader
	health    func() interface{}
	websocket http.HandlerFunc
}

// NewHTTPHandler wires the routes. health and websocket may be nil, in
// which case /health reports a bare status and /ws is not registered.
func NewHTTPHandler(history HistoryReader, health func() interface{}, websocket http.HandlerFunc) *HTTPHandler {
	return &HTTPHandler{
		history:   history,
		health:    health,
		websocket: websocket,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/rooms/:roomId/messages", h.GetMessages)
	}

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if h.websocket != nil {
		r.GET("/ws", gin.WrapF(h.websocket))
	}
}

func (h *HTTPHandler) GetMessages(c *gin.Context) {
	roomID := c.Param("roomId")

	messages, err := h.history.History(c.Request.Context(), roomID)
	if err != nil {
		logger.Ctx(c.Request.Context()).Error().
			Err(err).
			Str(logger.FieldRoomID, roomID).
			Msg("history query failed")
		metrics.HistoryRequestsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, APIResponse{
			Success: false,
			Error:   "failed to get chat history",
		})
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	metrics.HistoryRequestsTotal.WithLabelValues("ok").Inc()

	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    messages,
	})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusOK, h.health())
}

// NewRouter returns a gin engine with recovery, request logging and the
// handler's routes.
func NewRouter(h *HTTPHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(*logger.L()))
	h.RegisterRoutes(r)
	return r
}
