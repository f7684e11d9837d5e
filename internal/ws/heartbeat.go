package ws

import (
	"context"
	"time"

	"github.com/whisper/roomchat/internal/logger"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and evicts those that have gone
// stale (no inbound frame within Interval + Timeout). Evicted connections go
// through Server.RemoveConnection, so room membership is released. It
// returns immediately; the goroutine exits when the server's done channel is
// closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections that have
// not had a successful read within Interval + Timeout are considered dead and
// are removed. All other connections receive a WebSocket-level ping frame
// (opcode 0x9) which the browser answers automatically with a pong. Sessions
// of connections active within the last interval get their TTL refreshed.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	store := server.SessionStore()

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.log.Info().
				Str(logger.FieldConnID, c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Info().Err(err).Str(logger.FieldConnID, c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		if store != nil && idle <= config.Interval {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := store.RefreshTTL(ctx, c.ID); err != nil {
				server.log.Debug().Err(err).Str(logger.FieldConnID, c.ID).Msg("session ttl refresh failed")
			}
			cancel()
		}
	}
}
