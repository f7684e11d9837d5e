// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/logger"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize  int             // max concurrent read-worker goroutines
	MaxConnections  int             // hard cap on total connections
	ReadTimeout     time.Duration   // timeout for WebSocket read operations
	WriteTimeout    time.Duration   // timeout for WebSocket write operations
	MaxMessageBytes int64           // messages larger than this close the connection
	SendQueueSize   int             // outbound frames buffered per connection
	Heartbeat       HeartbeatConfig // ping interval and eviction timeout
	ConnectRule     ratelimit.Rule  // per-IP handshake limit
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 * 1024,
		SendQueueSize:   DefaultSendQueueSize,
		Heartbeat:       DefaultHeartbeatConfig(),
		ConnectRule:     ratelimit.RuleConnect,
	}
}

// Authenticator resolves the handshake credential into an identity.
type Authenticator interface {
	Authenticate(credential string) (auth.Identity, error)
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	authn        Authenticator
	epoll        *Epoll
	conns        *ConnectionManager
	sessionStore *session.Store     // optional Redis mirror
	limiter      *ratelimit.Limiter // optional handshake limiter
	workerPool   chan struct{}      // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection) error
	onDisconnect func(conn *Connection)
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
	log          zerolog.Logger
}

// NewServer creates a Server with the given configuration, authenticator and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, authn Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		authn:      authn,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		log:        logger.L().With().Str("component", "ws").Logger(),
	}
}

// SetSessionStore enables the Redis session mirror.
func (s *Server) SetSessionStore(store *session.Store) { s.sessionStore = store }

// SetLimiter enables per-IP handshake rate limiting.
func (s *Server) SetLimiter(l *ratelimit.Limiter) { s.limiter = l }

// SetOnConnect registers a callback invoked after upgrade and before the
// connection is polled for reads. An error refuses the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed (read error, heartbeat timeout, close frame or
// shutdown). It runs before the Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Start initializes the epoll instance and starts the event loop and the
// heartbeat monitor in the background. HTTP serving is left to the caller,
// which routes upgrade requests to HandleUpgrade.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("websocket server started")
	return nil
}

// HandleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. A missing credential yields an anonymous connection; an
// invalid one is refused with 401 before the upgrade.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), ip, s.config.ConnectRule)
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(s.config.ConnectRule.Name).Inc()
			retry := s.limiter.RetryAfter(r.Context(), ip, s.config.ConnectRule)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	identity, err := s.authn.Authenticate(auth.CredentialFromRequest(r))
	if err != nil {
		s.log.Info().Err(err).Str(logger.FieldClientIP, ip).Msg("handshake refused")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str(logger.FieldClientIP, ip).Msg("upgrade failed")
		return
	}

	c := s.newConn(uuid.NewString(), wrapConn(raw), identity, ip)
	log := s.log.With().Str(logger.FieldConnID, c.ID).Logger()

	s.conns.Add(c)
	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Error().Err(err).Msg("connect callback failed")
			s.conns.Remove(c.ID)
			return
		}
	}
	if err := s.epoll.Add(c.Conn); err != nil {
		log.Error().Err(err).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := s.sessionStore.Create(ctx, session.Session{
			ID:       c.ID,
			UserID:   identity.UserID,
			Role:     identity.Role,
			RemoteIP: ip,
		})
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("failed to create redis session")
		}
	}

	created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    identity.UserID,
		Role:      identity.Role,
	})
	if err == nil {
		err = c.Send(created)
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to send session_created")
	}

	log.Info().
		Str(logger.FieldUserID, identity.UserID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// Health is the body served by the health endpoint.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Uptime      string `json:"uptime"`
}

// Health reports the server's current status. Rooms is left for the caller
// that owns the room registry.
func (s *Server) Health() Health {
	return Health{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// newConn builds a Connection whose write failures remove it from the
// server.
func (s *Server) newConn(id string, conn net.Conn, identity auth.Identity, ip string) *Connection {
	return newConnection(id, conn, identity, ip, s.config.WriteTimeout, s.config.SendQueueSize, s.dropConn)
}

// dropConn is called by a connection's writer when the peer cannot keep up
// or the socket fails.
func (s *Server) dropConn(c *Connection, err error) {
	s.log.Info().Err(err).Str(logger.FieldConnID, c.ID).Msg("dropping connection after write failure")
	s.RemoveConnection(c)
}

// handleConn reads the next frame from a ready connection. A control frame
// is answered and the worker returns; a data frame is read to the end of its
// message, following continuation frames and answering interleaved control
// frames. If the read fails (connection closed, protocol error, etc.) the
// connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	defer func() { _ = netConn.SetReadDeadline(time.Time{}) }()

	control := wsutil.ControlFrameHandler(controlWriter{c}, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         netConn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   s.config.MaxMessageBytes,
		OnIntermediate: control,
	}

	header, err := rd.NextFrame()
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.removeAfterReadError(c, err)
		return
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		// Close frames are answered and reported as wsutil.ClosedError.
		if err := control(header, &rd); err != nil {
			s.removeAfterReadError(c, err)
		}
		return
	}

	if header.OpCode != ws.OpText {
		if err := rd.Discard(); err != nil {
			s.removeAfterReadError(c, err)
		}
		return
	}

	var src io.Reader = &rd
	if s.config.MaxMessageBytes > 0 {
		src = io.LimitReader(&rd, s.config.MaxMessageBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		s.removeAfterReadError(c, err)
		return
	}
	if s.config.MaxMessageBytes > 0 && int64(len(data)) > s.config.MaxMessageBytes {
		s.log.Warn().Str(logger.FieldConnID, c.ID).Int("length", len(data)).Msg("message too large")
		s.RemoveConnection(c)
		return
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) removeAfterReadError(c *Connection, err error) {
	var closed wsutil.ClosedError
	if !errors.As(err, &closed) && !errors.Is(err, io.EOF) {
		s.log.Debug().Err(err).Str(logger.FieldConnID, c.ID).Msg("read failed")
	}
	s.RemoveConnection(c)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes it, and runs the disconnect callback exactly once. It is
// exported so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only the caller that actually removed the connection continues, so a
	// read error racing a heartbeat timeout cleans up once.
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Str(logger.FieldConnID, c.ID).Msg("failed to delete redis session")
		}
	}

	s.log.Info().
		Str(logger.FieldConnID, c.ID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis session store, or nil when disabled.
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown stops the event loop and heartbeat, then removes every remaining
// connection through RemoveConnection so disconnect callbacks run for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down websocket server")

	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info().Msg("websocket server stopped, all connections closed")
	return nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
