package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/roomchat/internal/auth"
)

var (
	// ErrSendQueueFull is returned by Send when the peer is not draining its
	// outbound queue. The connection is dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")
	// ErrConnectionClosed is returned by Send after the connection closed.
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// DefaultSendQueueSize is the outbound queue length used when none is
// configured.
const DefaultSendQueueSize = 256

// Connection represents a single WebSocket client connection with its
// associated metadata. Outbound text frames go through a bounded queue
// drained by a per-connection writer goroutine, so a slow peer never blocks
// the caller. It satisfies room.Peer.
type Connection struct {
	ID        string        // connection ID (UUID)
	Conn      net.Conn      // underlying TCP connection
	Fd        int           // file descriptor, -1 when unavailable
	RemoteIP  string        // client address at handshake
	Identity  auth.Identity // resolved at handshake, anonymous if no credential
	CreatedAt time.Time     // when the connection was established

	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last inbound frame
	writeMu      sync.Mutex   // serializes frames on the wire
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
	onFailure func(c *Connection, err error)
}

// newConnection wraps conn and starts its writer. onFailure runs once, on
// the first write error or queue overflow; nil closes the connection.
func newConnection(id string, conn net.Conn, identity auth.Identity, remoteIP string, writeTimeout time.Duration, queueSize int, onFailure func(c *Connection, err error)) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteIP:     remoteIP,
		Identity:     identity,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		onFailure:    onFailure,
	}
	c.lastActive.Store(now.UnixNano())
	go c.writeLoop()
	return c
}

// ConnID returns the connection ID.
func (c *Connection) ConnID() string { return c.ID }

// Send queues a text frame without blocking. A full queue fails the
// connection and returns ErrSendQueueFull. It is safe for concurrent use.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.fail(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.writeFrame(ws.OpText, data); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeFrame(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear so the deadline doesn't affect future writes (e.g. heartbeat pings).
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		if c.onFailure != nil {
			c.onFailure(c, err)
			return
		}
		_ = c.Close()
	})
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.OpPing, nil)
}

// controlWriter writes control frame replies (pong, close) produced while
// reading, serialized with queued frames.
type controlWriter struct{ c *Connection }

func (w controlWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()

	if w.c.writeTimeout > 0 {
		_ = w.c.Conn.SetWriteDeadline(time.Now().Add(w.c.writeTimeout))
		defer func() { _ = w.c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return w.c.Conn.Write(p)
}

// Touch records inbound activity.
func (c *Connection) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns the time of the last inbound frame.
func (c *Connection) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Close stops the writer and closes the underlying network connection.
// Frames still queued are dropped.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe index of live connections by ID and by
// the net.Conn the poller reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection ID -> Connection
	byConn map[net.Conn]*Connection // poller handle -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
