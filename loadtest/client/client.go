// Package client provides a reusable WebSocket load test client for the
// room chat server. It connects using gobwas/ws (the same library the
// server uses), records the session assigned in session_created, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeReadMessage = "read_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeReceiveMessage = "receive_message"
	TypeMessageRead    = "message_read"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
	RateLimited      int
}

// ReceivedMessage is the payload of a receive_message frame.
type ReceivedMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Client represents a single simulated user connection. Handlers run on the
// read loop goroutine and must not block for long.
type Client struct {
	conn      net.Conn
	reader    io.Reader
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Options configures a connection.
type Options struct {
	Token    string                             // optional bearer credential, sent as ?token=
	Handlers map[string]func(json.RawMessage) // registered before the read loop starts
}

// New dials the server and starts the read loop.
func New(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	if opts.Token != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	if br != nil {
		c.reader = br
	}
	for t, h := range opts.Handlers {
		c.handlers[t] = h
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// JoinRoom sends join_room.
func (c *Client) JoinRoom(roomID string) error {
	return c.Send(map[string]string{"type": TypeJoinRoom, "roomId": roomID})
}

// SendMessage sends send_message.
func (c *Client) SendMessage(roomID, sender, text string) error {
	return c.Send(map[string]string{
		"type":    TypeSendMessage,
		"roomId":  roomID,
		"sender":  sender,
		"message": text,
	})
}

// WaitForSession blocks until session_created has been received.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close is not an error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeSessionCreated:
			if c.sessionID == "" && envelope.SessionID != "" {
				c.sessionID = envelope.SessionID
				close(c.ready)
			}
		case TypeRateLimited:
			c.metrics.RateLimited++
		case TypeError:
			c.metrics.Errors++
		}
		c.mu.Unlock()

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// lockedWriter serializes control-frame replies written by the read loop
// with Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
