package ws

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/auth"
)

var pongFrame = []byte(`{"type":"pong"}`)

func TestConnection_SendDoesNotBlockOnStalledPeer(t *testing.T) {
	is := require.New(t)
	srv, cli := net.Pipe()
	defer cli.Close()

	failed := make(chan error, 4)
	c := newConnection("stalled", srv, auth.Anonymous, "127.0.0.1", 2*time.Second, 2,
		func(c *Connection, err error) {
			failed <- err
			_ = c.Close()
		})
	defer c.Close()

	// Nothing reads cli, so the writer blocks on the first frame.
	start := time.Now()
	for i := 0; i < 10; i++ {
		_ = c.Send(pongFrame)
	}
	is.Less(time.Since(start), 500*time.Millisecond)

	select {
	case err := <-failed:
		is.ErrorIs(err, ErrSendQueueFull)
	case <-time.After(time.Second):
		t.Fatal("overflow was not reported")
	}
	is.Len(failed, 0, "failure callback must run once")
	is.ErrorIs(c.Send(pongFrame), ErrConnectionClosed)
}

func TestConnection_WriteErrorFailsConnection(t *testing.T) {
	is := require.New(t)
	srv, cli := net.Pipe()

	failed := make(chan error, 1)
	c := newConnection("gone", srv, auth.Anonymous, "127.0.0.1", time.Second, 4,
		func(_ *Connection, err error) { failed <- err })
	defer c.Close()

	cli.Close()
	is.NoError(c.Send(pongFrame))

	select {
	case err := <-failed:
		is.Error(err)
		is.NotErrorIs(err, ErrSendQueueFull)
	case <-time.After(2 * time.Second):
		t.Fatal("write error was not reported")
	}
}

func TestServer_RemovesConnectionThatCannotKeepUp(t *testing.T) {
	is := require.New(t)
	cfg := DefaultServerConfig()
	cfg.WriteTimeout = 2 * time.Second
	cfg.SendQueueSize = 2
	s := NewServer(cfg, nil, nil)

	var disconnected atomic.Int32
	s.SetOnDisconnect(func(*Connection) { disconnected.Add(1) })

	srv, cli := net.Pipe()
	defer cli.Close()
	c := s.newConn("slow", srv, auth.Anonymous, "127.0.0.1")
	s.conns.Add(c)

	start := time.Now()
	for i := 0; i < 10; i++ {
		_ = c.Send(pongFrame)
	}
	is.Less(time.Since(start), 500*time.Millisecond)

	is.Nil(s.conns.Get("slow"))
	is.EqualValues(1, disconnected.Load())
}
