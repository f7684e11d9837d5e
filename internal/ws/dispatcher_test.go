package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/protocol"
)

// pipeConn returns a server-side Connection backed by net.Pipe and the
// client end of the pipe.
func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	srv, cli := net.Pipe()
	c := newConnection(id, srv, auth.Anonymous, "127.0.0.1", time.Second, 0, nil)
	t.Cleanup(func() {
		c.Close()
		cli.Close()
	})
	return c, cli
}

func readFrame(t *testing.T, cli net.Conn) map[string]any {
	t.Helper()
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(cli)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestDispatch_Ping(t *testing.T) {
	is := require.New(t)
	d := NewMessageDispatcher()
	c, cli := pipeConn(t, "c1")
	before := c.LastActive()
	time.Sleep(2 * time.Millisecond)

	go d.Dispatch(c, []byte(`{"type":"ping"}`))

	frame := readFrame(t, cli)
	is.Equal(protocol.TypePong, frame["type"])
	is.True(c.LastActive().After(before))
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"malformed json", `{not json`, protocol.CodeInvalidMessage},
		{"missing type", `{"roomId":"r1"}`, protocol.CodeInvalidMessage},
		{"wrong field type", `{"type":"typing","roomId":"r1","isTyping":"yes"}`, protocol.CodeInvalidMessage},
		{"unknown type", `{"type":"teleport"}`, protocol.CodeUnknownType},
		{"known but unregistered", `{"type":"join_room","roomId":"r1"}`, protocol.CodeUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := require.New(t)
			d := NewMessageDispatcher()
			c, cli := pipeConn(t, "c1")

			go d.Dispatch(c, []byte(tt.raw))

			frame := readFrame(t, cli)
			is.Equal(protocol.TypeError, frame["type"])
			is.Equal(tt.code, frame["code"])
		})
	}
}

func TestDispatch_RoutesTypedMessage(t *testing.T) {
	is := require.New(t)
	d := NewMessageDispatcher()
	c, _ := pipeConn(t, "c1")

	got := make(chan protocol.SendMessageMsg, 1)
	d.Register(protocol.TypeSendMessage, func(ctx context.Context, conn *Connection, msg interface{}) {
		is.Same(c, conn)
		got <- msg.(protocol.SendMessageMsg)
	})

	d.Dispatch(c, []byte(`{"type":"send_message","roomId":"r1","sender":"alice","message":"hi"}`))

	select {
	case m := <-got:
		is.Equal("r1", m.RoomID)
		is.Equal("alice", m.Sender)
		is.Equal("hi", m.Message)
	default:
		t.Fatal("handler was not called")
	}
}

func TestCheckConnections_EvictsStale(t *testing.T) {
	is := require.New(t)
	s := NewServer(DefaultServerConfig(), nil, nil)

	var disconnected atomic.Int32
	s.SetOnDisconnect(func(*Connection) { disconnected.Add(1) })

	stale, _ := pipeConn(t, "stale")
	stale.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())
	live, cli := pipeConn(t, "live")
	go func() { _, _ = io.Copy(io.Discard, cli) }()

	s.conns.Add(stale)
	s.conns.Add(live)

	checkConnections(s, HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}, time.Now())

	is.Nil(s.conns.Get("stale"))
	is.NotNil(s.conns.Get("live"))
	is.EqualValues(1, disconnected.Load())

	// A second eviction of the same connection must not run the callback again.
	s.RemoveConnection(stale)
	is.EqualValues(1, disconnected.Load())
}
