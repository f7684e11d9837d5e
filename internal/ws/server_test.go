package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/room"
)

const testSecret = "test-secret"

type testEnv struct {
	server *Server
	engine *room.Engine
	http   *httptest.Server
	jwt    *auth.JWTResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	resolver := auth.NewJWTResolver(testSecret, "roomchat")
	engine := room.NewEngine(room.NewRegistry(), chat.NewMemoryStore(), resolver)

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat.Interval = 0

	dispatcher := NewMessageDispatcher()
	server := NewServer(cfg, engine, dispatcher.Dispatch)
	NewRoomHandlers(server, engine, nil, ratelimit.RuleSend).Bind(dispatcher)
	require.NoError(t, server.Start())

	hs := httptest.NewServer(http.HandlerFunc(server.HandleUpgrade))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		hs.Close()
	})

	return &testEnv{server: server, engine: engine, http: hs, jwt: resolver}
}

// wsClient reads through the bufio.Reader returned by the dial, which may
// already hold the first server frame.
type wsClient struct {
	net.Conn
	r io.Reader
}

func (c *wsClient) Read(p []byte) (int, error) { return c.r.Read(p) }

func (env *testEnv) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http")
	if token != "" {
		url += "?token=" + token
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{Conn: conn, r: r}
}

func (c *wsClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(c, data))
}

// next returns the next frame of the given type, skipping others.
func (c *wsClient) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, c.SetReadDeadline(deadline))
		data, err := wsutil.ReadServerText(c)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func TestServer_AnonymousHandshake(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	c := env.dial(t, "")
	created := c.next(t, protocol.TypeSessionCreated)
	is.NotEmpty(created["sessionId"])
	is.Nil(created["userId"])

	is.Eventually(func() bool { return env.engine.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	id, ok := env.engine.Registry().Identity(created["sessionId"].(string))
	is.True(ok)
	is.True(id.IsAnonymous())
}

func TestServer_InvalidTokenRefused(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "?token=not-a-jwt")
	is.NoError(err)
	resp.Body.Close()

	is.Equal(http.StatusUnauthorized, resp.StatusCode)
	is.Zero(env.engine.Registry().Count())
}

func TestServer_SendRoundTrip(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	tokA, err := env.jwt.Issue("alice", "member", time.Minute)
	is.NoError(err)
	tokB, err := env.jwt.Issue("bob", "member", time.Minute)
	is.NoError(err)

	a := env.dial(t, tokA)
	b := env.dial(t, tokB)
	a.next(t, protocol.TypeSessionCreated)
	b.next(t, protocol.TypeSessionCreated)

	a.send(t, map[string]any{"type": "join_room", "roomId": "lobby"})
	b.send(t, map[string]any{"type": "join_room", "roomId": "lobby"})
	is.Eventually(func() bool {
		return len(env.engine.Registry().MembersOf("lobby")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	a.send(t, map[string]any{"type": "send_message", "roomId": "lobby", "sender": "alice", "message": "hello"})

	for _, c := range []*wsClient{a, b} {
		got := c.next(t, protocol.TypeReceiveMessage)
		is.Equal("lobby", got["roomId"])
		is.Equal("alice", got["sender"])
		is.Equal("hello", got["message"])
		is.NotEmpty(got["id"])
	}

	history, err := env.engine.History(context.Background(), "lobby")
	is.NoError(err)
	is.Len(history, 1)
}

func TestServer_ValidationErrorGoesToSenderOnly(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	a := env.dial(t, "")
	a.next(t, protocol.TypeSessionCreated)

	a.send(t, map[string]any{"type": "send_message", "roomId": "lobby"})
	got := a.next(t, protocol.TypeError)
	is.Equal(protocol.CodeValidation, got["code"])
}

func TestServer_ShutdownUnregisters(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	c := env.dial(t, "")
	c.next(t, protocol.TypeSessionCreated)
	c.send(t, map[string]any{"type": "join_room", "roomId": "lobby"})
	is.Eventually(func() bool {
		return len(env.engine.Registry().MembersOf("lobby")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	is.NoError(env.server.Shutdown(ctx))

	is.Zero(env.engine.Registry().Count())
	is.Empty(env.engine.Registry().MembersOf("lobby"))
	is.Zero(env.server.Connections().Count())
}

func (c *wsClient) writeFrame(t *testing.T, f ws.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteFrame(c, ws.MaskFrameInPlace(f)))
}

func TestServer_PingWithPayloadKeepsConnection(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	c := env.dial(t, "")
	c.next(t, protocol.TypeSessionCreated)

	c.writeFrame(t, ws.NewPingFrame([]byte("keepalive")))
	c.writeFrame(t, ws.NewFrame(ws.OpPong, true, []byte("unsolicited")))

	// The pong reply carries the ping payload.
	is.NoError(c.SetReadDeadline(time.Now().Add(3 * time.Second)))
	h, err := ws.ReadHeader(c)
	is.NoError(err)
	is.Equal(ws.OpPong, h.OpCode)
	payload := make([]byte, h.Length)
	_, err = io.ReadFull(c, payload)
	is.NoError(err)
	is.Equal("keepalive", string(payload))

	c.send(t, map[string]any{"type": "join_room", "roomId": "lobby"})
	c.send(t, map[string]any{"type": "send_message", "roomId": "lobby", "sender": "anon", "message": "still here"})
	got := c.next(t, protocol.TypeReceiveMessage)
	is.Equal("still here", got["message"])
	is.Equal(1, env.server.Connections().Count())
}

func TestServer_ReassemblesFragmentedText(t *testing.T) {
	is := require.New(t)
	env := newTestEnv(t)

	c := env.dial(t, "")
	c.next(t, protocol.TypeSessionCreated)
	c.send(t, map[string]any{"type": "join_room", "roomId": "lobby"})

	data, err := json.Marshal(map[string]any{
		"type": "send_message", "roomId": "lobby", "sender": "anon", "message": "in pieces",
	})
	is.NoError(err)
	cut := len(data) / 2

	c.writeFrame(t, ws.NewFrame(ws.OpText, false, data[:cut]))
	c.writeFrame(t, ws.NewPingFrame(nil))
	c.writeFrame(t, ws.NewFrame(ws.OpContinuation, true, data[cut:]))

	got := c.next(t, protocol.TypeReceiveMessage)
	is.Equal("in pieces", got["message"])
	is.Equal(1, env.server.Connections().Count())
}
