package room

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/auth"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/protocol"
)

func sendMsg(room, sender, body string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{Type: protocol.TypeSendMessage, RoomID: room, Sender: sender, Message: body}
}

func TestRegister_CredentialAsymmetry(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	id, err := h.engine.Register(newPeer("anon"), "")
	req.NoError(err)
	req.True(id.IsAnonymous())

	id, err = h.engine.Register(newPeer("known"), "tok-u1")
	req.NoError(err)
	req.Equal("u1", id.UserID)

	_, err = h.engine.Register(newPeer("forged"), "bogus")
	req.ErrorIs(err, auth.ErrAuthentication)
	_, ok := h.engine.Registry().Identity("forged")
	req.False(ok, "refused connection must not be registered")

	// Teardown after a refused registration is harmless.
	h.engine.Disconnect("forged")
	req.Equal(2, h.engine.Registry().Count())
}

func TestJoin_Validation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	c1 := h.connect(t, "c1", "")

	err := h.engine.Join(context.Background(), "c1", protocol.JoinRoomMsg{})
	var verr *protocol.ValidationError
	req.ErrorAs(err, &verr)
	req.Len(c1.eventsOfType(t, protocol.TypeError), 1)

	req.NoError(h.engine.Join(context.Background(), "c1", protocol.JoinRoomMsg{RoomID: "r1"}))
	req.Len(h.engine.Registry().MembersOf("r1"), 1)
}

func TestHandleSend_BroadcastsToRoomIncludingSender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	c1 := h.connect(t, "c1", "", "r1")
	c2 := h.connect(t, "c2", "", "r1")

	stored, err := h.engine.HandleSend(ctx, "c1", sendMsg("r1", "u1", "hi"))
	req.NoError(err)

	for _, p := range []*fakePeer{c1, c2} {
		got := p.eventsOfType(t, protocol.TypeReceiveMessage)
		req.Len(got, 1, p.id)
		req.Equal("hi", got[0]["message"])
		req.Equal("u1", got[0]["sender"])
		req.Equal(stored.ID, got[0]["id"])
		req.NotEmpty(got[0]["timestamp"])
	}

	history, err := h.engine.History(ctx, "r1")
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("hi", history[0].Body)
}

func TestHandleSend_RoomIsolation(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	c1 := h.connect(t, "c1", "", "r1")
	c3 := h.connect(t, "c3", "", "r2")
	both := h.connect(t, "both", "", "r2", "r1")

	_, err := h.engine.HandleSend(context.Background(), "c1", sendMsg("r1", "u1", "only r1"))
	req.NoError(err)

	req.Len(c1.eventsOfType(t, protocol.TypeReceiveMessage), 1)
	req.Empty(c3.events(t))
	req.Len(both.eventsOfType(t, protocol.TypeReceiveMessage), 1)
}

func TestHandleSend_SenderNotMemberIsNotEchoed(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	outsider := h.connect(t, "out", "")
	member := h.connect(t, "in", "", "r1")

	_, err := h.engine.HandleSend(context.Background(), "out", sendMsg("r1", "u1", "hello"))
	req.NoError(err)
	req.Empty(outsider.events(t))
	req.Len(member.eventsOfType(t, protocol.TypeReceiveMessage), 1)
}

func TestHandleSend_MissingFields(t *testing.T) {
	ctx := context.Background()
	cases := map[string]protocol.SendMessageMsg{
		"no message": {RoomID: "r1", Sender: "u1"},
		"no sender":  {RoomID: "r1", Message: "hi"},
		"no room":    {Sender: "u1", Message: "hi"},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			h := newHarness(t)
			c1 := h.connect(t, "c1", "", "r1")
			c2 := h.connect(t, "c2", "", "r1")

			_, err := h.engine.HandleSend(ctx, "c1", msg)
			var verr *protocol.ValidationError
			req.ErrorAs(err, &verr)

			errs := c1.eventsOfType(t, protocol.TypeError)
			req.Len(errs, 1)
			req.Equal(protocol.CodeValidation, errs[0]["code"])
			req.Empty(c1.eventsOfType(t, protocol.TypeReceiveMessage))
			req.Empty(c2.events(t))

			history, err := h.engine.History(ctx, "r1")
			req.NoError(err)
			req.Empty(history)
		})
	}
}

func TestHandleSend_InvalidBody(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	c1 := h.connect(t, "c1", "", "r1")

	_, err := h.engine.HandleSend(context.Background(), "c1", sendMsg("r1", "u1", "bad \xff"))
	req.Error(err)
	req.Len(c1.eventsOfType(t, protocol.TypeError), 1)
	req.Empty(c1.eventsOfType(t, protocol.TypeReceiveMessage))
}

func TestHandleSend_StoreFailure(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.store.failCreate = true
	c1 := h.connect(t, "c1", "", "r1")
	c2 := h.connect(t, "c2", "", "r1")

	_, err := h.engine.HandleSend(context.Background(), "c1", sendMsg("r1", "u1", "hi"))
	req.ErrorIs(err, chat.ErrStoreUnavailable)

	errs := c1.eventsOfType(t, protocol.TypeError)
	req.Len(errs, 1)
	req.Equal(protocol.CodeStoreUnavailable, errs[0]["code"])
	req.NotContains(errs[0]["message"], "10.0.0.7")
	req.Empty(c2.events(t))
}

func TestHandleSend_ExplicitTimestamp(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect(t, "c1", "", "r1")

	ts := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	msg := sendMsg("r1", "u1", "old")
	msg.Timestamp = &ts
	stored, err := h.engine.HandleSend(context.Background(), "c1", msg)
	req.NoError(err)
	req.True(stored.Timestamp.Equal(ts))
}

func TestHandleSend_PersistBeforeBroadcast(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// A peer that queries history the moment it receives the broadcast.
	var seen []chat.Message
	observer := &historyPeer{id: "obs", onSend: func() {
		msgs, err := h.engine.History(ctx, "r1")
		req.NoError(err)
		seen = msgs
	}}
	req.NoError(h.engine.Admit(observer, auth.Anonymous))
	req.NoError(h.engine.Registry().Join("obs", "r1"))

	stored, err := h.engine.HandleSend(ctx, "obs", sendMsg("r1", "u1", "hi"))
	req.NoError(err)
	req.Len(seen, 1)
	req.Equal(stored.ID, seen[0].ID)
}

type historyPeer struct {
	id     string
	onSend func()
}

func (p *historyPeer) ConnID() string { return p.id }
func (p *historyPeer) Send([]byte) error {
	p.onSend()
	return nil
}

func TestHandleSend_FailingPeerDoesNotStopFanout(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	broken := h.connect(t, "broken", "", "r1")
	broken.err = errors.New("write: broken pipe")
	ok := h.connect(t, "ok", "", "r1")

	_, err := h.engine.HandleSend(context.Background(), "ok", sendMsg("r1", "u1", "hi"))
	req.NoError(err)
	req.Len(ok.eventsOfType(t, protocol.TypeReceiveMessage), 1)
}

func TestHandleSend_SinksRunAfterPersist(t *testing.T) {
	req := require.New(t)
	store := chat.NewMemoryStore()
	var (
		got    []chat.Message
		origin string
	)
	engine := NewEngine(NewRegistry(), store, testUsers,
		WithSink(SinkFunc(func(ctx context.Context, connID string, msg chat.Message) error {
			got = append(got, msg)
			origin = connID
			return nil
		})),
		WithSink(SinkFunc(func(context.Context, string, chat.Message) error {
			return errors.New("nats: no servers available")
		})),
	)
	c1 := newPeer("c1")
	_, err := engine.Register(c1, "")
	req.NoError(err)
	req.NoError(engine.Registry().Join("c1", "r1"))

	stored, err := engine.HandleSend(context.Background(), "c1", sendMsg("r1", "u1", "hi"))
	req.NoError(err, "sink failure must not fail the send")
	req.Len(got, 1)
	req.Equal(stored.ID, got[0].ID)
	req.Equal("c1", origin)
	req.Empty(c1.eventsOfType(t, protocol.TypeError))
}

func TestHistory_OrderedAndEmpty(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t, "c1", "", "r1")

	empty, err := h.engine.History(ctx, "nothing")
	req.NoError(err)
	req.NotNil(empty)
	req.Empty(empty)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{5, 1, 3} {
		ts := base.Add(time.Duration(offset) * time.Minute)
		msg := sendMsg("r1", "u1", "m")
		msg.Timestamp = &ts
		_, err := h.engine.HandleSend(ctx, "c1", msg)
		req.NoError(err)
	}
	_, err = h.engine.HandleSend(ctx, "c1", sendMsg("r1", "u1", "now"))
	req.NoError(err)

	history, err := h.engine.History(ctx, "r1")
	req.NoError(err)
	req.Len(history, 4)
	for i := 1; i < len(history); i++ {
		req.False(history[i].Timestamp.Before(history[i-1].Timestamp))
	}
}

func TestHistory_StoreFailureIsDistinct(t *testing.T) {
	h := newHarness(t)
	h.store.failFind = true

	_, err := h.engine.History(context.Background(), "r1")
	require.ErrorIs(t, err, chat.ErrStoreUnavailable)
}

func TestDisconnect_StopsDelivery(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	c1 := h.connect(t, "c1", "", "r1")
	c2 := h.connect(t, "c2", "", "r1")

	h.engine.Disconnect("c2")
	_, err := h.engine.HandleSend(context.Background(), "c1", sendMsg("r1", "u1", "hi"))
	req.NoError(err)

	req.Len(c1.eventsOfType(t, protocol.TypeReceiveMessage), 1)
	req.Empty(c2.events(t))
}

func TestDisconnect_LogsRoomsLeft(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	e := NewEngine(NewRegistry(), chat.NewMemoryStore(), testUsers,
		WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))

	_, err := e.Register(newPeer("c1"), "")
	req.NoError(err)
	req.NoError(e.Registry().Join("c1", "r1"))
	req.NoError(e.Registry().Join("c1", "r2"))
	buf.Reset()

	e.Disconnect("c1")
	req.Contains(buf.String(), `"msg":"connection unregistered"`)
	req.Contains(buf.String(), `"r1"`)
	req.Contains(buf.String(), `"r2"`)
	req.Zero(e.Registry().RoomCount())

	// A second disconnect is a no-op and logs nothing.
	buf.Reset()
	e.Disconnect("c1")
	req.Empty(buf.String())
}
