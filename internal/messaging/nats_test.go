package messaging

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "roomchat-test"
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNATSClient_RoomEvents(t *testing.T) {
	is := require.New(t)
	c := newTestClient(t)

	type event struct {
		room string
		data string
	}
	got := make(chan event, 1)
	is.NoError(c.subscribeRoomEvents(func(roomID string, data []byte) {
		got <- event{roomID, string(data)}
	}))
	is.NoError(c.Flush())

	for _, room := range []string{"lobby", "design review", "x.*", ">"} {
		is.NoError(c.PublishRoomEvent(room, []byte(`{"type":"message"}`)))

		select {
		case ev := <-got:
			is.Equal(room, ev.room)
			is.Equal(`{"type":"message"}`, ev.data)
		case <-time.After(2 * time.Second):
			t.Fatalf("room event for %q not delivered", room)
		}
	}
}

func TestNATSClient_ModerationRoundTrip(t *testing.T) {
	is := require.New(t)
	c := newTestClient(t)

	checks := make(chan string, 1)
	results := make(chan string, 1)
	is.NoError(c.SubscribeModerationCheck(func(data []byte) { checks <- string(data) }))
	is.NoError(c.SubscribeModerationResults(func(connID string, _ []byte) { results <- connID }))
	is.NoError(c.Flush())

	is.NoError(c.PublishModerationRequest([]byte(`{}`)))
	is.NoError(c.PublishModerationResult("conn-7", []byte(`{}`)))

	select {
	case <-checks:
	case <-time.After(2 * time.Second):
		t.Fatal("moderation check not delivered")
	}
	select {
	case id := <-results:
		is.Equal("conn-7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("moderation result not delivered")
	}
}

func TestRoomSubject(t *testing.T) {
	tests := []struct {
		room    string
		subject string
	}{
		{"r-42", "chat.room.r-42"},
		{"Team_Room", "chat.room.Team_Room"},
		{"a b", "chat.room.~YSBi"},
		{"x.*", "chat.room.~eC4q"},
		{">", "chat.room.~Pg"},
		{"a.b", "chat.room.~YS5i"},
		{"~YSBi", "chat.room.~fllTQmk"},
		{"café", "chat.room.~Y2Fmw6k"},
	}
	for _, tt := range tests {
		t.Run(tt.room, func(t *testing.T) {
			is := require.New(t)
			subject := RoomSubject(tt.room)
			is.Equal(tt.subject, subject)

			token := strings.TrimPrefix(subject, SubjectRoom+".")
			is.NotContains(token, ".")
			is.NotContains(token, "*")
			is.NotContains(token, ">")
			is.NotContains(token, " ")

			room, err := roomFromToken(token)
			is.NoError(err)
			is.Equal(tt.room, room)
		})
	}
}

func TestRoomFromToken_Malformed(t *testing.T) {
	_, err := roomFromToken("~!!")
	require.Error(t, err)
}
