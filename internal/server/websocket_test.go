package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/model"
)

type wsFrame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

func dialWS(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, c *websocket.Conn, event string) wsFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	for {
		var f wsFrame
		require.NoError(t, c.ReadJSON(&f), "waiting for %q", event)
		if f.Event == event {
			return f
		}
	}
}

// sendAndSync writes one frame then waits for the pong to a trailing ping.
func sendAndSync(t *testing.T, c *websocket.Conn, event string, args ...any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"event": event, "args": args}))
	require.NoError(t, c.WriteJSON(map[string]any{"event": "ping"}))
	readEvent(t, c, "pong")
}

func TestWebSocketPingPong(t *testing.T) {
	s := newStack(t, false)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "ping"}))
	f := readEvent(t, conn, "pong")
	assert.Empty(t, f.Args)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s := newStack(t, false)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "garbage")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRequiresTokenWhenConfigured(t *testing.T) {
	s := newStack(t, true)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketCallFlow(t *testing.T) {
	s := newStack(t, true)
	alice := s.login(t, "alice", "+100")
	bob := s.login(t, "bob", "+200")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	a, _, err := dialWS(t, srv, alice.Token)
	require.NoError(t, err)
	b, _, err := dialWS(t, srv, bob.Token)
	require.NoError(t, err)

	sendAndSync(t, a, "register", alice.User.ID)
	sendAndSync(t, b, "register", bob.User.ID)

	sendAndSync(t, a, "callIncoming", map[string]any{
		"callerId":    alice.User.ID,
		"callerName":  "alice",
		"callerImage": "",
		"receiverId":  bob.User.ID,
	})
	ring := readEvent(t, b, "incomingCall")
	require.Len(t, ring.Args, 1)
	var offer model.CallOffer
	require.NoError(t, json.Unmarshal(ring.Args[0], &offer))
	assert.Equal(t, alice.User.ID, offer.CallerID)
	assert.Equal(t, "alice", offer.CallerName)

	sendAndSync(t, b, "callAccepted", alice.User.ID)
	accepted := readEvent(t, a, "callAccepted")
	assert.Empty(t, accepted.Args)

	sendAndSync(t, a, "CallEnded", alice.User.ID, bob.User.ID, 42)
	ended := readEvent(t, b, "CallEnded")
	require.Len(t, ended.Args, 1)
	assert.JSONEq(t, "42", string(ended.Args[0]))

	records, err := s.store.ListCalls(context.Background(), bob.User.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.CallEnded, records[0].Status)
	assert.Equal(t, int64(42), records[0].DurationSeconds)
}

func TestWebSocketCommunityBroadcast(t *testing.T) {
	s := newStack(t, false)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	a, _, err := dialWS(t, srv, "")
	require.NoError(t, err)
	b, _, err := dialWS(t, srv, "")
	require.NoError(t, err)
	c, _, err := dialWS(t, srv, "")
	require.NoError(t, err)

	sendAndSync(t, a, "register", "a")
	sendAndSync(t, b, "register", "b")
	sendAndSync(t, c, "register", "c")

	sendAndSync(t, a, "sendCommunityMessages", map[string]any{
		"sender_jid":    "a",
		"receiver_jids": []string{"b", "c", "offline"},
		"message":       "hello all",
	})

	for _, conn := range []*websocket.Conn{b, c} {
		f := readEvent(t, conn, "receiveMessage")
		require.Len(t, f.Args, 1)
		assert.Contains(t, string(f.Args[0]), "hello all")
	}

	msgs, err := s.store.ListConversation(context.Background(), "a", "offline", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
