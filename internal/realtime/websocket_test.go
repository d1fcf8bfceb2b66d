package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, h *harness) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.gateway.Serve(r.Context(), ws, nil)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, event, data)))
}

// readUntil reads frames until one matches event and accept.
func readUntil(t *testing.T, conn *websocket.Conn, event string, accept func(Frame) bool) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)

		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Event == event && (accept == nil || accept(f)) {
			return f
		}
	}
}

func TestWebsocketReadReceiptScenario(t *testing.T) {
	h := newHarness(t, Options{})
	url := startServer(t, h)
	ctx := context.Background()

	conv, err := h.conversations.CreateConversation(ctx, []string{alice.Email, bob.Email})
	require.NoError(t, err)

	a := dial(t, url)
	send(t, a, EventLogin, LoginPayload{Email: alice.Email})
	readUntil(t, a, EventUserStatus, nil)

	send(t, a, EventJoinConversation, JoinPayload{ConversationID: conv.ID, Email: alice.Email})
	readUntil(t, a, EventMessagesRead, nil)

	send(t, a, EventSendMessage, SendMessagePayload{Email: alice.Email, ConversationID: conv.ID, Text: "hi"})
	live := readUntil(t, a, EventNewMessage, nil)
	assert.Equal(t, "hi", decodeData[messageViewFrame](t, live).Text)

	unread, err := h.messages.UnreadCount(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	b := dial(t, url)
	send(t, b, EventLogin, LoginPayload{Email: bob.Email})
	readUntil(t, a, EventUserStatus, func(f Frame) bool {
		return decodeData[UserStatusPayload](t, f).Email == bob.Email
	})

	send(t, b, EventJoinConversation, JoinPayload{ConversationID: conv.ID, Email: bob.Email})
	isBob := func(f Frame) bool { return decodeData[MessagesReadPayload](t, f).UserID == bob.ID }
	readUntil(t, b, EventMessagesRead, isBob)
	readUntil(t, a, EventMessagesRead, isBob)

	unread, err = h.messages.UnreadCount(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	require.NoError(t, b.Close())
	offline := readUntil(t, a, EventUserStatus, func(f Frame) bool {
		return decodeData[UserStatusPayload](t, f).Status == StatusOffline
	})
	assert.Equal(t, bob.Email, decodeData[UserStatusPayload](t, offline).Email)

	assert.Eventually(t, func() bool {
		return !h.gateway.Presence().IsOnline(bob.ID) && h.gateway.Rooms().Members(conv.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketCloseAllDisconnectsClients(t *testing.T) {
	h := newHarness(t, Options{})
	url := startServer(t, h)

	a := dial(t, url)
	send(t, a, EventLogin, LoginPayload{Email: alice.Email})
	readUntil(t, a, EventUserStatus, nil)

	h.gateway.CloseAll()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			break
		}
	}

	assert.Eventually(t, func() bool {
		return !h.gateway.Presence().IsOnline(alice.ID) && len(h.gateway.Presence().Attached()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// acceptRaw returns a client connection and the matching server-side socket,
// without running the gateway on it.
func acceptRaw(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	client := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	select {
	case ws := <-accepted:
		t.Cleanup(func() { _ = ws.Close() })
		return client, ws
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func TestConnectionSlowConsumerIsClosedWithoutBlockingRoom(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	conv, err := h.conversations.CreateConversation(ctx, []string{alice.Email, bob.Email})
	require.NoError(t, err)

	client, ws := acceptRaw(t)
	conn := NewConnection(ws, ConnectionConfig{SendBuffer: 1, WriteWait: 5 * time.Second, PingPeriod: time.Hour})
	var slow atomic.Int32
	conn.onSlowConsumer = func() { slow.Add(1) }
	conn.Start()
	t.Cleanup(func() { conn.Close(websocket.CloseNormalClosure, "") })

	other := newFakeHandle("other")
	rooms := h.gateway.Rooms()
	require.NoError(t, rooms.Join(ctx, conv.ID, conn, &alice))
	require.NoError(t, rooms.Join(ctx, conv.ID, other, &bob))
	before := len(other.events(EventNewMessage))

	// The client never reads, so the socket backs up and the queue overflows.
	payload := frame(t, EventNewMessage, map[string]string{"text": strings.Repeat("x", 64<<10)})
	broadcasts, overflowed := 0, false
	for broadcasts < 4096 && !overflowed {
		start := time.Now()
		delivered := rooms.Broadcast(conv.ID, payload)
		require.Less(t, time.Since(start), time.Second, "broadcast blocked on the slow member")
		broadcasts++
		overflowed = delivered == 1
	}
	require.True(t, overflowed, "send queue never overflowed")

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("slow connection was not closed")
	}
	assert.Equal(t, int32(1), slow.Load())
	assert.Len(t, other.events(EventNewMessage), before+broadcasts)
	assert.ErrorIs(t, conn.Send(payload), ErrConnectionClosed)

	assert.Equal(t, 1, rooms.Broadcast(conv.ID, payload), "the rest of the room keeps receiving")

	// Draining the client ends with the policy violation close frame.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err = client.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConnectionClosesWhenWritesFail(t *testing.T) {
	client, ws := acceptRaw(t)
	conn := NewConnection(ws, ConnectionConfig{SendBuffer: 4, WriteWait: time.Second, PingPeriod: time.Hour})
	conn.Start()
	t.Cleanup(func() { conn.Close(websocket.CloseNormalClosure, "") })

	require.NoError(t, client.UnderlyingConn().Close())

	payload := frame(t, EventNewMessage, map[string]string{"text": "hi"})
	assert.Eventually(t, func() bool {
		err := conn.Send(payload)
		return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSlowConsumer)
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection stayed open after its peer went away")
	}
}

// messageViewFrame is the subset of new_message fields the tests inspect.
type messageViewFrame struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}
