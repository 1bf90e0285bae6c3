package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSession wires a session against an httptest history server and an
// in-memory transport. The local user is id 1, the peer id 2.
func newTestSession(t *testing.T, history []map[string]any, opts *SessionOptions) (*Session, *ChatSocket, *fakeDialer, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": history,
			"has_more": false,
		})
	}))

	api := NewClient(server.URL, WithToken("tok"))
	dialer := newFakeDialer()
	sock := NewChatSocket(api.WSUrl(), &SocketOptions{Dial: dialer.dial})

	sess := NewSession(1, api, sock, opts)
	sess.Start()
	sock.Enable()

	cleanup := func() {
		sess.Close()
		sock.Disable()
		server.Close()
	}
	return sess, sock, dialer, cleanup
}

func waitReady(t *testing.T, sock *ChatSocket) {
	t.Helper()
	require.Eventually(t, func() bool { return sock.IsReady() }, 2*time.Second, 5*time.Millisecond)
}

func decodedWrites(conn *fakeConn) []map[string]any {
	var out []map[string]any
	for _, raw := range conn.written() {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func writesOfType(conn *fakeConn, frameType string) []map[string]any {
	var out []map[string]any
	for _, m := range decodedWrites(conn) {
		if m["type"] == frameType {
			out = append(out, m)
		}
	}
	return out
}

// ============================================================================
// Optimistic send and echo reconciliation
// ============================================================================

func TestSessionOptimisticSendReconciles(t *testing.T) {
	sess, sock, dialer, cleanup := newTestSession(t, nil, nil)
	defer cleanup()
	conn := dialer.waitDial(t)
	waitReady(t, sock)

	require.NoError(t, sess.OpenConversation(context.Background(), 2))
	require.True(t, sess.SendText("hello"))

	// The message is visible immediately, pending.
	msgs := sess.Store().Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Confirmed())
	assert.Equal(t, "hello", msgs[0].Content)
	corr := msgs[0].CorrelationID
	require.NotEmpty(t, corr)

	// The outbound frame carries the correlation token.
	require.Eventually(t, func() bool {
		return len(writesOfType(conn, "message")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	sent := writesOfType(conn, "message")[0]
	assert.Equal(t, corr, sent["temp_id"])
	assert.Equal(t, "hello", sent["text"])

	// The server echo confirms the same entry instead of adding one.
	echo, _ := json.Marshal(map[string]any{
		"type": "message", "id": 42, "from_user_id": 1, "to_user_id": 2,
		"content": "hello", "temp_id": corr, "sent_at": "2026-02-01T12:00:01Z",
	})
	conn.inbound <- echo

	require.Eventually(t, func() bool {
		m, ok := sess.Store().Get(42)
		return ok && m.CorrelationID == corr
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sess.Store().Len())
}

// ============================================================================
// Inbound messages
// ============================================================================

func TestSessionInboundMessageAcksAndReads(t *testing.T) {
	sess, sock, dialer, cleanup := newTestSession(t, nil, nil)
	defer cleanup()
	conn := dialer.waitDial(t)
	waitReady(t, sock)

	require.NoError(t, sess.OpenConversation(context.Background(), 2))

	frame, _ := json.Marshal(map[string]any{
		"type": "message", "id": 7, "from_user_id": 2, "to_user_id": 1,
		"content": "hey", "sent_at": "2026-02-01T12:00:00Z",
	})
	conn.inbound <- frame

	require.Eventually(t, func() bool {
		_, ok := sess.Store().Get(7)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// Delivery is acknowledged right away.
	require.Eventually(t, func() bool {
		acks := writesOfType(conn, "delivered")
		return len(acks) == 1 && acks[0]["message_id"] == float64(7)
	}, 2*time.Second, 5*time.Millisecond)

	// At the bottom of an open conversation the read receipt follows.
	assert.NotEmpty(t, writesOfType(conn, "seen"))
}

func TestSessionBackgroundMessageStaysOut(t *testing.T) {
	var mu sync.Mutex
	var background []Message

	sess, sock, dialer, cleanup := newTestSession(t, nil, &SessionOptions{
		OnBackgroundMessage: func(m Message) {
			mu.Lock()
			background = append(background, m)
			mu.Unlock()
		},
	})
	defer cleanup()
	conn := dialer.waitDial(t)
	waitReady(t, sock)

	require.NoError(t, sess.OpenConversation(context.Background(), 2))

	// A message from user 5 does not belong to the open conversation.
	frame, _ := json.Marshal(map[string]any{
		"type": "message", "id": 8, "from_user_id": 5, "to_user_id": 1,
		"content": "psst", "sent_at": "2026-02-01T12:00:00Z",
	})
	conn.inbound <- frame

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(background) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, sess.Store().Len())
	// It is still acknowledged as delivered.
	assert.NotEmpty(t, writesOfType(conn, "delivered"))
}

// ============================================================================
// Receipts and presence routing
// ============================================================================

func TestSessionRoutesReceiptFrames(t *testing.T) {
	history := []map[string]any{
		{"id": 10, "from_user_id": 1, "to_user_id": 2, "content": "a", "sent_at": "2026-02-01T11:00:00Z"},
		{"id": 11, "from_user_id": 1, "to_user_id": 2, "content": "b", "sent_at": "2026-02-01T11:01:00Z"},
	}
	sess, sock, dialer, cleanup := newTestSession(t, history, nil)
	defer cleanup()
	conn := dialer.waitDial(t)
	waitReady(t, sock)

	require.NoError(t, sess.OpenConversation(context.Background(), 2))
	require.Equal(t, 2, sess.Store().Len())

	delivered, _ := json.Marshal(map[string]any{"type": "delivered", "message_id": 10})
	conn.inbound <- delivered
	require.Eventually(t, func() bool {
		m, _ := sess.Store().Get(10)
		return m.Delivered
	}, 2*time.Second, 5*time.Millisecond)

	seen, _ := json.Marshal(map[string]any{"type": "seen", "from_user_id": 2, "seen_up_to_id": 11})
	conn.inbound <- seen
	require.Eventually(t, func() bool {
		a, _ := sess.Store().Get(10)
		b, _ := sess.Store().Get(11)
		return a.Seen && b.Seen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionRoutesPresenceFrames(t *testing.T) {
	sess, sock, dialer, cleanup := newTestSession(t, nil, nil)
	defer cleanup()
	conn := dialer.waitDial(t)
	waitReady(t, sock)

	snapshot, _ := json.Marshal(map[string]any{"type": "presence_snapshot", "online": []int64{2, 3}})
	conn.inbound <- snapshot
	require.Eventually(t, func() bool {
		return sess.Presence().Get(2).Online && sess.Presence().Get(3).Online
	}, 2*time.Second, 5*time.Millisecond)

	update, _ := json.Marshal(map[string]any{
		"type": "presence", "user_id": 2, "online": false,
		"last_seen_at": "2026-02-01T12:30:00Z",
	})
	conn.inbound <- update
	require.Eventually(t, func() bool {
		p := sess.Presence().Get(2)
		return !p.Online && !p.LastSeenAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Typing routing
// ============================================================================

func TestSessionRoutesTyping(t *testing.T) {
	var mu sync.Mutex
	var events []bool

	sess, sock, dialer, cleanup := newTestSession(t, nil, &SessionOptions{
		OnRemoteTyping: func(userID int64, typing bool) {
			mu.Lock()
			events = append(events, typing)
			mu.Unlock()
		},
	})
	defer cleanup()
	conn := dialer.waitDial(t)
	waitReady(t, sock)

	require.NoError(t, sess.OpenConversation(context.Background(), 2))

	frame, _ := json.Marshal(map[string]any{"type": "typing", "from_user_id": 2, "is_typing": true})
	conn.inbound <- frame
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0]
	}, 2*time.Second, 5*time.Millisecond)

	// Local keystrokes go out to the open peer.
	sess.InputActivity()
	require.Eventually(t, func() bool {
		return len(writesOfType(conn, "typing")) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	out := writesOfType(conn, "typing")[0]
	assert.Equal(t, float64(2), out["to_user_id"])
	assert.Equal(t, true, out["is_typing"])
}
