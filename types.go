package chatclient

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ============================================================================
// Canonical Message
// ============================================================================

// Message is the canonical, normalized shape every component operates on.
// Inbound frames and REST payloads are converted at the boundary; nothing
// downstream ever reads the raw wire fields.
//
// A message starts pending (ID == 0, CorrelationID set) when created
// optimistically on send, and becomes confirmed when the server echo carrying
// the same correlation token assigns the server id.
type Message struct {
	// ID is the server-assigned identity; 0 until the server confirms.
	ID int64

	// CorrelationID is the client-generated token used to match the server
	// echo back to the optimistic entry. Empty for messages originated by
	// the peer.
	CorrelationID string

	FromUserID int64
	ToUserID   int64
	Content    string

	// SentAt is the authoritative ordering key once the server assigns it;
	// set provisionally at optimistic-insert time.
	SentAt time.Time

	Delivered   bool
	DeliveredAt time.Time
	Seen        bool
	SeenAt      time.Time

	// arrival is the store-local insertion sequence, used to break SentAt
	// ties. Assigned by the store.
	arrival int64
}

// Confirmed reports whether the server has assigned an id to this message.
func (m *Message) Confirmed() bool {
	return m.ID != 0
}

// InConversation reports whether the message belongs to the conversation
// between the two given users, in either direction.
func (m *Message) InConversation(a, b int64) bool {
	return (m.FromUserID == a && m.ToUserID == b) ||
		(m.FromUserID == b && m.ToUserID == a)
}

// User is a directory entry from the user list endpoint.
type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// Presence is the tracked state for one remote user.
// A zero LastSeenAt means the server has never reported one.
type Presence struct {
	Online     bool
	LastSeenAt time.Time
}

// ============================================================================
// Wire frames
// ============================================================================

// Frame type names shared by inbound and outbound traffic.
const (
	frameMessage          = "message"
	frameDelivered        = "delivered"
	frameSeen             = "seen"
	frameTyping           = "typing"
	framePresenceSnapshot = "presence_snapshot"
	framePresence         = "presence"
)

// flexID decodes a numeric id that some peers serialize as a JSON string.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

// frameEnvelope is the minimal decode used to route an inbound frame.
type frameEnvelope struct {
	Type string `json:"type"`
}

// MessageFrame is a chat message on the wire, inbound or echoed.
type MessageFrame struct {
	Type       string `json:"type"`
	ID         flexID `json:"id,omitempty"`
	FromUserID flexID `json:"from_user_id"`
	ToUserID   flexID `json:"to_user_id"`
	Content    string `json:"content,omitempty"`
	Text       string `json:"text,omitempty"`
	SentAt     string `json:"sent_at,omitempty"`
	TempID     string `json:"temp_id,omitempty"`
	Delivered  bool   `json:"delivered,omitempty"`
	Seen       bool   `json:"seen,omitempty"`
}

// DeliveredFrame acknowledges that a message reached its recipient.
type DeliveredFrame struct {
	Type        string `json:"type"`
	MessageID   flexID `json:"message_id"`
	FromUserID  flexID `json:"from_user_id,omitempty"`
	ToUserID    flexID `json:"to_user_id,omitempty"`
	DeliveredAt string `json:"delivered_at,omitempty"`
}

// SeenFrame carries the watermark below which the sender's messages are read.
type SeenFrame struct {
	Type       string `json:"type"`
	FromUserID flexID `json:"from_user_id,omitempty"`
	ToUserID   flexID `json:"to_user_id,omitempty"`
	SeenUpToID flexID `json:"seen_up_to_id,omitempty"`
	SeenAt     string `json:"seen_at,omitempty"`
}

// TypingFrame signals typing start/stop between peers.
type TypingFrame struct {
	Type       string `json:"type"`
	FromUserID flexID `json:"from_user_id,omitempty"`
	ToUserID   flexID `json:"to_user_id,omitempty"`
	IsTyping   bool   `json:"is_typing"`
}

// PresenceSnapshotFrame lists the users currently online. The list is
// additive: users absent from it are not inferred offline.
type PresenceSnapshotFrame struct {
	Type   string  `json:"type"`
	Online []int64 `json:"online"`
}

// PresenceFrame is an incremental presence update for one user.
type PresenceFrame struct {
	Type       string  `json:"type"`
	UserID     flexID  `json:"user_id"`
	Online     bool    `json:"online"`
	LastSeenAt *string `json:"last_seen_at"`
}

// ============================================================================
// Outbound frame constructors
// ============================================================================

// sendMessageFrame is the outbound shape for a live message send.
type sendMessageFrame struct {
	Type     string `json:"type"`
	ToUserID int64  `json:"to_user_id"`
	Text     string `json:"text"`
	TempID   string `json:"temp_id"`
}

// sendDeliveredFrame acknowledges receipt of one message by server id.
type sendDeliveredFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// sendSeenFrame marks the peer's messages as read up to the latest loaded.
type sendSeenFrame struct {
	Type       string `json:"type"`
	FromUserID int64  `json:"from_user_id"`
}

// sendTypingFrame signals local typing state to the peer.
type sendTypingFrame struct {
	Type     string `json:"type"`
	ToUserID int64  `json:"to_user_id"`
	IsTyping bool   `json:"is_typing"`
}

func newMessageFrame(toUserID int64, text, tempID string) sendMessageFrame {
	return sendMessageFrame{Type: frameMessage, ToUserID: toUserID, Text: text, TempID: tempID}
}

func newDeliveredFrame(messageID int64) sendDeliveredFrame {
	return sendDeliveredFrame{Type: frameDelivered, MessageID: messageID}
}

func newSeenFrame(fromUserID int64) sendSeenFrame {
	return sendSeenFrame{Type: frameSeen, FromUserID: fromUserID}
}

func newTypingFrame(toUserID int64, isTyping bool) sendTypingFrame {
	return sendTypingFrame{Type: frameTyping, ToUserID: toUserID, IsTyping: isTyping}
}

// ============================================================================
// Normalization
// ============================================================================

// normalizeMessage converts a wire message into the canonical shape.
// The body may arrive under either "content" or "text"; timestamps are
// RFC 3339 and fall back to now when missing or unparseable.
func normalizeMessage(f MessageFrame, now time.Time) Message {
	content := f.Content
	if content == "" {
		content = f.Text
	}
	sentAt := parseWireTime(f.SentAt)
	if sentAt.IsZero() {
		sentAt = now
	}
	return Message{
		ID:            int64(f.ID),
		CorrelationID: f.TempID,
		FromUserID:    int64(f.FromUserID),
		ToUserID:      int64(f.ToUserID),
		Content:       content,
		SentAt:        sentAt,
		Delivered:     f.Delivered,
		Seen:          f.Seen,
	}
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// decodeFrame routes raw frame bytes to the per-type wire struct.
// Returns (nil, nil) for unknown frame types so callers can ignore them.
func decodeFrame(data []byte) (any, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case frameMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case frameDelivered:
		var f DeliveredFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case frameSeen:
		var f SeenFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case frameTyping:
		var f TypingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case framePresenceSnapshot:
		var f PresenceSnapshotFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case framePresence:
		var f PresenceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, nil
}
