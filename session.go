package chatclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// PageSize overrides the history page size.
	PageSize int

	// Clock abstracts time for tests.
	Clock Clock

	// Visibility gates read receipts on the page being visible.
	Visibility Visibility

	// Logger receives session-level events. Defaults to slog.Default().
	Logger *slog.Logger

	// OnRemoteTyping fires when a peer starts or stops typing.
	OnRemoteTyping func(userID int64, typing bool)

	// OnBackgroundMessage fires for confirmed messages that do not belong
	// to the open conversation, e.g. to bump an unread badge.
	OnBackgroundMessage func(m Message)

	// OnPrepend fires after older history lands, with the number of
	// messages added. The UI uses it to keep the scroll anchored.
	OnPrepend func(added int)
}

func (o *SessionOptions) defaults() {
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.Visibility == nil {
		o.Visibility = AlwaysVisible
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ============================================================================
// Session
// ============================================================================

// Session ties the pieces together for one logged-in user: it routes inbound
// frames from the socket into the conversation store, presence registry and
// typing controller, and turns user actions into outbound frames.
//
// One conversation is open at a time. Frames for other conversations still
// update presence and surface through OnBackgroundMessage, but only the open
// conversation's messages live in the store.
type Session struct {
	me     int64
	api    *Client
	sock   *ChatSocket
	clock  Clock
	logger *slog.Logger

	store    *ConversationStore
	presence *PresenceRegistry
	pager    *Pager
	receipts *ReceiptTracker
	typing   *TypingController

	onBackground func(Message)

	mu         sync.Mutex
	peer       int64
	peerOpen   bool
	nearBottom bool
	unsubFrame func()
	started    bool
}

// NewSession creates a session for the given local user id.
func NewSession(me int64, api *Client, sock *ChatSocket, opts *SessionOptions) *Session {
	if opts == nil {
		opts = &SessionOptions{}
	}
	o := *opts
	o.defaults()

	store := NewConversationStore()
	s := &Session{
		me:           me,
		api:          api,
		sock:         sock,
		clock:        o.Clock,
		logger:       o.Logger,
		store:        store,
		presence:     NewPresenceRegistry(),
		onBackground: o.OnBackgroundMessage,
	}
	s.pager = NewPager(api, store, &PagerOptions{
		PageSize:  o.PageSize,
		OnPrepend: o.OnPrepend,
	})
	s.receipts = NewReceiptTracker(sock, s.activePeer, s.isNearBottom, &ReceiptOptions{
		Clock:      o.Clock,
		Visibility: o.Visibility,
	})
	s.typing = NewTypingController(sock, o.OnRemoteTyping, &TypingOptions{
		Clock: o.Clock,
	})
	return s
}

// Start begins routing inbound frames. Call before enabling the socket.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.unsubFrame = s.sock.OnFrame(func(frameType string, frame any) {
		s.handleFrame(frame)
	})
}

// Close stops frame routing and cancels all pending timers. The socket is
// left to the caller to Disable.
func (s *Session) Close() {
	s.mu.Lock()
	unsub := s.unsubFrame
	s.unsubFrame = nil
	s.started = false
	s.peerOpen = false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.receipts.Reset()
	s.typing.Reset()
	s.pager.Reset()
}

// Store exposes the open conversation's messages for rendering.
func (s *Session) Store() *ConversationStore { return s.store }

// Presence exposes the presence registry.
func (s *Session) Presence() *PresenceRegistry { return s.presence }

// ----------------------------------------------------------------------------
// Conversation control
// ----------------------------------------------------------------------------

// OpenConversation switches the session to the conversation with peerID,
// loading its newest history page. A previous conversation's in-flight page
// load is discarded.
func (s *Session) OpenConversation(ctx context.Context, peerID int64) error {
	s.mu.Lock()
	prev, prevOpen := s.peer, s.peerOpen
	s.peer = peerID
	s.peerOpen = true
	s.nearBottom = true
	s.mu.Unlock()

	if prevOpen && prev != peerID {
		s.typing.InputCleared(prev)
	}

	if err := s.pager.LoadInitial(ctx, peerID); err != nil {
		return err
	}
	s.receipts.NoteRead()
	return nil
}

// CloseConversation leaves the open conversation without opening another.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	peer, open := s.peer, s.peerOpen
	s.peerOpen = false
	s.mu.Unlock()

	if open {
		s.typing.InputCleared(peer)
	}
	s.receipts.Reset()
	s.pager.Reset()
	s.store.Replace(nil)
}

// LoadOlder pages further back in the open conversation's history.
func (s *Session) LoadOlder(ctx context.Context) error {
	return s.pager.LoadOlder(ctx)
}

// SetNearBottom tells the session whether the view is scrolled to the latest
// messages. Read receipts only fire while near the bottom.
func (s *Session) SetNearBottom(near bool) {
	s.mu.Lock()
	s.nearBottom = near
	s.mu.Unlock()
	if near {
		s.receipts.NoteRead()
	}
}

func (s *Session) activePeer() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.peerOpen
}

func (s *Session) isNearBottom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nearBottom
}

// ----------------------------------------------------------------------------
// User actions
// ----------------------------------------------------------------------------

// SendText sends a message to the open conversation's peer. The message
// appears in the store immediately as pending and is reconciled when the
// server echo arrives. Returns false when no conversation is open.
func (s *Session) SendText(content string) bool {
	peer, open := s.activePeer()
	if !open || content == "" {
		return false
	}

	corr := uuid.NewString()
	s.store.Upsert(Message{
		CorrelationID: corr,
		FromUserID:    s.me,
		ToUserID:      peer,
		Content:       content,
		SentAt:        s.clock.Now(),
	})
	s.typing.InputCleared(peer)
	s.sock.Send(newMessageFrame(peer, content, corr))
	return true
}

// InputActivity reports a keystroke in the composer, driving the typing
// indicator sent to the peer.
func (s *Session) InputActivity() {
	peer, open := s.activePeer()
	if !open {
		return
	}
	s.typing.InputActivity(peer)
}

// InputCleared reports the composer going empty.
func (s *Session) InputCleared() {
	peer, open := s.activePeer()
	if !open {
		return
	}
	s.typing.InputCleared(peer)
}

// ----------------------------------------------------------------------------
// Inbound routing
// ----------------------------------------------------------------------------

func (s *Session) handleFrame(frame any) {
	switch f := frame.(type) {
	case MessageFrame:
		s.handleMessage(f)
	case DeliveredFrame:
		at := parseWireTime(f.DeliveredAt)
		if at.IsZero() {
			at = s.clock.Now()
		}
		s.store.MarkDelivered(int64(f.MessageID), at)
	case SeenFrame:
		at := parseWireTime(f.SeenAt)
		if at.IsZero() {
			at = s.clock.Now()
		}
		s.store.MarkSeenUpTo(int64(f.SeenUpToID), at)
	case TypingFrame:
		s.typing.HandleRemote(f)
	case PresenceSnapshotFrame:
		s.presence.ApplySnapshot(f.Online)
	case PresenceFrame:
		var lastSeen *time.Time
		if f.LastSeenAt != nil {
			if t := parseWireTime(*f.LastSeenAt); !t.IsZero() {
				lastSeen = &t
			}
		}
		s.presence.ApplyUpdate(int64(f.UserID), f.Online, lastSeen)
	}
}

func (s *Session) handleMessage(f MessageFrame) {
	m := normalizeMessage(f, s.clock.Now())
	peer, open := s.activePeer()

	if !open || !m.InConversation(s.me, peer) {
		if m.Confirmed() && m.ToUserID == s.me && s.onBackground != nil {
			s.onBackground(m)
		}
		// A message for a background conversation still needs a delivery ack.
		if m.Confirmed() && m.ToUserID == s.me {
			s.receipts.AckDelivered(m.ID)
		}
		return
	}

	s.store.Upsert(m)

	if m.Confirmed() && m.ToUserID == s.me {
		s.receipts.AckDelivered(m.ID)
		s.receipts.NoteRead()
	}
}
