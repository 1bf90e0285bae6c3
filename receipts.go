package chatclient

import (
	"sync"
	"time"
)

// sender is the outbound frame path. *ChatSocket implements it; frames go to
// the outbox when the connection is not ready.
type sender interface {
	Send(frame any) bool
}

// ============================================================================
// ReceiptTracker
// ============================================================================

// ReceiptOptions configures the delivery/seen tracker.
type ReceiptOptions struct {
	// Cooldown is the minimum spacing between consecutive seen frames for
	// the same trigger burst.
	Cooldown time.Duration

	Clock      Clock
	Visibility Visibility
}

func (o *ReceiptOptions) defaults() {
	if o.Cooldown == 0 {
		o.Cooldown = time.Second
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.Visibility == nil {
		o.Visibility = AlwaysVisible
	}
}

// ReceiptTracker emits delivery and read acknowledgments.
//
// Delivery acks are cheap and sent immediately. Seen acks are gated (surface
// visible, conversation active, viewport near the bottom) and rate limited:
// triggers inside the cooldown window coalesce into at most one trailing
// emission, keeping only the most recent trigger.
//
// Acks are fire and forget; when the connection is down they ride the outbox
// like any other frame.
type ReceiptTracker struct {
	send  sender
	clock Clock
	vis   Visibility

	// activePeer identifies the open conversation; nearBottom reports the
	// scroll position. Both are supplied by the session that owns the view
	// state.
	activePeer func() (int64, bool)
	nearBottom func() bool

	cooldown time.Duration

	mu          sync.Mutex
	lastSent    time.Time
	trailing    Timer
	pendingPeer int64
}

// NewReceiptTracker wires a tracker to the outbound frame path and the view
// state accessors.
func NewReceiptTracker(send sender, activePeer func() (int64, bool), nearBottom func() bool, opts *ReceiptOptions) *ReceiptTracker {
	var o ReceiptOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &ReceiptTracker{
		send:       send,
		clock:      o.Clock,
		vis:        o.Visibility,
		activePeer: activePeer,
		nearBottom: nearBottom,
		cooldown:   o.Cooldown,
	}
}

// AckDelivered emits a delivered acknowledgment for one message, right away.
func (t *ReceiptTracker) AckDelivered(messageID int64) {
	t.send.Send(newDeliveredFrame(messageID))
}

// NoteRead registers a read opportunity: conversation opened, scrolled to
// bottom, surface became visible, or a message arrived while at the bottom.
// A seen frame is emitted when all gates pass, subject to the cooldown.
func (t *ReceiptTracker) NoteRead() {
	peer, ok := t.activePeer()
	if !ok || !t.vis.Visible() || !t.nearBottom() {
		return
	}

	t.mu.Lock()
	now := t.clock.Now()
	if t.lastSent.IsZero() || now.Sub(t.lastSent) >= t.cooldown {
		t.lastSent = now
		t.mu.Unlock()
		t.send.Send(newSeenFrame(peer))
		return
	}

	// Inside the cooldown: coalesce. Only the latest trigger survives, and
	// exactly one trailing emission is scheduled for when the window lapses.
	t.pendingPeer = peer
	if t.trailing == nil {
		wait := t.cooldown - now.Sub(t.lastSent)
		t.trailing = t.clock.AfterFunc(wait, t.fireTrailing)
	}
	t.mu.Unlock()
}

// Reset cancels any pending trailing emission, e.g. when navigating away.
func (t *ReceiptTracker) Reset() {
	t.mu.Lock()
	if t.trailing != nil {
		t.trailing.Stop()
		t.trailing = nil
	}
	t.pendingPeer = 0
	t.mu.Unlock()
}

func (t *ReceiptTracker) fireTrailing() {
	t.mu.Lock()
	t.trailing = nil
	peer := t.pendingPeer
	t.pendingPeer = 0
	t.mu.Unlock()
	if peer == 0 {
		return
	}

	// Gates are re-checked at emission time; the world may have changed
	// during the cooldown.
	cur, ok := t.activePeer()
	if !ok || cur != peer || !t.vis.Visible() || !t.nearBottom() {
		return
	}

	t.mu.Lock()
	t.lastSent = t.clock.Now()
	t.mu.Unlock()
	t.send.Send(newSeenFrame(peer))
}
