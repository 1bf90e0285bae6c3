package chatclient

import (
	"sync"
	"time"
)

// ============================================================================
// TypingController
// ============================================================================

// TypingOptions configures the typing indicator controller.
type TypingOptions struct {
	// Throttle bounds outbound typing{on} frames to one per window.
	Throttle time.Duration
	// Idle is how long after the last keystroke the off frame is emitted.
	Idle time.Duration
	// Expiry auto-clears a remote indicator if the stop frame never arrives.
	Expiry time.Duration

	Clock Clock
}

func (o *TypingOptions) defaults() {
	if o.Throttle == 0 {
		o.Throttle = 500 * time.Millisecond
	}
	if o.Idle == 0 {
		o.Idle = 1200 * time.Millisecond
	}
	if o.Expiry == 0 {
		o.Expiry = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
}

// TypingController throttles outbound typing signals and auto-expires
// inbound ones. A dropped remote stop frame can never leave the indicator
// stuck on.
type TypingController struct {
	send  sender
	clock Clock
	opts  TypingOptions

	// onRemote is invoked with the peer's typing state, including the
	// auto-expiry flip back to false.
	onRemote func(userID int64, typing bool)

	mu        sync.Mutex
	peer      int64 // peer of the in-progress local typing burst
	lastOn    time.Time
	idleTimer Timer
	expiry    map[int64]Timer
}

// NewTypingController wires a controller to the outbound frame path.
// onRemote may be nil when the embedder does not render remote indicators.
func NewTypingController(send sender, onRemote func(userID int64, typing bool), opts *TypingOptions) *TypingController {
	var o TypingOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &TypingController{
		send:     send,
		clock:    o.Clock,
		opts:     o,
		onRemote: onRemote,
		expiry:   make(map[int64]Timer),
	}
}

// InputActivity records a keystroke in the conversation with peerID. An on
// frame goes out at most once per throttle window; the idle timer emitting
// the off frame is rearmed on every call.
func (t *TypingController) InputActivity(peerID int64) {
	t.mu.Lock()
	if t.peer != 0 && t.peer != peerID {
		// Switched conversations mid-burst: stop the old one first.
		old := t.peer
		t.stopLocalLocked()
		t.mu.Unlock()
		t.send.Send(newTypingFrame(old, false))
		t.mu.Lock()
	}
	t.peer = peerID

	now := t.clock.Now()
	sendOn := t.lastOn.IsZero() || now.Sub(t.lastOn) >= t.opts.Throttle
	if sendOn {
		t.lastOn = now
	}

	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = t.clock.AfterFunc(t.opts.Idle, t.idleElapsed)
	t.mu.Unlock()

	if sendOn {
		t.send.Send(newTypingFrame(peerID, true))
	}
}

// InputCleared emits the off frame immediately: the input was emptied or
// lost focus.
func (t *TypingController) InputCleared(peerID int64) {
	t.mu.Lock()
	t.stopLocalLocked()
	t.mu.Unlock()
	t.send.Send(newTypingFrame(peerID, false))
}

// HandleRemote applies an inbound typing frame and schedules auto-expiry for
// an on signal.
func (t *TypingController) HandleRemote(f TypingFrame) {
	userID := int64(f.FromUserID)
	if userID == 0 {
		return
	}

	t.mu.Lock()
	if tm, ok := t.expiry[userID]; ok {
		tm.Stop()
		delete(t.expiry, userID)
	}
	if f.IsTyping {
		t.expiry[userID] = t.clock.AfterFunc(t.opts.Expiry, func() {
			t.expireRemote(userID)
		})
	}
	t.mu.Unlock()

	if t.onRemote != nil {
		t.onRemote(userID, f.IsTyping)
	}
}

// Reset cancels every pending timer, e.g. when leaving the conversation.
func (t *TypingController) Reset() {
	t.mu.Lock()
	t.stopLocalLocked()
	for id, tm := range t.expiry {
		tm.Stop()
		delete(t.expiry, id)
	}
	t.mu.Unlock()
}

func (t *TypingController) stopLocalLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.lastOn = time.Time{}
	t.peer = 0
}

func (t *TypingController) idleElapsed() {
	t.mu.Lock()
	peer := t.peer
	t.stopLocalLocked()
	t.mu.Unlock()
	if peer != 0 {
		t.send.Send(newTypingFrame(peer, false))
	}
}

func (t *TypingController) expireRemote(userID int64) {
	t.mu.Lock()
	delete(t.expiry, userID)
	t.mu.Unlock()
	if t.onRemote != nil {
		t.onRemote(userID, false)
	}
}
