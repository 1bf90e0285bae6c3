package chatclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the connection lifecycle state. It is owned exclusively by the
// ChatSocket; other components observe it through the status subscription.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateRetryWait    ConnState = "retry-wait"

	// StateDisabled is entered after a fast-close loop trips the rejection
	// guard. No further connection attempts are made until Enable is called
	// again (e.g. after a fresh login).
	StateDisabled ConnState = "disabled"
)

// Status is the payload delivered to status subscribers on every transition.
type Status struct {
	State   ConnState
	Attempt int

	// DroppedFrame is set when the bounded outbox had to discard its oldest
	// frame to admit a new one. The UI should warn the user.
	DroppedFrame bool
}

// ============================================================================
// Transport
// ============================================================================

// Conn is the minimal transport surface the socket needs. The default
// implementation wraps a WebSocket connection; tests substitute an in-memory
// one.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc establishes a transport connection to the given URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// DialWebSocket is the default DialFunc.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{c: c}, nil
}

// DialWebSocketAuth returns a DialFunc that sends the given bearer token on
// the handshake, for callers that authenticate by header instead of cookie.
func DialWebSocketAuth(token string) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		opts := &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
		}
		c, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return wsConn{c: c}, nil
	}
}

// ============================================================================
// Configuration
// ============================================================================

// SocketOptions configures a ChatSocket. The zero value gets sensible
// defaults.
type SocketOptions struct {
	// Backoff delay is min(BackoffCap, BackoffBase·2^attempt) plus a random
	// jitter in [0, BackoffJitter).
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration

	// A connection that closes within FastCloseWindow of opening counts
	// toward the rejection guard; FastCloseLimit such closes in a row (less
	// decay from healthy connections) disable the socket.
	FastCloseWindow time.Duration
	FastCloseLimit  int

	// OutboxLimit bounds the queue of frames awaiting a ready connection.
	OutboxLimit int

	Dial   DialFunc
	Clock  Clock
	Logger *slog.Logger
}

func (o *SocketOptions) defaults() {
	if o.BackoffBase == 0 {
		o.BackoffBase = 300 * time.Millisecond
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 8 * time.Second
	}
	if o.BackoffJitter == 0 {
		o.BackoffJitter = 250 * time.Millisecond
	}
	if o.FastCloseWindow == 0 {
		o.FastCloseWindow = 700 * time.Millisecond
	}
	if o.FastCloseLimit == 0 {
		o.FastCloseLimit = 3
	}
	if o.OutboxLimit == 0 {
		o.OutboxLimit = 256
	}
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// backoffDelay computes the reconnect delay for the given attempt, jitter
// excluded. Attempt 1 is the first retry.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// ============================================================================
// ChatSocket
// ============================================================================

// FrameHandler receives every decoded inbound frame. The frame argument is
// one of the *Frame wire types.
type FrameHandler func(frameType string, frame any)

// ChatSocket owns the live connection to the chat server: the connect/retry
// state machine, the bounded outbox, and the fan-out of inbound frames and
// status changes to subscribers.
//
// Transport errors never reach callers directly; every failure resolves
// through the close transition and the backoff policy, observable only via
// OnStatus.
type ChatSocket struct {
	url   string
	opts  SocketOptions
	clock Clock
	log   *slog.Logger

	mu         sync.Mutex
	state      ConnState
	enabled    bool
	conn       Conn
	flushing   bool // post-open outbox drain in progress
	gen        int // connection generation; stale goroutine callbacks check it
	attempt    int
	fastCloses int
	retryTimer Timer
	cancelDial context.CancelFunc
	queue      *outbox

	subSeq     int
	statusSubs map[int]func(Status)
	frameSubs  map[int]FrameHandler
}

// NewChatSocket creates a socket for the given WebSocket URL. The socket is
// inert until Enable is called.
func NewChatSocket(url string, opts *SocketOptions) *ChatSocket {
	var o SocketOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &ChatSocket{
		url:        url,
		opts:       o,
		clock:      o.Clock,
		log:        o.Logger,
		state:      StateDisconnected,
		queue:      newOutbox(o.OutboxLimit),
		statusSubs: make(map[int]func(Status)),
		frameSubs:  make(map[int]FrameHandler),
	}
}

// State returns the current connection state.
func (s *ChatSocket) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether frames can be written immediately.
func (s *ChatSocket) IsReady() bool {
	return s.State() == StateOpen
}

// QueueLen returns the number of frames waiting in the outbox.
func (s *ChatSocket) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Enable arms the socket and starts connecting. Calling Enable while already
// enabled is a no-op. Enabling after a rejection-loop disable re-arms the
// guard: a fresh login may have fixed the cause.
func (s *ChatSocket) Enable() {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = true
	s.attempt = 0
	s.fastCloses = 0
	s.state = StateDisconnected
	s.mu.Unlock()
	s.connect()
}

// Disable tears down the connection, suppresses reconnection and discards
// queued sends. The terminal Disabled state (rejection guard) is preserved.
func (s *ChatSocket) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.gen++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	conn := s.conn
	s.conn = nil
	s.queue.clear()
	s.attempt = 0
	s.fastCloses = 0
	if s.state != StateDisabled {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disabled")
	}
	s.notifyStatus(false)
}

// Send marshals and transmits a frame over the live connection. If the
// connection is not ready the frame is queued and flushed in FIFO order once
// it is. If a write fails the frame is requeued at the front and the
// connection is force-closed so the normal reconnect path repairs it.
// Reports whether the frame went out immediately.
func (s *ChatSocket) Send(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("dropping unserializable frame", "err", err)
		return false
	}

	s.mu.Lock()
	conn := s.conn
	if s.state != StateOpen || conn == nil {
		if !s.enabled {
			s.mu.Unlock()
			s.log.Debug("dropping frame, socket disabled")
			return false
		}
		dropped := s.queue.push(data)
		s.mu.Unlock()
		if dropped {
			s.log.Warn("outbox full, dropped oldest frame")
			s.notifyStatus(true)
		}
		return false
	}
	if s.flushing || s.queue.len() > 0 {
		// The outbox is still draining; writing directly here would let
		// this frame overtake earlier ones. Join the back of the queue.
		dropped := s.queue.push(data)
		s.mu.Unlock()
		if dropped {
			s.log.Warn("outbox full, dropped oldest frame")
			s.notifyStatus(true)
		}
		return false
	}
	s.mu.Unlock()

	if err := conn.Write(context.Background(), data); err != nil {
		s.mu.Lock()
		s.queue.pushFront(data)
		s.mu.Unlock()
		s.log.Warn("write failed, forcing reconnect", "err", err)
		_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
		return false
	}
	return true
}

// OnStatus subscribes to connection status changes. The callback fires
// immediately with the current status, then on every transition. The
// returned disposer removes the subscription.
func (s *ChatSocket) OnStatus(cb func(Status)) func() {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.statusSubs[id] = cb
	cur := Status{State: s.state, Attempt: s.attempt}
	s.mu.Unlock()

	cb(cur)
	return func() {
		s.mu.Lock()
		delete(s.statusSubs, id)
		s.mu.Unlock()
	}
}

// OnFrame subscribes to decoded inbound frames. The returned disposer
// removes the subscription.
func (s *ChatSocket) OnFrame(cb FrameHandler) func() {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.frameSubs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.frameSubs, id)
		s.mu.Unlock()
	}
}

// ----------------------------------------------------------------------------
// State machine internals
// ----------------------------------------------------------------------------

func (s *ChatSocket) connect() {
	s.mu.Lock()
	if !s.enabled || s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	start := s.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	s.mu.Unlock()

	s.notifyStatus(false)
	go s.dialAndRun(ctx, gen, start)
}

func (s *ChatSocket) dialAndRun(ctx context.Context, gen int, start time.Time) {
	conn, err := s.opts.Dial(ctx, s.url)
	if err != nil {
		s.log.Debug("dial failed", "err", err)
		s.closed(gen, start, false)
		return
	}

	s.mu.Lock()
	if s.gen != gen || !s.enabled {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.attempt = 0
	// Direct sends must not overtake queued frames: Send keeps enqueueing
	// until the flush below has fully drained, including the frame it has
	// popped but not yet written.
	s.flushing = true
	s.mu.Unlock()

	s.log.Debug("connection open")
	s.notifyStatus(false)
	s.flushQueue(conn)
	s.readLoop(ctx, conn, gen, start)
}

// flushQueue drains the outbox in FIFO order while the connection stays open.
// The flushing flag is cleared under the lock at the empty-queue check, so no
// enqueue can slip between the last pop and the flag going down.
func (s *ChatSocket) flushQueue(conn Conn) {
	for {
		s.mu.Lock()
		if s.state != StateOpen || s.conn != conn {
			// Only clear the flag for the connection that owns it; a
			// successor may have already started its own drain.
			if s.conn == conn {
				s.flushing = false
			}
			s.mu.Unlock()
			return
		}
		frame, ok := s.queue.pop()
		if !ok {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := conn.Write(context.Background(), frame); err != nil {
			s.mu.Lock()
			s.queue.pushFront(frame)
			s.flushing = false
			s.mu.Unlock()
			s.log.Warn("outbox flush failed, forcing reconnect", "err", err)
			_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}
}

func (s *ChatSocket) readLoop(ctx context.Context, conn Conn, gen int, start time.Time) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusAbnormalClosure, "read failed")
			s.closed(gen, start, true)
			return
		}
		s.dispatchFrame(data)
	}
}

func (s *ChatSocket) dispatchFrame(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		// Malformed frames are logged and dropped; the connection stays up.
		s.log.Warn("dropping malformed frame", "err", err)
		return
	}
	if frame == nil {
		s.log.Debug("ignoring unknown frame type")
		return
	}

	var env frameEnvelope
	_ = json.Unmarshal(data, &env)

	s.mu.Lock()
	subs := make([]FrameHandler, 0, len(s.frameSubs))
	for _, cb := range s.frameSubs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		cb(env.Type, frame)
	}
}

// closed runs once per connection generation when the transport fails, either
// at dial time or after the connection had opened.
func (s *ChatSocket) closed(gen int, start time.Time, opened bool) {
	s.mu.Lock()
	if s.gen != gen {
		// Superseded by Disable or a fresh Enable.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	if !s.enabled {
		if s.state != StateDisabled {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		s.notifyStatus(false)
		return
	}

	if opened {
		if s.clock.Now().Sub(start) < s.opts.FastCloseWindow {
			s.fastCloses++
		} else if s.fastCloses > 0 {
			// Healthy connections decay the counter so transient blips
			// never accumulate into a false trip.
			s.fastCloses--
		}
		if s.fastCloses >= s.opts.FastCloseLimit {
			s.enabled = false
			s.state = StateDisabled
			s.queue.clear()
			s.mu.Unlock()
			s.log.Warn("connection rejected repeatedly, live messaging disabled")
			s.notifyStatus(false)
			return
		}
	}

	s.attempt++
	delay := backoffDelay(s.opts.BackoffBase, s.opts.BackoffCap, s.attempt)
	if s.opts.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.opts.BackoffJitter)))
	}
	s.state = StateRetryWait
	s.retryTimer = s.clock.AfterFunc(delay, s.retry)
	attempt := s.attempt
	s.mu.Unlock()

	s.log.Debug("connection closed, retrying", "attempt", attempt, "delay", delay)
	s.notifyStatus(false)
}

func (s *ChatSocket) retry() {
	s.mu.Lock()
	if !s.enabled || s.state != StateRetryWait {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.retryTimer = nil
	s.mu.Unlock()
	s.connect()
}

func (s *ChatSocket) notifyStatus(dropped bool) {
	s.mu.Lock()
	st := Status{State: s.state, Attempt: s.attempt, DroppedFrame: dropped}
	subs := make([]func(Status), 0, len(s.statusSubs))
	for _, cb := range s.statusSubs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		cb(st)
	}
}
