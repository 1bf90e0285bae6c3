package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Shared test fakes
// ============================================================================

// fakeClock is a manually advanced Clock. Timers fire during Advance, in
// due order, on the advancing goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// pendingTimers counts scheduled timers that have not fired or been stopped.
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// ----------------------------------------------------------------------------
// Frame capture
// ----------------------------------------------------------------------------

// captureSender records every outbound frame.
type captureSender struct {
	mu     sync.Mutex
	frames []any
}

func (s *captureSender) Send(frame any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *captureSender) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// ----------------------------------------------------------------------------
// Transport fakes
// ----------------------------------------------------------------------------

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. Pushing to inbound feeds Read; closing the
// conn makes Read fail, driving the socket's close transition.
type fakeConn struct {
	inbound chan []byte

	mu           sync.Mutex
	writes       [][]byte
	writeErr     error
	writeGate    chan struct{}
	writeStarted chan struct{}
	done         chan struct{}
	closed       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	gate := c.writeGate
	started := c.writeStarted
	c.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.closed {
		return errConnClosed
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// holdWrites makes every Write block until releaseWrites is called. Each
// blocked attempt announces itself so tests can wait for a write to be in
// flight.
func (c *fakeConn) holdWrites() {
	c.mu.Lock()
	c.writeGate = make(chan struct{})
	c.writeStarted = make(chan struct{}, 16)
	c.mu.Unlock()
}

func (c *fakeConn) releaseWrites() {
	c.mu.Lock()
	gate := c.writeGate
	c.writeGate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// waitWriteBlocked blocks until a Write is parked on the hold gate.
func (c *fakeConn) waitWriteBlocked(t testingT) {
	t.Helper()
	c.mu.Lock()
	started := c.writeStarted
	c.mu.Unlock()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a held write")
	}
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer hands out fakeConns and records every dial. Set failNext to
// make dials error instead.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	ctxs     []context.Context
	failNext bool
	holdNext bool
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.ctxs = append(d.ctxs, ctx)
	if d.failNext {
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	if d.holdNext {
		d.holdNext = false
		conn.holdWrites()
	}
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// holdNextWrites makes the next dialed conn come up with its writes held, so
// a test can catch the post-open flush mid-write.
func (d *fakeDialer) holdNextWrites() {
	d.mu.Lock()
	d.holdNext = true
	d.mu.Unlock()
}

// dialCtx returns the context passed to the i-th dial.
func (d *fakeDialer) dialCtx(i int) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctxs[i]
}

// waitDial blocks until the socket establishes its next connection.
func (d *fakeDialer) waitDial(t testingT) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

// testingT is the subset of *testing.T the fakes need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}
