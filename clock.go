package chatclient

import "time"

// ============================================================================
// Clock & Visibility capabilities
// ============================================================================

// Clock abstracts wall time and one-shot timers so debounce, throttle and
// backoff logic can run against a fake clock in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run once after d. The returned Timer can be
	// stopped; Stop reports whether the call prevented fn from running.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a stoppable one-shot timer handle.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// NewClock returns the wall-clock implementation.
func NewClock() Clock { return realClock{} }

// Visibility reports whether the surface hosting the conversation is visible
// to the user. Read acknowledgments are suppressed while hidden. Headless
// embedders can use AlwaysVisible; UI embedders bridge their own signal
// (e.g. a terminal focus event or a document visibility change).
type Visibility interface {
	Visible() bool
}

type alwaysVisible struct{}

func (alwaysVisible) Visible() bool { return true }

// AlwaysVisible is the Visibility used when no host signal is available.
var AlwaysVisible Visibility = alwaysVisible{}
