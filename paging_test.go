package chatclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves canned pages and can hold a fetch open until released.
type fakeFetcher struct {
	mu    sync.Mutex
	pages []*HistoryPage
	calls []fetchCall
	gate  chan struct{}
}

type fetchCall struct {
	peer   int64
	before int64
	limit  int
}

func (f *fakeFetcher) Messages(ctx context.Context, otherUserID, before int64, limit int) (*HistoryPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{peer: otherUserID, before: before, limit: limit})
	var page *HistoryPage
	if len(f.pages) > 0 {
		page = f.pages[0]
		f.pages = f.pages[1:]
	} else {
		page = &HistoryPage{}
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return page, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func historyPage(ids ...int64) *HistoryPage {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	p := &HistoryPage{}
	for _, id := range ids {
		p.Messages = append(p.Messages, Message{
			ID: id, FromUserID: 2, ToUserID: 1, Content: "m",
			SentAt: base.Add(time.Duration(id) * time.Second),
		})
	}
	if len(ids) > 0 {
		p.NextBefore = ids[0]
	}
	return p
}

// ============================================================================
// Page boundary
// ============================================================================

func TestPagerShortPageEndsHistory(t *testing.T) {
	// 12 messages against a page size of 30: nothing older can exist.
	page := historyPage(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)
	page.HasMore = true // even a confused server flag cannot override
	fetcher := &fakeFetcher{pages: []*HistoryPage{page}}
	store := NewConversationStore()
	p := NewPager(fetcher, store, nil)

	require.NoError(t, p.LoadInitial(context.Background(), 2))
	assert.False(t, p.HasMore())
	assert.Equal(t, 12, store.Len())

	// LoadOlder with no more history is a no-op.
	require.NoError(t, p.LoadOlder(context.Background()))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestPagerFullPageMayHaveMore(t *testing.T) {
	ids := make([]int64, 30)
	for i := range ids {
		ids[i] = int64(i + 31)
	}
	page := historyPage(ids...)
	page.HasMore = true

	fetcher := &fakeFetcher{pages: []*HistoryPage{page}}
	p := NewPager(fetcher, NewConversationStore(), nil)

	require.NoError(t, p.LoadInitial(context.Background(), 2))
	assert.True(t, p.HasMore())
}

func TestPagerLoadOlderPrepends(t *testing.T) {
	newest := historyPage(31, 32, 33)
	for i := int64(34); i <= 60; i++ {
		newest.Messages = append(newest.Messages, Message{
			ID: i, FromUserID: 2, ToUserID: 1, Content: "m",
			SentAt: time.Date(2026, 2, 1, 10, 0, int(i), 0, time.UTC),
		})
	}
	newest.HasMore = true
	newest.NextBefore = 31

	older := historyPage(1, 2, 3)
	older.HasMore = false

	var prepended int
	fetcher := &fakeFetcher{pages: []*HistoryPage{newest, older}}
	store := NewConversationStore()
	p := NewPager(fetcher, store, &PagerOptions{
		OnPrepend: func(added int) { prepended = added },
	})

	require.NoError(t, p.LoadInitial(context.Background(), 2))
	require.True(t, p.HasMore())

	require.NoError(t, p.LoadOlder(context.Background()))
	assert.Equal(t, 3, prepended)
	assert.Equal(t, 33, store.Len())
	assert.False(t, p.HasMore())

	// The older fetch used the cursor from the first page.
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, int64(31), fetcher.calls[1].before)
}

// ============================================================================
// Stale responses
// ============================================================================

func TestPagerDiscardsStaleResponse(t *testing.T) {
	slow := historyPage(1, 2, 3)
	fast := historyPage(100, 101)

	gate := make(chan struct{})
	fetcher := &fakeFetcher{pages: []*HistoryPage{slow, fast}, gate: gate}
	store := NewConversationStore()
	p := NewPager(fetcher, store, nil)

	done := make(chan error, 1)
	go func() {
		// Conversation A's fetch is slow.
		done <- p.LoadInitial(context.Background(), 2)
	}()
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, 2*time.Second, time.Millisecond)

	// The user switches to conversation B before A's response lands.
	fetcher.mu.Lock()
	fetcher.gate = nil
	fetcher.mu.Unlock()
	require.NoError(t, p.LoadInitial(context.Background(), 3))
	require.Equal(t, 2, store.Len())

	// Now A's response arrives; it belongs to a dead generation and must
	// not touch the store.
	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 2, store.Len())
	_, ok := store.Get(100)
	assert.True(t, ok)
	_, ok = store.Get(1)
	assert.False(t, ok)
}

// ============================================================================
// In-flight guard
// ============================================================================

func TestPagerSingleFetchInFlight(t *testing.T) {
	full := historyPage()
	for i := int64(31); i <= 60; i++ {
		full.Messages = append(full.Messages, Message{
			ID: i, FromUserID: 2, ToUserID: 1, Content: "m",
			SentAt: time.Date(2026, 2, 1, 10, 0, int(i-31), 0, time.UTC),
		})
	}
	full.HasMore = true
	full.NextBefore = 31

	gate := make(chan struct{})
	fetcher := &fakeFetcher{pages: []*HistoryPage{full, historyPage(1, 2)}}
	p := NewPager(fetcher, NewConversationStore(), nil)
	require.NoError(t, p.LoadInitial(context.Background(), 2))

	fetcher.mu.Lock()
	fetcher.gate = gate
	fetcher.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.LoadOlder(context.Background()) }()
	require.Eventually(t, func() bool { return p.Loading() }, 2*time.Second, time.Millisecond)

	// A second LoadOlder while one is in flight returns without fetching.
	require.NoError(t, p.LoadOlder(context.Background()))
	assert.Equal(t, 2, fetcher.callCount())

	close(gate)
	require.NoError(t, <-done)
}
