package chatclient

import (
	"context"
	"fmt"
	"sync"
)

// DefaultPageSize is the history page size requested per fetch.
const DefaultPageSize = 30

// HistoryFetcher loads one page of conversation history. *Client satisfies
// it; tests substitute a fake.
type HistoryFetcher interface {
	Messages(ctx context.Context, otherUserID, before int64, limit int) (*HistoryPage, error)
}

// PagerOptions configures a Pager.
type PagerOptions struct {
	// PageSize is the number of messages requested per page.
	// Defaults to DefaultPageSize, clamped to the server maximum.
	PageSize int

	// OnPrepend is called after older messages land in the store, with the
	// number of messages actually added. The UI uses it to preserve the
	// scroll position.
	OnPrepend func(added int)
}

func (o *PagerOptions) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > maxPageLimit {
		o.PageSize = maxPageLimit
	}
}

// ============================================================================
// Pager
// ============================================================================

// Pager drives history pagination for one conversation at a time. Each
// LoadInitial starts a new generation; responses from a previous generation
// are discarded, so switching conversations mid-fetch never mixes pages.
type Pager struct {
	fetcher HistoryFetcher
	store   *ConversationStore
	opts    PagerOptions

	mu       sync.Mutex
	gen      uint64
	peer     int64
	cursor   int64
	hasMore  bool
	inFlight bool
}

// NewPager creates a pager feeding the given store.
func NewPager(fetcher HistoryFetcher, store *ConversationStore, opts *PagerOptions) *Pager {
	if opts == nil {
		opts = &PagerOptions{}
	}
	o := *opts
	o.defaults()
	return &Pager{
		fetcher: fetcher,
		store:   store,
		opts:    o,
	}
}

// HasMore reports whether an older page may exist for the current
// conversation.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Loading reports whether a fetch is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// LoadInitial fetches the newest page for a conversation and replaces the
// store contents with it. Any in-flight fetch for a previous conversation is
// invalidated.
func (p *Pager) LoadInitial(ctx context.Context, otherUserID int64) error {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.peer = otherUserID
	p.cursor = 0
	p.hasMore = false
	p.inFlight = true
	p.mu.Unlock()

	page, err := p.fetcher.Messages(ctx, otherUserID, 0, p.opts.PageSize)

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = false
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to load conversation %d: %w", otherUserID, err)
	}
	p.hasMore = pageHasMore(page, p.opts.PageSize)
	p.cursor = nextCursor(page)
	p.mu.Unlock()

	p.store.Replace(page.Messages)
	return nil
}

// LoadOlder fetches the next older page and prepends it to the store. It is
// a no-op while another fetch is in flight or when the top of history has
// been reached.
func (p *Pager) LoadOlder(ctx context.Context) error {
	p.mu.Lock()
	if p.inFlight || !p.hasMore {
		p.mu.Unlock()
		return nil
	}
	gen := p.gen
	peer := p.peer
	cursor := p.cursor
	p.inFlight = true
	p.mu.Unlock()

	page, err := p.fetcher.Messages(ctx, peer, cursor, p.opts.PageSize)

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = false
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to load older messages: %w", err)
	}
	p.hasMore = pageHasMore(page, p.opts.PageSize)
	p.cursor = nextCursor(page)
	p.mu.Unlock()

	added := p.store.Prepend(page.Messages)
	if p.opts.OnPrepend != nil {
		p.opts.OnPrepend(added)
	}
	return nil
}

// Reset invalidates any in-flight fetch and forgets the cursor.
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.peer = 0
	p.cursor = 0
	p.hasMore = false
	p.inFlight = false
}

// A short page means history is exhausted even if the server claims
// otherwise.
func pageHasMore(page *HistoryPage, pageSize int) bool {
	if len(page.Messages) < pageSize {
		return false
	}
	return page.HasMore
}

func nextCursor(page *HistoryPage) int64 {
	if page.NextBefore > 0 {
		return page.NextBefore
	}
	oldest := int64(0)
	for _, m := range page.Messages {
		if m.ID != 0 && (oldest == 0 || m.ID < oldest) {
			oldest = m.ID
		}
	}
	return oldest
}
