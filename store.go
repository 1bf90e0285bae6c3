package chatclient

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the authoritative in-memory ordered collection of
// messages for the open conversation. It reconciles optimistic local entries
// with server echoes by correlation id and applies delivery and seen status
// updates.
//
// Invariants: at most one entry per non-zero server id, at most one entry per
// non-empty correlation id. Reconciliation never duplicates.
type ConversationStore struct {
	mu      sync.Mutex
	entries []*Message
	byID    map[int64]*Message
	byCorr  map[string]*Message
	seq     int64

	subSeq int
	subs   map[int]func()
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		byID:   make(map[int64]*Message),
		byCorr: make(map[string]*Message),
		subs:   make(map[int]func()),
	}
}

// Upsert inserts or merges a normalized message:
//
//  1. If it carries a correlation id matching an existing entry, the fields
//     merge into that entry; this is how a pending message becomes
//     confirmed.
//  2. Else if it carries a server id matching an existing entry, it merges
//     into that entry.
//  3. Else it is appended as a new entry.
func (s *ConversationStore) Upsert(m Message) {
	s.mu.Lock()
	target := s.lookupLocked(m)
	if target == nil {
		s.insertLocked(m)
	} else {
		s.mergeLocked(target, m)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ConversationStore) lookupLocked(m Message) *Message {
	if m.CorrelationID != "" {
		if e, ok := s.byCorr[m.CorrelationID]; ok {
			return e
		}
	}
	if m.ID != 0 {
		if e, ok := s.byID[m.ID]; ok {
			return e
		}
	}
	return nil
}

func (s *ConversationStore) insertLocked(m Message) {
	s.seq++
	m.arrival = s.seq
	e := &m
	s.entries = append(s.entries, e)
	if e.ID != 0 {
		s.byID[e.ID] = e
	}
	if e.CorrelationID != "" {
		s.byCorr[e.CorrelationID] = e
	}
}

// mergeLocked folds the incoming fields into an existing entry. The server
// id is immutable once set; status flags only ever go false to true.
func (s *ConversationStore) mergeLocked(e *Message, m Message) {
	if e.ID == 0 && m.ID != 0 {
		e.ID = m.ID
		s.byID[e.ID] = e
	}
	if e.CorrelationID == "" && m.CorrelationID != "" {
		e.CorrelationID = m.CorrelationID
		s.byCorr[e.CorrelationID] = e
	}
	if m.FromUserID != 0 {
		e.FromUserID = m.FromUserID
	}
	if m.ToUserID != 0 {
		e.ToUserID = m.ToUserID
	}
	if m.Content != "" {
		e.Content = m.Content
	}
	if !m.SentAt.IsZero() {
		e.SentAt = m.SentAt
	}
	if m.Delivered {
		e.Delivered = true
		if !m.DeliveredAt.IsZero() {
			e.DeliveredAt = m.DeliveredAt
		}
	}
	if m.Seen {
		e.Seen = true
		if !m.SeenAt.IsZero() {
			e.SeenAt = m.SeenAt
		}
	}
}

// MarkDelivered sets the delivered flag on the entry with the given server
// id. Messages not yet loaded (pagination boundary) make this a no-op.
func (s *ConversationStore) MarkDelivered(id int64, at time.Time) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		e.Delivered = true
		if !at.IsZero() {
			e.DeliveredAt = at
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// MarkSeenUpTo sets the seen flag on every confirmed entry with id at or
// below the watermark. The watermark is monotone: a smaller later watermark
// never unmarks anything.
func (s *ConversationStore) MarkSeenUpTo(watermark int64, at time.Time) {
	s.mu.Lock()
	changed := false
	for _, e := range s.entries {
		if e.ID == 0 || e.ID > watermark || e.Seen {
			continue
		}
		e.Seen = true
		e.Delivered = true // seen implies delivered
		if !at.IsZero() {
			e.SeenAt = at
		}
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Replace swaps the store contents for a freshly loaded page, e.g. when a
// conversation is first opened.
func (s *ConversationStore) Replace(msgs []Message) {
	s.mu.Lock()
	s.entries = nil
	s.byID = make(map[int64]*Message)
	s.byCorr = make(map[string]*Message)
	for _, m := range msgs {
		s.insertLocked(m)
	}
	s.mu.Unlock()
	s.notify()
}

// Prepend merges an older history page in front of the current contents and
// reports how many entries were actually added. Entries already present (by
// id or correlation id) are skipped so a page overlapping the live stream
// cannot duplicate.
func (s *ConversationStore) Prepend(msgs []Message) int {
	s.mu.Lock()
	added := 0
	for _, m := range msgs {
		if s.lookupLocked(m) != nil {
			continue
		}
		s.insertLocked(m)
		added++
	}
	s.mu.Unlock()
	if added > 0 {
		s.notify()
	}
	return added
}

// Len returns the number of stored messages.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns the entry with the given server id.
func (s *ConversationStore) Get(id int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		return *e, true
	}
	return Message{}, false
}

// GetByCorrelation returns the entry with the given correlation id.
func (s *ConversationStore) GetByCorrelation(corr string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byCorr[corr]; ok {
		return *e, true
	}
	return Message{}, false
}

// Messages returns the conversation in presentation order: ascending SentAt,
// confirmed entries before pending ones on equal timestamps, arrival order
// breaking remaining ties. Pending entries therefore always trail the
// confirmed messages they were sent after.
func (s *ConversationStore) Messages() []Message {
	// Snapshot by value under the lock; the entries keep mutating under
	// concurrent receipt and reconcile traffic, so sorting must not touch
	// the shared structs.
	s.mu.Lock()
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}
		return a.arrival < b.arrival
	})
	return out
}

// Runs groups the ordered conversation into consecutive same-sender runs
// whose internal gaps are at most maxGap. This is the derivation the
// renderer uses for visual grouping; the store does not enforce it.
func (s *ConversationStore) Runs(maxGap time.Duration) [][]Message {
	msgs := s.Messages()
	var runs [][]Message
	for _, m := range msgs {
		n := len(runs)
		if n > 0 {
			last := runs[n-1][len(runs[n-1])-1]
			if last.FromUserID == m.FromUserID && m.SentAt.Sub(last.SentAt) <= maxGap {
				runs[n-1] = append(runs[n-1], m)
				continue
			}
		}
		runs = append(runs, []Message{m})
	}
	return runs
}

// OnChange subscribes to store mutations. The returned disposer removes the
// subscription.
func (s *ConversationStore) OnChange(cb func()) func() {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *ConversationStore) notify() {
	s.mu.Lock()
	subs := make([]func(), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()
	for _, cb := range subs {
		cb()
	}
}
