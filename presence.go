package chatclient

import (
	"sync"
	"time"
)

// ============================================================================
// PresenceRegistry
// ============================================================================

// PresenceRegistry tracks online/offline and last-seen-at per remote user,
// fed by snapshot and incremental events.
//
// Snapshots are additive: a user absent from a snapshot is unknown, not
// offline. LastSeenAt never clears: an update without a timestamp preserves
// the previous one.
type PresenceRegistry struct {
	mu     sync.Mutex
	byUser map[int64]Presence

	subSeq int
	subs   map[int64]map[int]func(Presence)
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		byUser: make(map[int64]Presence),
		subs:   make(map[int64]map[int]func(Presence)),
	}
}

// ApplySnapshot marks every listed user online. Users not listed are left
// untouched: absence means unknown.
func (r *PresenceRegistry) ApplySnapshot(onlineIDs []int64) {
	for _, id := range onlineIDs {
		if id == 0 {
			continue
		}
		r.mu.Lock()
		p := r.byUser[id]
		p.Online = true
		r.byUser[id] = p
		r.mu.Unlock()
		r.notify(id, p)
	}
}

// ApplyUpdate applies an incremental presence event. A nil lastSeenAt keeps
// the previously known value.
func (r *PresenceRegistry) ApplyUpdate(userID int64, online bool, lastSeenAt *time.Time) {
	if userID == 0 {
		return
	}
	r.mu.Lock()
	p := r.byUser[userID]
	p.Online = online
	if lastSeenAt != nil && !lastSeenAt.IsZero() {
		p.LastSeenAt = *lastSeenAt
	}
	r.byUser[userID] = p
	r.mu.Unlock()
	r.notify(userID, p)
}

// Get returns the tracked presence for a user. An unobserved user yields the
// zero value: offline with no last-seen timestamp.
func (r *PresenceRegistry) Get(userID int64) Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userID]
}

// Known reports whether any presence event has ever been observed for the
// user, distinguishing "never seen" from an explicit offline.
func (r *PresenceRegistry) Known(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[userID]
	return ok
}

// Subscribe delivers the user's current presence immediately, then again on
// every change. The returned disposer removes the subscription.
func (r *PresenceRegistry) Subscribe(userID int64, cb func(Presence)) func() {
	r.mu.Lock()
	r.subSeq++
	id := r.subSeq
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[int]func(Presence))
	}
	r.subs[userID][id] = cb
	cur := r.byUser[userID]
	r.mu.Unlock()

	cb(cur)
	return func() {
		r.mu.Lock()
		if set, ok := r.subs[userID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subs, userID)
			}
		}
		r.mu.Unlock()
	}
}

func (r *PresenceRegistry) notify(userID int64, p Presence) {
	r.mu.Lock()
	set := r.subs[userID]
	cbs := make([]func(Presence), 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
}
