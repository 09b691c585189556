package jingle

import "sync"

// AckTracker holds the ids of outgoing requests still waiting for a
// result or error. A session's entries are dropped when it ends.
//
// Thread-safe for concurrent access.
type AckTracker struct {
	ids map[string]struct{}

	mu sync.Mutex
}

// NewAckTracker creates an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{ids: make(map[string]struct{})}
}

// Add records an id awaiting acknowledgment.
func (t *AckTracker) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[id] = struct{}{}
}

// Remove deletes an id. It returns false when the id was not outstanding,
// so duplicate acknowledgments are no-ops.
func (t *AckTracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	return true
}

// Count returns the number of outstanding ids.
func (t *AckTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

// Clear removes all entries. Used when the session ends.
func (t *AckTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.ids {
		delete(t.ids, id)
	}
}
