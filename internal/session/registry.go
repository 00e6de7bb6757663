package session

import (
	"sync"
	"time"
)

// Entry is the live, process-local state of one session. It is the freshness
// source of truth while the session runs; the persisted record may lag until
// the next background write.
type Entry struct {
	Status       Status
	LastActivity time.Time
	CommandCount int
	Cols         int
	Rows         int
	Environment  map[string]string
	Transport    Transport
}

func (e *Entry) clone() Entry {
	c := *e
	if e.Environment != nil {
		c.Environment = make(map[string]string, len(e.Environment))
		for k, v := range e.Environment {
			c.Environment[k] = v
		}
	}
	return c
}

// Registry tracks live session state, keyed by session ID. Nothing here is
// durable: a process restart starts with an empty registry and the cleanup
// sweep reconciles the orphaned persisted records.
//
// All mutations go through methods holding the registry lock, so concurrent
// create/update/terminate/health calls never lose updates.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Insert adds or replaces the entry for a session.
func (r *Registry) Insert(id string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.LastActivity.IsZero() {
		e.LastActivity = time.Now()
	}
	r.entries[id] = &e
}

// Get returns a copy of the entry. The transport handle is shared; everything
// else is detached from the registry's own state.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Update applies fn to the entry under the lock. Returns false if the
// session has no live entry.
func (r *Registry) Update(id string, fn func(*Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Touch bumps the activity timestamp and optionally the command counter.
func (r *Registry) Touch(id string, ranCommand bool) bool {
	return r.Update(id, func(e *Entry) {
		e.LastActivity = time.Now()
		if ranCommand {
			e.CommandCount++
		}
	})
}

// Remove deletes the entry and returns its transport (nil if none) so the
// caller can tear it down outside the lock. Removing a missing entry is a
// no-op, which keeps terminate idempotent.
func (r *Registry) Remove(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.Transport, true
}

// IDs returns the ids of all live entries.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
