// Package broker implements the UI-facing fan-out service. It mirrors
// session state from the daemon over the local socket, serves historical
// queries from the store, and pushes real-time updates to TCP and
// WebSocket clients.
package broker

import (
	"sort"
	"sync"

	"github.com/nkall/claudescope/internal/event"
)

// sessionCache is the broker's in-memory mirror of session metadata. It
// is seeded from the daemon's sessions push on connect and kept current
// by session_update pushes and local mutations.
type sessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*event.SessionMeta
}

func newSessionCache() *sessionCache {
	return &sessionCache{sessions: make(map[string]*event.SessionMeta)}
}

// Replace swaps the entire cache contents. Used on (re)connect.
func (c *sessionCache) Replace(metas []*event.SessionMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*event.SessionMeta, len(metas))
	for _, m := range metas {
		clone := *m
		c.sessions[m.SessionID] = &clone
	}
}

// Put upserts one session.
func (c *sessionCache) Put(m *event.SessionMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := *m
	c.sessions[m.SessionID] = &clone
}

// Get returns a copy of one session.
func (c *sessionCache) Get(sessionID string) (*event.SessionMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	clone := *m
	return &clone, true
}

// Delete removes one session.
func (c *sessionCache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// List returns sessions sorted by start time descending. Hidden sessions
// are excluded unless showHidden is set.
func (c *sessionCache) List(showHidden bool) []*event.SessionMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*event.SessionMeta, 0, len(c.sessions))
	for _, m := range c.sessions {
		if m.Hidden && !showHidden {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime > out[j].StartTime
	})
	return out
}

// Mutate applies fn to a cached session under the lock and returns a copy
// of the result. Returns false when the session is not cached.
func (c *sessionCache) Mutate(sessionID string, fn func(*event.SessionMeta)) (*event.SessionMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	fn(m)
	clone := *m
	return &clone, true
}

// All returns every cached session id.
func (c *sessionCache) All() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}
