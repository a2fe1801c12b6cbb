package chatsync

import (
	"sort"
	"sync"
)

// PresenceTracker holds the set of peers currently online. Membership is the
// only thing it answers; there is no ordering or history.
type PresenceTracker struct {
	mu      sync.RWMutex
	online  map[string]struct{}
	metrics *Metrics
}

// NewPresenceTracker creates an empty tracker. m may be nil.
func NewPresenceTracker(m *Metrics) *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{}), metrics: m}
}

// ReplaceAll swaps the whole set for a snapshot.
func (p *PresenceTracker) ReplaceAll(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	p.mu.Lock()
	p.online = next
	n := len(p.online)
	p.mu.Unlock()
	p.metrics.onlinePeers(n)
}

// Add marks id online.
func (p *PresenceTracker) Add(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	p.online[id] = struct{}{}
	n := len(p.online)
	p.mu.Unlock()
	p.metrics.onlinePeers(n)
}

// Remove marks id offline.
func (p *PresenceTracker) Remove(id string) {
	p.mu.Lock()
	delete(p.online, id)
	n := len(p.online)
	p.mu.Unlock()
	p.metrics.onlinePeers(n)
}

// Clear empties the set; used when the local session disconnects.
func (p *PresenceTracker) Clear() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
	p.metrics.onlinePeers(0)
}

// IsOnline reports whether id is online.
func (p *PresenceTracker) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[id]
	return ok
}

// Online returns the online ids in lexical order.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}
