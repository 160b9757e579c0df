package server

import "sync"

// HealthTracker is C8: a per-connection-hash last-seen clusterHealth
// string with a CAS-style change check (spec.md §4.6).
type HealthTracker struct {
	mu      sync.Mutex
	lastSeen map[string]string
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{lastSeen: make(map[string]string)}
}

// HasChanged compares newHealth against the last value recorded for hash
// and swaps it in, returning true whenever newHealth differs from the last
// recorded value, so a repeated value returns false (spec.md §8 invariant
// 4: "called twice with the same s returns true then false").
func (t *HealthTracker) HasChanged(hash, newHealth string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSeen[hash] == newHealth {
		return false
	}
	t.lastSeen[hash] = newHealth
	return true
}
