package client

import (
	"fmt"
	"sync"

	"github.com/openjproxy/ojp/rpc"
)

// SessionTracker is the append-only-per-lifetime sessionUUID -> endpoint
// registry spec.md §4.3 (C10) requires: every binding a multinode client
// makes goes through here, so diagnostic dumps like
// ErrSessionNotBound's "available bound sessions" list are authoritative
// rather than reconstructed ad hoc at each call site.
type SessionTracker struct {
	mu     sync.RWMutex
	byUUID map[string]rpc.Endpoint
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{byUUID: make(map[string]rpc.Endpoint)}
}

// Bind records sessionUUID as bound to ep. Once bound, spec.md §4.1 routing
// rule 1 says the binding never changes mid-session — callers never call
// Bind twice for the same sessionUUID.
func (t *SessionTracker) Bind(sessionUUID string, ep rpc.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byUUID[sessionUUID] = ep
}

// Lookup returns the endpoint sessionUUID is bound to, if any.
func (t *SessionTracker) Lookup(sessionUUID string) (rpc.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.byUUID[sessionUUID]
	return ep, ok
}

// Unregister removes a binding on session termination.
func (t *SessionTracker) Unregister(sessionUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byUUID, sessionUUID)
}

// BoundUUIDs lists every currently bound session, used to build the
// diagnostic surfaced by ojperrors.ErrSessionNotBound.
func (t *SessionTracker) BoundUUIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byUUID))
	for id := range t.byUUID {
		out = append(out, id)
	}
	return out
}

// String renders the binding table for debug logging.
func (t *SessionTracker) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("%d bound sessions", len(t.byUUID))
}
