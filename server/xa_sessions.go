package server

import (
	"sync"

	"github.com/openjproxy/ojp/pool"
)

// xaSessionStore holds the live pool.XASession behind each XA session UUID,
// separately from SessionManager's generic pool.Session bookkeeping, since
// xaStart/xaRecover need the full XASession (for its XAResource and
// Hibernate) rather than just a *sql.Conn (spec.md §4.7, §4.8).
type xaSessionStore struct {
	mu   sync.RWMutex
	byID map[string]pool.XASession
}

func newXASessionStore() *xaSessionStore {
	return &xaSessionStore{byID: make(map[string]pool.XASession)}
}

func (s *xaSessionStore) store(sessionUUID string, sess pool.XASession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sessionUUID] = sess
}

func (s *xaSessionStore) load(sessionUUID string) (pool.XASession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[sessionUUID]
	return sess, ok
}

func (s *xaSessionStore) delete(sessionUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, sessionUUID)
}
