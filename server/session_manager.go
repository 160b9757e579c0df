package server

import (
	"sync"

	"github.com/openjproxy/ojp/pool"
)

// boundSession is what the session manager tracks for one session UUID
// (spec.md §3 "Session"): which connection hash it belongs to, whether
// it's XA, and the backend session it currently owns. For XA sessions
// session is a sessionAdapter whose Close does nothing; the XASession
// itself is kept in Handler.xaSessions and, once a branch starts, in the XA
// registry, since its release is governed by the dual-condition lifecycle
// (spec.md §4.7) rather than by terminateSession alone.
type boundSession struct {
	connHash   string
	isXA       bool
	session    pool.Session
	clientUUID string
}

// SessionManager is C5: a UUID-keyed store of bound backend sessions, with
// a single lifecycle hook (Terminate) that releases the backend session
// back to its pool for non-XA sessions. XA sessions are handled by
// XARegistry.Terminate instead, called from the same RPC.
type SessionManager struct {
	mu   sync.RWMutex
	byID map[string]*boundSession
}

func NewSessionManager() *SessionManager {
	return &SessionManager{byID: make(map[string]*boundSession)}
}

func (m *SessionManager) Register(sessionUUID, connHash string, isXA bool, s pool.Session, clientUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[sessionUUID] = &boundSession{connHash: connHash, isXA: isXA, session: s, clientUUID: clientUUID}
}

func (m *SessionManager) Get(sessionUUID string) (pool.Session, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byID[sessionUUID]
	if !ok {
		return nil, "", false
	}
	return b.session, b.connHash, true
}

// Terminate removes sessionUUID from the registry and, for non-XA
// sessions, returns the backend session to its pool. XA sessions are left
// for the caller to hand to XARegistry.Terminate, which implements the
// dual-condition release (spec.md §4.7).
func (m *SessionManager) Terminate(sessionUUID string) error {
	m.mu.Lock()
	b, ok := m.byID[sessionUUID]
	if ok {
		delete(m.byID, sessionUUID)
	}
	m.mu.Unlock()

	if !ok || b.isXA || b.session == nil {
		return nil
	}
	return b.session.Close()
}

// Count returns the number of currently bound sessions, used by
// monitoring.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// ClientSession is what the heartbeat reaper needs to terminate one of a
// stale client's bound sessions.
type ClientSession struct {
	SessionUUID string
	IsXA        bool
}

// SessionsForClient lists every session currently bound under clientUUID,
// used by the heartbeat reaper to find what to terminate when a client goes
// stale.
func (m *SessionManager) SessionsForClient(clientUUID string) []ClientSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ClientSession
	for id, b := range m.byID {
		if b.clientUUID == clientUUID {
			out = append(out, ClientSession{SessionUUID: id, IsXA: b.isXA})
		}
	}
	return out
}

// BoundUUIDs lists every currently bound session UUID, used to populate the
// diagnostic ojperrors.ErrSessionNotBound produces (spec.md §4.1).
func (m *SessionManager) BoundUUIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, id)
	}
	return out
}
