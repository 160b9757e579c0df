package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// clientHeartbeat is the last time a given clientUUID was seen alive on
// this server, adapted from the teacher's ServerHeartbeatManager (keyed by
// clientIP) to the clientUUID identity this service uses throughout
// (spec.md §5 "heartbeat").
type clientHeartbeat struct {
	lastPing time.Time
}

// HeartbeatTracker is the server-side half of the liveness probe: it
// records the last ping from each client and can report which clients have
// gone stale, generalized from the teacher's per-device heartbeat manager
// to track every clientUUID this server instance has seen regardless of
// which session it's bound to.
type HeartbeatTracker struct {
	maxAge time.Duration

	mu      sync.RWMutex
	clients map[string]*clientHeartbeat
}

// DefaultHeartbeatMaxAge mirrors the teacher's MaxClientAge default.
const DefaultHeartbeatMaxAge = 3 * time.Minute

func NewHeartbeatTracker(maxAge time.Duration) *HeartbeatTracker {
	if maxAge <= 0 {
		maxAge = DefaultHeartbeatMaxAge
	}
	return &HeartbeatTracker{maxAge: maxAge, clients: make(map[string]*clientHeartbeat)}
}

func (t *HeartbeatTracker) touch(clientUUID string) {
	if clientUUID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[clientUUID]
	if !ok {
		c = &clientHeartbeat{}
		t.clients[clientUUID] = c
	}
	c.lastPing = time.Now()
}

// Stale returns every clientUUID whose last ping is older than maxAge,
// for a cleanup loop to act on (e.g. terminating that client's sessions).
func (t *HeartbeatTracker) Stale() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	var stale []string
	for id, c := range t.clients {
		if now.Sub(c.lastPing) > t.maxAge {
			stale = append(stale, id)
		}
	}
	return stale
}

// Forget drops a clientUUID from tracking, called once its sessions have
// been cleaned up.
func (t *HeartbeatTracker) Forget(clientUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, clientUUID)
}

// ActiveCount returns how many clients are currently tracked, used by
// monitoring.
func (t *HeartbeatTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// ClientReaper periodically terminates every session belonging to a client
// whose heartbeat has gone stale, so a client that disappears without
// calling terminate doesn't pin backend sessions forever (spec.md §5: the
// heartbeat is "the single source of truth for this endpoint is DOWN").
type ClientReaper struct {
	handler  *Handler
	interval time.Duration
	stopChan chan struct{}
}

func NewClientReaper(handler *Handler, interval time.Duration) *ClientReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ClientReaper{handler: handler, interval: interval, stopChan: make(chan struct{})}
}

func (r *ClientReaper) Start() {
	go r.loop()
}

func (r *ClientReaper) Stop() {
	close(r.stopChan)
}

func (r *ClientReaper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *ClientReaper) reapOnce() {
	for _, clientUUID := range r.handler.heartbeats.Stale() {
		for _, cs := range r.handler.sessions.SessionsForClient(clientUUID) {
			if err := r.handler.terminateSession(cs.SessionUUID, cs.IsXA); err != nil {
				r.handler.log.Warn("stale client session terminate failed", zap.String("sessionUUID", cs.SessionUUID), zap.Error(err))
			}
		}
		r.handler.heartbeats.Forget(clientUUID)
	}
}
