package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/openjproxy/ojp/ojperrors"
	"github.com/openjproxy/ojp/rpc"
)

// HeartbeatManager runs one liveness probe per OJP server endpoint,
// generalizing the teacher's single-device HeartbeatManager (client
// /heartbeat.go) to the cluster setting (SPEC_FULL.md §5: "one
// heartbeat/reconnect state machine per server endpoint instead of one
// per process-wide connection"). A missed-heartbeat streak on an endpoint
// is classified through the same Error Classifier (C11) used for RPC
// failures, so "this endpoint is DOWN" has a single source of truth
// shared with MultinodeManager.Call.
type HeartbeatManager struct {
	mgr        *MultinodeManager
	clientUUID string
	interval   time.Duration
	timeout    time.Duration
	maxMissed  int

	mu       sync.Mutex
	missed   map[rpc.Endpoint]int
	running  bool
	stopChan chan struct{}
}

const (
	defaultHeartbeatTimeout   = 10 * time.Second
	defaultHeartbeatMaxMissed = 3
)

func NewHeartbeatManager(mgr *MultinodeManager, clientUUID string, interval time.Duration) *HeartbeatManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatManager{
		mgr:        mgr,
		clientUUID: clientUUID,
		interval:   interval,
		timeout:    defaultHeartbeatTimeout,
		maxMissed:  defaultHeartbeatMaxMissed,
		missed:     make(map[rpc.Endpoint]int),
		stopChan:   make(chan struct{}),
	}
}

// Start launches one ticking goroutine per endpoint.
func (hm *HeartbeatManager) Start() {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = true
	hm.mu.Unlock()

	for _, ep := range hm.mgr.Endpoints() {
		go hm.loop(ep)
	}
}

func (hm *HeartbeatManager) loop(ep rpc.Endpoint) {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-hm.stopChan:
			return
		case <-ticker.C:
			hm.probe(ep)
		}
	}
}

func (hm *HeartbeatManager) probe(ep rpc.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()

	conn, err := hm.mgr.connMgr.GetConnection()
	if err != nil {
		hm.recordMiss(ep, err)
		return
	}
	err = rpc.NewClient(conn).Ping(ctx, ep, hm.clientUUID)
	if err != nil {
		hm.recordMiss(ep, err)
		return
	}

	hm.mu.Lock()
	hm.missed[ep] = 0
	hm.mu.Unlock()
	hm.mgr.MarkHealthy(ep)
}

func (hm *HeartbeatManager) recordMiss(ep rpc.Endpoint, cause error) {
	hm.mu.Lock()
	hm.missed[ep]++
	count := hm.missed[ep]
	hm.mu.Unlock()

	log.Printf("[heartbeat] missed heartbeat #%d for %s: %v", count, ep, cause)

	if count >= hm.maxMissed && ojperrors.IsConnectionLevel(cause) {
		hm.mgr.MarkUnhealthy(ep, cause)
	}
}

// Stop halts every per-endpoint probe goroutine.
func (hm *HeartbeatManager) Stop() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.running {
		hm.running = false
		close(hm.stopChan)
	}
}
