// Package server implements the OJP statement service: the RPC-facing
// component (C7) that dispatches connect/execute/XA/terminate calls and
// wires together the pool coordinator (C4), session manager (C5), XA
// registry (C6), and cluster health tracker (C8) behind it.
package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/openjproxy/ojp/pool"
	"github.com/openjproxy/ojp/rpc"
)

// backendPool groups everything the statement service tracks for one
// connection hash: the data source(s) backing it and the requested sizing
// that fed the coordinator (spec.md §3 "Pool allocation").
type backendPool struct {
	mu   sync.Mutex
	ds   pool.DataSource
	xads pool.XADataSource
	isXA bool

	requestedMax     int
	requestedMinIdle int
}

// Handler is the statement service: one per OJP server process, one
// Listener per endpoint it exposes (spec.md §4.4). It owns the pool
// registry, coordinator, session manager, XA registry, and health tracker,
// constructed explicitly at startup rather than held as ambient globals
// (spec.md §9 "Global state").
type Handler struct {
	self Endpoint

	providers *pool.Registry

	mu    sync.RWMutex
	pools map[string]*backendPool // connection hash -> pool

	coordinator *PoolCoordinator
	sessions    *SessionManager
	xaRegistry  *XARegistry
	health      *HealthTracker
	xaSessions  *xaSessionStore
	localTx     *LocalTxManager
	heartbeats  *HeartbeatTracker

	workerPool  *WorkerPool
	rateLimiter *RateLimiter

	log *zap.Logger
}

// Endpoint is a type alias for rpc.Endpoint, used in this package's
// exported signatures; being an alias, it cannot drift from rpc.Endpoint.
type Endpoint = rpc.Endpoint

// NewHandler wires a statement service bound to self, the endpoint other
// servers and clients will address it by.
func NewHandler(self Endpoint, providers *pool.Registry, log *zap.Logger) *Handler {
	h := &Handler{
		self:        self,
		providers:   providers,
		pools:       make(map[string]*backendPool),
		coordinator: NewPoolCoordinator(),
		sessions:    NewSessionManager(),
		xaRegistry:  NewXARegistry().WithLogger(log),
		health:      NewHealthTracker(),
		xaSessions:  newXASessionStore(),
		localTx:     NewLocalTxManager(),
		heartbeats:  NewHeartbeatTracker(DefaultHeartbeatMaxAge),
		log:         log,
	}
	h.workerPool = NewWorkerPool(h, nil)
	h.rateLimiter = NewRateLimiter(DefaultRateLimiterConfig())
	return h
}
