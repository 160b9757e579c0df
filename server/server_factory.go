package server

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/openjproxy/ojp/pool"
	"github.com/openjproxy/ojp/pool/mysqlxa"
	"github.com/openjproxy/ojp/pool/pgxprovider"
	"github.com/openjproxy/ojp/rpc"
)

// ServerFactory builds a fully wired statement service from a ServerConfig,
// mirroring the teacher's ServerFactory but resolving a pool.Registry
// (spec.md §4.9) instead of hardwiring a single MySQL DSN.
type ServerFactory struct {
	config *ServerConfig
	log    *zap.Logger
}

func NewServerFactory(config *ServerConfig, log *zap.Logger) *ServerFactory {
	return &ServerFactory{config: config, log: log}
}

// buildRegistry registers every pool provider this build knows about. Both
// providers are always registered for regular pools, and mysqlxa also for
// XA pools. Registry.Select picks by priority alone and does not look at the
// backend driver, so mysqlxa (priority 100) serves every non-XA connect
// while it is available; Registry.SelectXA prefers an XA provider whose
// SupportsDatabase accepts the client's "driver" property.
func buildRegistry() *pool.Registry {
	registry := pool.NewRegistry()
	registry.Register(mysqlxa.New())
	registry.RegisterXA(mysqlxa.New())
	registry.Register(pgxprovider.New())
	return registry
}

// CreateServer builds the Handler, its Listener, its MonitoringManager, and
// its background reapers (transaction cleanup, stale-client cleanup),
// connected to the broker but not yet serving.
func (sf *ServerFactory) CreateServer(ctx context.Context) (*Handler, *rpc.Listener, *MonitoringManager, *TransactionReaper, *ClientReaper, error) {
	amqpConn, err := amqp.Dial(sf.config.AMQPURL)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("dial amqp: %w", err)
	}

	self := rpc.Endpoint{Host: sf.config.Host, Port: sf.config.Port}
	handler := NewHandler(self, buildRegistry(), sf.log)
	handler.rateLimiter = NewRateLimiter(sf.config.ToRateLimiterConfig())
	handler.workerPool = NewWorkerPool(handler, sf.config.ToWorkerPoolConfig())
	handler.heartbeats = NewHeartbeatTracker(sf.config.HeartbeatMaxClientAge)

	listener, err := rpc.NewListener(amqpConn, self, sf.log)
	if err != nil {
		amqpConn.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("create listener: %w", err)
	}

	var monitoring *MonitoringManager
	if sf.config.MonitoringEnabled {
		monitoring = NewMonitoringManager(handler, sf.config.MonitoringInterval, sf.log)
	}

	txReaper := NewTransactionReaper(handler.localTx, sf.config.TransactionMaxAge)
	clientReaper := NewClientReaper(handler, sf.config.HeartbeatMaxClientAge)

	return handler, listener, monitoring, txReaper, clientReaper, nil
}

// StartServer creates and serves a complete server, blocking until ctx is
// cancelled.
func (sf *ServerFactory) StartServer(ctx context.Context) error {
	handler, listener, monitoring, txReaper, clientReaper, err := sf.CreateServer(ctx)
	if err != nil {
		return err
	}
	defer listener.Close()

	if monitoring != nil {
		monitoring.Start()
		defer monitoring.Stop()
	}
	txReaper.Start()
	defer txReaper.Stop()
	clientReaper.Start()
	defer clientReaper.Stop()

	sf.log.Info("statement service starting",
		zap.String("endpoint", handler.self.String()),
		zap.String("backendDriver", sf.config.BackendDriver),
	)
	return handler.Serve(ctx, listener)
}

// StartServerWithDefaults loads configuration from flags/env and starts a
// server, the entrypoint cmd/ojp-server/main.go calls.
func StartServerWithDefaults(ctx context.Context, log *zap.Logger) error {
	config := LoadConfigFromFlags()
	factory := NewServerFactory(config, log)
	return factory.StartServer(ctx)
}
