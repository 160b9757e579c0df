package client

import (
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReconnectConfig holds configuration for automatic reconnection behavior
// of the shared AMQP broker connection. Unchanged in shape from the
// teacher (client/reconnect.go) — the broker connection is still a single
// process-wide resource even though a multinode client now addresses many
// OJP server endpoints over it (SPEC_FULL.md §5: "one heartbeat/reconnect
// state machine per server endpoint" governs per-endpoint health, not the
// shared transport).
type ReconnectConfig struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	ResetInterval     time.Duration
}

func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		Enabled:           true,
		MaxAttempts:       10,
		InitialInterval:   1 * time.Second,
		MaxInterval:       60 * time.Second,
		BackoffMultiplier: 2.0,
		ResetInterval:     5 * time.Minute,
	}
}

// ConnectionManager handles automatic reconnection for the AMQP broker
// connection a MultinodeManager issues RPCs over, adapted from the
// teacher's device-scoped ConnectionManager to a DSNConfig that describes
// a cluster of OJP endpoints rather than one device.
type ConnectionManager struct {
	config  *ReconnectConfig
	dsn     *DSNConfig
	conn    *amqp.Connection

	mutex         sync.RWMutex
	isConnected   bool
	lastConnected time.Time
	attempts      int
	nextInterval  time.Duration
	lastError     error

	onConnected    func()
	onDisconnected func(error)
}

func NewConnectionManager(dsn *DSNConfig, config *ReconnectConfig) *ConnectionManager {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	return &ConnectionManager{
		config:       config,
		dsn:          dsn,
		nextInterval: config.InitialInterval,
	}
}

func (cm *ConnectionManager) Connect() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return cm.doConnect()
}

func (cm *ConnectionManager) doConnect() error {
	conn, err := amqp.Dial(cm.dsn.AMQPURL)
	if err != nil {
		cm.lastError = err
		if cm.config.Enabled {
			cm.logf("connection failed, will retry: %v", err)
		}
		return err
	}

	cm.conn = conn
	cm.isConnected = true
	cm.lastConnected = time.Now()
	cm.attempts = 0
	cm.nextInterval = cm.config.InitialInterval
	cm.lastError = nil

	if cm.config.Enabled {
		go cm.monitorConnection()
	}
	if cm.onConnected != nil {
		go cm.onConnected()
	}

	cm.logf("connected to RabbitMQ %s", cm.dsn.AMQPURL)
	return nil
}

func (cm *ConnectionManager) monitorConnection() {
	if cm.conn == nil {
		return
	}
	closeErr := <-cm.conn.NotifyClose(make(chan *amqp.Error))

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if !cm.isConnected {
		return
	}
	cm.isConnected = false
	cm.conn = nil

	var err error
	if closeErr != nil {
		err = fmt.Errorf("connection lost: %v", closeErr)
	} else {
		err = fmt.Errorf("connection closed unexpectedly")
	}
	cm.lastError = err
	cm.logf("connection lost: %v", err)

	if cm.onDisconnected != nil {
		go cm.onDisconnected(err)
	}
	if cm.config.Enabled {
		go cm.reconnectLoop()
	}
}

func (cm *ConnectionManager) reconnectLoop() {
	for {
		if cm.config.MaxAttempts > 0 && cm.attempts >= cm.config.MaxAttempts {
			cm.logf("maximum reconnection attempts (%d) reached, giving up", cm.config.MaxAttempts)
			return
		}

		time.Sleep(cm.nextInterval)

		cm.mutex.Lock()
		if cm.isConnected {
			cm.mutex.Unlock()
			return
		}

		cm.attempts++
		cm.logf("reconnection attempt %d/%d", cm.attempts, cm.config.MaxAttempts)

		err := cm.doConnect()
		if err == nil {
			cm.mutex.Unlock()
			cm.logf("reconnection successful after %d attempts", cm.attempts)
			return
		}

		cm.nextInterval = time.Duration(float64(cm.nextInterval) * cm.config.BackoffMultiplier)
		if cm.nextInterval > cm.config.MaxInterval {
			cm.nextInterval = cm.config.MaxInterval
		}
		cm.mutex.Unlock()
		cm.logf("reconnection attempt %d failed: %v, next attempt in %v", cm.attempts, err, cm.nextInterval)
	}
}

// GetConnection returns the current broker connection, or an error if
// disconnected. MultinodeManager.Call resolves a fresh *rpc.Client around
// whatever this returns on every call, so a reconnect mid-session is
// transparent to the caller.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	if cm.isConnected && cm.conn != nil {
		return cm.conn, nil
	}
	if cm.lastError != nil {
		return nil, fmt.Errorf("not connected: %w", cm.lastError)
	}
	return nil, fmt.Errorf("not connected")
}

func (cm *ConnectionManager) IsConnected() bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.isConnected
}

func (cm *ConnectionManager) Close() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

func (cm *ConnectionManager) SetCallbacks(onConnected func(), onDisconnected func(error)) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.onConnected = onConnected
	cm.onDisconnected = onDisconnected
}

// ConnectionStats reports broker-connection health for diagnostics.
type ConnectionStats struct {
	IsConnected     bool
	LastConnected   time.Time
	Uptime          time.Duration
	ReconnectCount  int
	LastError       error
	NextReconnectIn time.Duration
}

func (cm *ConnectionManager) GetStats() ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var uptime time.Duration
	if cm.isConnected {
		uptime = time.Since(cm.lastConnected)
	}
	return ConnectionStats{
		IsConnected:     cm.isConnected,
		LastConnected:   cm.lastConnected,
		Uptime:          uptime,
		ReconnectCount:  cm.attempts,
		LastError:       cm.lastError,
		NextReconnectIn: cm.nextInterval,
	}
}

func (cm *ConnectionManager) logf(format string, args ...interface{}) {
	if cm.dsn != nil && cm.dsn.Debug {
		log.Printf("[reconnect] "+format, args...)
	}
}
