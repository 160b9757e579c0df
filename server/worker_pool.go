package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openjproxy/ojp/rpc"
)

// WorkerPool bounds how many RPCs this Handler processes concurrently,
// adapted from the teacher's channel-backed goroutine pool: rpc.Listener
// already dispatches one goroutine per AMQP delivery (its own panic
// recovery included), so here the pool's job narrows to admission control
// — capping concurrent Dispatch work and recovering a panic that escapes
// the handler body into a classified error envelope instead of letting it
// reach the Listener's Ack/Nack logic mid-response.
type WorkerPool struct {
	sem     chan struct{}
	handler *Handler
	log     *zap.Logger

	mu      sync.RWMutex
	started bool
	active  int
}

// WorkerPoolConfig mirrors the teacher's sizing knobs. WorkerCount sizes
// the admission semaphore; QueueSize and Timeout are carried over but
// NewWorkerPool does not read them.
type WorkerPoolConfig struct {
	WorkerCount int
	QueueSize   int
	Timeout     time.Duration
}

func defaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{WorkerCount: 10, QueueSize: 100, Timeout: 30 * time.Second}
}

func NewWorkerPool(handler *Handler, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = defaultWorkerPoolConfig()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 10
	}
	return &WorkerPool{
		sem:     make(chan struct{}, config.WorkerCount),
		handler: handler,
		log:     handler.log,
	}
}

func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	wp.started = true
	return nil
}

// Stop waits up to timeout for in-flight work to drain, matching the
// teacher's graceful-shutdown contract.
func (wp *WorkerPool) Stop(timeout time.Duration) error {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return nil
	}
	wp.started = false
	wp.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wp.mu.RLock()
		active := wp.active
		wp.mu.RUnlock()
		if active == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("worker pool shutdown timeout")
}

// Run executes fn under the pool's concurrency cap, recovering any panic
// into a database-level error envelope rather than letting it propagate
// into rpc.Listener's delivery-handling goroutine.
func (wp *WorkerPool) Run(ctx context.Context, fn func(context.Context) rpc.Envelope) rpc.Envelope {
	select {
	case wp.sem <- struct{}{}:
	case <-ctx.Done():
		return errEnvelope("worker pool: " + ctx.Err().Error())
	}
	wp.mu.Lock()
	wp.active++
	wp.mu.Unlock()
	defer func() {
		<-wp.sem
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	var result rpc.Envelope
	func() {
		defer func() {
			if r := recover(); r != nil {
				if wp.log != nil {
					wp.log.Error("panic recovered in dispatch", zap.Any("panic", r))
				}
				result = errEnvelope(fmt.Sprintf("internal server error: %v", r))
			}
		}()
		result = fn(ctx)
	}()
	return result
}

// Stats reports current pool occupancy for monitoring.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return WorkerPoolStats{
		WorkerCount: cap(wp.sem),
		QueuedTasks: wp.active,
		IsRunning:   wp.started,
	}
}

type WorkerPoolStats struct {
	WorkerCount int
	QueuedTasks int
	IsRunning   bool
}
