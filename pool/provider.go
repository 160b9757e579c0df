// Package pool defines the pluggable connection-pool SPI (spec.md §4.9) and
// the backend session abstraction (spec.md §4.8) that the server's session
// and XA registries borrow from and return to. Concrete providers live in
// subpackages (mysqlxa, pgxprovider); this package only knows the
// interfaces and the HikariCP-style sizing record shared by every pool.
package pool

import (
	"context"
	"time"
)

// Config is the structured record for pool-config-affecting URL properties
// (spec.md §6, §9 "Config objects"). Unknown keys are ignored with a
// warning by the caller that parses raw properties into this struct;
// Config itself carries only the recognized, pool-affecting fields.
type Config struct {
	URL               string
	User              string
	Password          string
	MaximumPoolSize   int
	MinimumIdle       int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	AutoCommit        bool
	ValidationQuery   string
}

// Stats mirrors the HikariCP-style pool statistics surface every provider
// must expose (spec.md §4.9 getStatistics).
type Stats struct {
	Active  int
	Idle    int
	Total   int
	Pending int
	Max     int
}

// DataSource is the opaque handle a provider returns from Create and later
// borrows connections from. Regular and XA providers each produce their own
// concrete type satisfying this interface.
type DataSource interface {
	// Borrow acquires one physical connection, blocking until one is free
	// or ctx is done. The shipped providers do not apply
	// Config.ConnectionTimeout to a borrow, and they return a ctx timeout
	// as a plain wrapped error (classified database-level), not as a
	// pool-exhaustion error.
	Borrow(ctx context.Context) (Session, error)
	Stats() Stats
	Close() error
}

// Resizable is implemented by data sources that can apply a new
// max-pool-size/min-idle pair to an already-open pool without recreating
// it, the mechanism the pool coordinator (spec.md §4.5) uses to rebalance
// live pools on cluster-health transitions.
type Resizable interface {
	SetLimits(maxPoolSize, minIdle int)
}

// Provider is the regular (non-XA) pool SPI (spec.md §4.9).
type Provider interface {
	ID() string
	Create(cfg Config) (DataSource, error)
	Priority() int
	Available() bool
}

// XADataSource is the XA counterpart of DataSource: it produces XASession
// values whose XAResource participates in the branch state machine owned
// by the server's transaction registry.
type XADataSource interface {
	BorrowXA(ctx context.Context) (XASession, error)
	Stats() Stats
	Close() error
}

// XAProvider is the XA pool SPI (spec.md §4.9). SupportsDatabase lets a
// server prefer a database-specific XA provider over a generic fallback
// without either side needing a compile-time reference to the other.
type XAProvider interface {
	ID() string
	CreateXA(cfg Config) (XADataSource, error)
	Priority() int
	Available() bool
	SupportsDatabase(url, driver string) bool
}

// Registry resolves the best available provider for a connection, trying
// XA-specific providers before generic ones and breaking ties by Priority
// (higher wins). It is a process-wide singleton constructed at startup and
// passed in explicitly (spec.md §9 "Global state"), never an ambient global.
type Registry struct {
	providers   []Provider
	xaProviders []XAProvider
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
}

func (r *Registry) RegisterXA(p XAProvider) {
	r.xaProviders = append(r.xaProviders, p)
}

// Select returns the highest-priority available regular provider.
func (r *Registry) Select() Provider {
	var best Provider
	for _, p := range r.providers {
		if !p.Available() {
			continue
		}
		if best == nil || p.Priority() > best.Priority() {
			best = p
		}
	}
	return best
}

// SelectXA returns the highest-priority available XA provider that claims
// to support url/driver, falling back to any available XA provider if none
// declares explicit support.
func (r *Registry) SelectXA(url, driver string) XAProvider {
	var best, bestGeneric XAProvider
	for _, p := range r.xaProviders {
		if !p.Available() {
			continue
		}
		if p.SupportsDatabase(url, driver) {
			if best == nil || p.Priority() > best.Priority() {
				best = p
			}
		}
		if bestGeneric == nil || p.Priority() > bestGeneric.Priority() {
			bestGeneric = p
		}
	}
	if best != nil {
		return best
	}
	return bestGeneric
}
