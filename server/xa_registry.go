package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openjproxy/ojp/pool"
	"github.com/openjproxy/ojp/xa"
)

// branch pairs a transaction context with the backend XA session it runs
// against (spec.md §4.7).
type branch struct {
	ctx     *xa.Context
	backend pool.XASession
}

// XARegistry is C6: per-connection-hash branch tracking, the dual-condition
// backend session release rule, and post-transaction hibernation.
type XARegistry struct {
	mu     sync.Mutex
	byHash map[string]map[xa.XidKey]*branch
	// terminated records sessions that have already received
	// terminateSession, keyed by hash then sessionUUID, so Commit/Rollback
	// can release immediately when termination arrived first (spec.md §8
	// invariant 6: "in either order").
	terminated map[string]map[string]bool
	log        *zap.Logger
}

func NewXARegistry() *XARegistry {
	return &XARegistry{
		byHash:     make(map[string]map[xa.XidKey]*branch),
		terminated: make(map[string]map[string]bool),
	}
}

// WithLogger attaches a logger used for best-effort hibernation failures
// (spec.md §4.7 "best-effort ... failure is logged but does not
// propagate"). Optional — a nil logger simply drops those messages.
func (r *XARegistry) WithLogger(log *zap.Logger) *XARegistry {
	r.log = log
	return r
}

func (r *XARegistry) branches(hash string) map[xa.XidKey]*branch {
	m, ok := r.byHash[hash]
	if !ok {
		m = make(map[xa.XidKey]*branch)
		r.byHash[hash] = m
	}
	return m
}

// Start implements xaStart: TMNOFLAGS registers a brand new branch bound to
// backend; TMJOIN/TMRESUME re-enter an existing ENDED branch (spec.md §4.7
// "Registration paths").
func (r *XARegistry) Start(hash string, xid xa.Xid, sessionUUID string, backend pool.XASession, flags xa.Flag) error {
	key := xid.Key()

	r.mu.Lock()
	m := r.branches(hash)
	b, exists := m[key]
	r.mu.Unlock()

	if flags == xa.TMNOFLAGS {
		if exists {
			return &xa.ProtocolError{Xid: key, From: b.ctx.State, Op: "xaStart(TMNOFLAGS) on existing branch"}
		}
		ctx, err := xa.NewContext(key, sessionUUID, flags)
		if err != nil {
			return err
		}
		r.mu.Lock()
		m[key] = &branch{ctx: ctx, backend: backend}
		r.mu.Unlock()
	} else {
		if !exists {
			return &xa.ProtocolError{Xid: key, From: xa.StateNonexistent, Op: "xaStart(JOIN/RESUME) on missing branch"}
		}
		if err := b.ctx.Join(flags); err != nil {
			return err
		}
		b.backend = backend
	}

	return backend.XAResource().Start(context.Background(), xid, flags)
}

func (r *XARegistry) lookup(hash string, key xa.XidKey) (*branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.branches(hash)
	b, ok := m[key]
	if !ok {
		return nil, &xa.ProtocolError{Xid: key, From: xa.StateNonexistent, Op: "lookup"}
	}
	return b, nil
}

func (r *XARegistry) End(hash string, xid xa.Xid, flags xa.Flag) error {
	key := xid.Key()
	b, err := r.lookup(hash, key)
	if err != nil {
		return err
	}
	if err := b.ctx.End(flags); err != nil {
		return err
	}
	return b.backend.XAResource().End(context.Background(), xid, flags)
}

func (r *XARegistry) Prepare(hash string, xid xa.Xid) error {
	key := xid.Key()
	b, err := r.lookup(hash, key)
	if err != nil {
		return err
	}
	if err := b.ctx.Prepare(); err != nil {
		return err
	}
	return b.backend.XAResource().Prepare(context.Background(), xid)
}

// Commit implements xaCommit. On success the branch's transactionComplete
// flag is set; the branch is removed and its backend session released
// immediately if the owning session was already terminated, otherwise it
// stays in the map for Terminate to release later (spec.md §4.7
// "Dual-condition lifecycle").
func (r *XARegistry) Commit(hash string, xid xa.Xid, onePhase bool) error {
	key := xid.Key()
	b, err := r.lookup(hash, key)
	if err != nil {
		return err
	}
	if err := b.ctx.Commit(onePhase); err != nil {
		return err
	}
	if err := b.backend.XAResource().Commit(context.Background(), xid, onePhase); err != nil {
		return err
	}
	r.hibernate(b)
	return r.completeAndMaybeRelease(hash, key, b)
}

func (r *XARegistry) Rollback(hash string, xid xa.Xid) error {
	key := xid.Key()
	b, err := r.lookup(hash, key)
	if err != nil {
		return err
	}
	if err := b.ctx.Rollback(); err != nil {
		return err
	}
	if err := b.backend.XAResource().Rollback(context.Background(), xid); err != nil {
		return err
	}
	r.hibernate(b)
	return r.completeAndMaybeRelease(hash, key, b)
}

// completeAndMaybeRelease is the transaction-completion half of the
// dual-condition check: if sessionUUID's terminateSession already arrived,
// release the backend session now; otherwise leave the branch in place for
// Terminate to find.
func (r *XARegistry) completeAndMaybeRelease(hash string, key xa.XidKey, b *branch) error {
	r.mu.Lock()
	alreadyTerminated := r.terminated[hash] != nil && r.terminated[hash][b.ctx.OwningSessionUUID]
	if alreadyTerminated {
		delete(r.branches(hash), key)
	}
	r.mu.Unlock()

	if !alreadyTerminated {
		return nil
	}
	if err := b.backend.Close(); err != nil {
		return fmt.Errorf("xa registry: release backend session: %w", err)
	}
	return nil
}

func (r *XARegistry) Forget(hash string, xid xa.Xid) error {
	b, err := r.lookup(hash, xid.Key())
	if err != nil {
		return err
	}
	return b.backend.XAResource().Forget(context.Background(), xid)
}

func (r *XARegistry) Recover(hash string, backend pool.XASession) ([]xa.Xid, error) {
	return backend.XAResource().Recover(context.Background())
}

// Count returns the total number of branches currently tracked across every
// connection hash, used by monitoring to report registry size.
func (r *XARegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.byHash {
		n += len(m)
	}
	return n
}

// hibernate resets the backend session to IDLE immediately after a
// terminal transaction event, before any future xaStart can reach it
// (spec.md §4.7 "Hibernation"). Best-effort: failures are logged, never
// surfaced, since the commit/rollback result itself already succeeded.
func (r *XARegistry) hibernate(b *branch) {
	if err := b.backend.Hibernate(context.Background()); err != nil && r.log != nil {
		r.log.Warn("xa hibernation failed", zap.Error(err), zap.String("xid", b.ctx.Xid.String()))
	}
}

// Terminate implements the owning-session half of the dual-condition
// release: it records that sessionUUID has terminated, then scans hash's
// branches for ones owned by sessionUUID whose transaction has already
// completed, removing them and returning their backend sessions to the
// pool. Branches whose transaction has not yet completed are left in
// place — completeAndMaybeRelease checks the same record when a later
// Commit/Rollback finishes them (spec.md §8 invariant 6: "in either
// order").
func (r *XARegistry) Terminate(hash, sessionUUID string) error {
	r.mu.Lock()
	if r.terminated[hash] == nil {
		r.terminated[hash] = make(map[string]bool)
	}
	r.terminated[hash][sessionUUID] = true

	m := r.branches(hash)
	var toRelease []*branch
	for key, b := range m {
		if b.ctx.OwningSessionUUID != sessionUUID {
			continue
		}
		if b.ctx.TransactionComplete {
			delete(m, key)
			toRelease = append(toRelease, b)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, b := range toRelease {
		if err := b.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("xa registry: release backend session: %w", err)
		}
	}
	return firstErr
}
