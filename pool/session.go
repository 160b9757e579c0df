package pool

import (
	"context"
	"database/sql"

	"github.com/openjproxy/ojp/xa"
)

// Session wraps one physical, non-XA database connection (spec.md §4.8).
// The pool borrows a Session, the server's session manager binds it to
// exactly one logical session, and returns it via Close when the logical
// session terminates.
type Session interface {
	Conn() *sql.Conn
	Close() error
}

// XAResource is the per-connection driver of the branch state machine
// (spec.md §4.7): it issues the vendor XA SQL or protocol calls a backend
// session needs to participate in a distributed transaction. Providers
// implement this directly against their driver instead of reflecting over
// a vendor XADataSource class, since Go has no analogue of Java's
// XAResource interface to reflect against (see DESIGN.md).
type XAResource interface {
	Start(ctx context.Context, xid xa.Xid, flags xa.Flag) error
	End(ctx context.Context, xid xa.Xid, flags xa.Flag) error
	Prepare(ctx context.Context, xid xa.Xid) error
	Commit(ctx context.Context, xid xa.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid xa.Xid) error
	Forget(ctx context.Context, xid xa.Xid) error
	Recover(ctx context.Context) ([]xa.Xid, error)
}

// XASession wraps one physical connection plus its XAResource (spec.md
// §4.8). Hibernate implements the post-transaction reset described in
// spec.md §4.7: close the current logical connection and open a fresh one,
// restoring the backend session to IDLE without destroying the pooled
// physical connection.
type XASession interface {
	Conn() *sql.Conn
	XAResource() XAResource
	Hibernate(ctx context.Context) error
	Close() error
}

// PassiveFactory groups the pool lifecycle hooks spec.md §4.8 calls out by
// name (makeObject/passivateObject/destroyObject), so a provider's borrow
// pool can be built around them regardless of which third-party pooling
// library backs it.
type PassiveFactory interface {
	MakeObject(ctx context.Context) (Session, error)
	PassivateObject(ctx context.Context, s Session) error
	DestroyObject(s Session) error
}
