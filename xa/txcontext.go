package xa

import "fmt"

// Flag mirrors the JTA XAResource flag constants clients pass to
// xaStart/xaEnd/xaCommit (spec.md §4.7).
type Flag int32

const (
	TMNOFLAGS  Flag = 0x00000000
	TMJOIN     Flag = 0x00200000
	TMRESUME   Flag = 0x08000000
	TMSUCCESS  Flag = 0x04000000
	TMFAIL     Flag = 0x20000000
	TMSUSPEND  Flag = 0x02000000
	TMONEPHASE Flag = 0x40000000
)

// State is the tagged variant a transaction context moves through. Modeled
// as an enum rather than a class hierarchy (spec.md §9 "XA branches as
// tagged states, not inheritance hierarchies").
type State int

const (
	StateNonexistent State = iota
	StateActive
	StateEnded
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLEDBACK"
	default:
		return "NONEXISTENT"
	}
}

// ProtocolError reports an inadmissible state transition (spec.md §4.7).
type ProtocolError struct {
	Xid  XidKey
	From State
	Op   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("xa protocol error: cannot %s branch %s in state %s", e.Op, e.Xid, e.From)
}

// Context is the server-side per-branch transaction context (spec.md §3
// "Transaction context (server, per branch)").
type Context struct {
	Xid                 XidKey
	OwningSessionUUID   string
	State               State
	TransactionComplete bool
}

// NewContext creates a branch context freshly started with TMNOFLAGS. Only
// TMNOFLAGS may register a brand new context (spec.md §4.7 "Registration
// paths"); TMJOIN/TMRESUME must target an existing one via Join/Resume.
func NewContext(xid XidKey, sessionUUID string, flags Flag) (*Context, error) {
	if flags != TMNOFLAGS {
		return nil, &ProtocolError{Xid: xid, From: StateNonexistent, Op: "xaStart(non-TMNOFLAGS) on new branch"}
	}
	return &Context{Xid: xid, OwningSessionUUID: sessionUUID, State: StateActive}, nil
}

// Join transitions an ENDED context back to ACTIVE for TMJOIN/TMRESUME.
func (c *Context) Join(flags Flag) error {
	if flags != TMJOIN && flags != TMRESUME {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaStart with unsupported flags"}
	}
	if c.State != StateEnded {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: fmt.Sprintf("xaStart(%v)", flags)}
	}
	c.State = StateActive
	return nil
}

// End transitions ACTIVE -> ENDED on xaEnd(TMSUCCESS|TMFAIL|TMSUSPEND).
func (c *Context) End(flags Flag) error {
	if flags != TMSUCCESS && flags != TMFAIL && flags != TMSUSPEND {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaEnd with unsupported flags"}
	}
	if c.State != StateActive {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaEnd"}
	}
	c.State = StateEnded
	return nil
}

// Prepare transitions ENDED -> PREPARED.
func (c *Context) Prepare() error {
	if c.State != StateEnded {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaPrepare"}
	}
	c.State = StatePrepared
	return nil
}

// Commit transitions PREPARED -> COMMITTED (two-phase) or ENDED ->
// COMMITTED (one-phase, onePhase=true).
func (c *Context) Commit(onePhase bool) error {
	if onePhase {
		if c.State != StateEnded {
			return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaCommit(onePhase)"}
		}
	} else if c.State != StatePrepared {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaCommit(twoPhase)"}
	}
	c.State = StateCommitted
	c.TransactionComplete = true
	return nil
}

// Rollback transitions ENDED or PREPARED -> ROLLEDBACK.
func (c *Context) Rollback() error {
	if c.State != StateEnded && c.State != StatePrepared {
		return &ProtocolError{Xid: c.Xid, From: c.State, Op: "xaRollback"}
	}
	c.State = StateRolledBack
	c.TransactionComplete = true
	return nil
}
