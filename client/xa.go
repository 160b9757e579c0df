package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openjproxy/ojp/rpc"
)

// Xid is the client-side wire shape of an XA transaction identifier. It is
// deliberately a standalone type rather than an import of the server's
// internal xa package: the client only ever needs to marshal a Gtrid/Bqual
// pair into an rpc.XidProto, not the branch state machine that package
// owns (spec.md §4.1 keeps C9-C12 decoupled from C6's XidKey/Context).
type Xid struct {
	FormatID int32
	Gtrid    []byte
	Bqual    []byte
}

func (x Xid) proto() rpc.XidProto {
	return rpc.XidProto{FormatID: x.FormatID, Gtrid: x.Gtrid, Bqual: x.Bqual}
}

// XA branch flags, mirroring the values javax.transaction.xa.XAResource
// callers pass in (spec.md glossary). Kept local to the client rather than
// shared with the server's xa.Flag type for the same decoupling reason as
// Xid above.
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

// XAConnection is the client-side XA façade (spec.md §4.1 C12's XA half).
// It fans a branch operation out to every server endpoint the logical
// connection is bound to, collecting the first failure while letting the
// fan-out continue so every participating server sees the call (spec.md
// §4.1 "ExecuteOnAllServers... per-server result collection").
type XAConnection struct {
	mgr        *MultinodeManager
	sessions   map[rpc.Endpoint]rpc.SessionInfo
	clientUUID string
}

func (x *XAConnection) branch(ctx context.Context, envType string, xid Xid, flags Flag, onePhase bool) error {
	results := x.mgr.ExecuteOnAllServers(ctx, x.sessions, func(ctx context.Context, ep rpc.Endpoint, info rpc.SessionInfo) error {
		req := rpc.XaRequest{
			Session:  info,
			Xid:      xid.proto(),
			Flags:    int32(flags),
			OnePhase: onePhase,
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		reply, err := x.mgr.Call(ctx, ep, rpc.Envelope{Type: envType, Payload: payload})
		if err != nil {
			return err
		}
		var resp rpc.XaResponse
		if err := json.Unmarshal(reply.Payload, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("xa %s failed on %s: %s", envType, ep, resp.Message)
		}
		return nil
	})

	var firstErr error
	for ep, err := range results {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", ep, err)
		}
	}
	return firstErr
}

func (x *XAConnection) Start(ctx context.Context, xid Xid, flags Flag) error {
	return x.branch(ctx, rpc.TypeXAStart, xid, flags, false)
}

func (x *XAConnection) End(ctx context.Context, xid Xid, flags Flag) error {
	return x.branch(ctx, rpc.TypeXAEnd, xid, flags, false)
}

func (x *XAConnection) Prepare(ctx context.Context, xid Xid) error {
	return x.branch(ctx, rpc.TypeXAPrepare, xid, TMNOFLAGS, false)
}

func (x *XAConnection) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	return x.branch(ctx, rpc.TypeXACommit, xid, TMNOFLAGS, onePhase)
}

func (x *XAConnection) Rollback(ctx context.Context, xid Xid) error {
	return x.branch(ctx, rpc.TypeXARollback, xid, TMNOFLAGS, false)
}

func (x *XAConnection) Forget(ctx context.Context, xid Xid) error {
	return x.branch(ctx, rpc.TypeXAForget, xid, TMNOFLAGS, false)
}

// Recover asks every bound server to report its in-doubt Xids, merging the
// results. Duplicate Xids across servers (the same global transaction
// prepared on more than one branch) are deduplicated by Gtrid+Bqual+FormatID.
func (x *XAConnection) Recover(ctx context.Context) ([]Xid, error) {
	seen := make(map[string]struct{})
	var out []Xid
	var firstErr error

	for ep, info := range x.sessions {
		req := rpc.XaRequest{Session: info}
		payload, err := json.Marshal(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reply, err := x.mgr.Call(ctx, ep, rpc.Envelope{Type: rpc.TypeXARecover, Payload: payload})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", ep, err)
			}
			continue
		}
		var resp rpc.XaResponse
		if err := json.Unmarshal(reply.Payload, &resp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, xp := range resp.Xids {
			key := fmt.Sprintf("%d|%x|%x", xp.FormatID, xp.Gtrid, xp.Bqual)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Xid{FormatID: xp.FormatID, Gtrid: xp.Gtrid, Bqual: xp.Bqual})
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
