package client

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openjproxy/ojp/ojperrors"
	"github.com/openjproxy/ojp/rpc"
)

// Conn is the client-visible Logical Connection façade (spec.md §4.1
// C12's non-XA half). It pairs a bound SessionInfo with the
// MultinodeManager that knows which endpoint to route it to, generalizing
// the teacher's single-device Conn (client/conn.go) to a cluster session.
type Conn struct {
	mgr     *MultinodeManager
	connMgr *ConnectionManager
	config  *DSNConfig

	info      rpc.SessionInfo
	xa        *XAConnection // non-nil only for an XA-mode connection
	heartbeat *HeartbeatManager

	txID   string // non-empty while a local (non-XA) transaction is open
	closed bool
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query, numInput: countPlaceholders(query)}, nil
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if err := c.terminate(ctx); err != nil {
		c.logf("terminate on close failed: %v", err)
	}
	return c.connMgr.Close()
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.txID != "" {
		return nil, errors.New("nested transactions are not supported")
	}
	if c.xa != nil {
		return nil, errors.New("use the XA façade for transaction control on an XA connection")
	}
	txID := uuid.NewString()
	if err := c.txControl(ctx, txID, "BEGIN"); err != nil {
		return nil, err
	}
	c.txID = txID
	return &Tx{conn: c, transactionID: txID, startTime: time.Now()}, nil
}

func (c *Conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.QueryContext(ctx, query, valuesToNamed(args))
}

func (c *Conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.ExecContext(ctx, query, valuesToNamed(args))
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	resp, err := c.execute(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &Rows{columns: resp.Columns, rows: resp.Rows}, nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	resp, err := c.execute(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &Result{lastInsertID: resp.LastInsertID, affectedRows: resp.RowsAffected}, nil
}

func (c *Conn) execute(ctx context.Context, query string, args []driver.NamedValue) (*rpc.ExecuteResponse, error) {
	ep, err := c.mgr.AffinityServer(c.info.SessionUUID)
	if err != nil {
		return nil, err
	}

	req := rpc.ExecuteRequest{
		Session:       c.info,
		SQL:           query,
		Params:        namedToSlice(args),
		TransactionID: c.txID,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reply, err := c.mgr.Call(ctx, ep, rpc.Envelope{Type: rpc.TypeExecute, Payload: payload})
	if err != nil {
		return nil, err
	}

	var resp rpc.ExecuteResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) txControl(ctx context.Context, transactionID, command string) error {
	ep, err := c.mgr.AffinityServer(c.info.SessionUUID)
	if err != nil {
		return err
	}
	req := rpc.TransactionControlRequest{Session: c.info, TransactionID: transactionID, Command: command}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.mgr.Call(ctx, ep, rpc.Envelope{Type: rpc.TypeTxControl, Payload: payload})
	return err
}

func (c *Conn) clearFinishedTransaction() {
	c.txID = ""
}

func (c *Conn) terminate(ctx context.Context) error {
	ep, err := c.mgr.AffinityServer(c.info.SessionUUID)
	if err != nil {
		// Already unbound (e.g. session was never established); nothing
		// to terminate server-side.
		if ojperrors.IsKind(err, ojperrors.KindSessionNotBound) {
			return nil
		}
		return err
	}
	req := rpc.TerminateRequest{Session: c.info}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.mgr.Call(ctx, ep, rpc.Envelope{Type: rpc.TypeTerminate, Payload: payload})
	c.mgr.Forget(c.info.SessionUUID)
	return err
}

// XA exposes the XA façade for a connection opened with isXA=true; nil
// otherwise.
func (c *Conn) XA() *XAConnection {
	return c.xa
}

// BrokerStats reports the health of the shared AMQP broker connection this
// Conn's session is routed over, for callers that want to surface
// connection diagnostics (e.g. a health-check endpoint) without reaching
// into client internals.
func (c *Conn) BrokerStats() ConnectionStats {
	return c.connMgr.GetStats()
}

// BrokerConnected reports whether the broker connection is currently up.
func (c *Conn) BrokerConnected() bool {
	return c.connMgr.IsConnected()
}

func (c *Conn) logf(format string, args ...interface{}) {
	if c.config != nil && c.config.Debug {
		log.Printf("[client debug] "+format, args...)
	}
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

func namedToSlice(args []driver.NamedValue) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}
