package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openjproxy/ojp/ojperrors"
	"github.com/openjproxy/ojp/pool"
	"github.com/openjproxy/ojp/rpc"
	"github.com/openjproxy/ojp/xa"
)

// Serve wires Handler.Dispatch into an rpc.Listener and blocks until ctx is
// cancelled, replacing the teacher's single-queue consume loop in the
// original server.go Start with the generalized rpc.Listener (spec.md
// §4.4 is now transport-agnostic of burrowctl's single-device-queue
// model).
func (h *Handler) Serve(ctx context.Context, listener *rpc.Listener) error {
	if err := h.workerPool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer h.workerPool.Stop(10 * time.Second)
	defer h.rateLimiter.Stop()

	return listener.Serve(ctx, h.Dispatch)
}

// Dispatch is the rpc.Handler this service installs on its Listener. It
// rate-limits by clientUUID, runs the actual routing under the worker
// pool's concurrency cap, and feeds clusterHealth to the health tracker
// before the statement-service logic runs (spec.md §4.4).
func (h *Handler) Dispatch(ctx context.Context, req rpc.Envelope) rpc.Envelope {
	if clientUUID := clientUUIDOf(req); clientUUID != "" && !h.rateLimiter.Allow(clientUUID) {
		return errEnvelope(fmt.Sprintf("rate limit exceeded for client %s", clientUUID))
	}
	return h.workerPool.Run(ctx, func(ctx context.Context) rpc.Envelope {
		return h.route(ctx, req)
	})
}

func (h *Handler) route(ctx context.Context, req rpc.Envelope) rpc.Envelope {
	switch req.Type {
	case rpc.TypeConnect:
		return h.dispatchConnect(ctx, req)
	case rpc.TypeExecute:
		return h.dispatchExecute(ctx, req)
	case rpc.TypeXAStart, rpc.TypeXAEnd, rpc.TypeXAPrepare, rpc.TypeXACommit, rpc.TypeXARollback, rpc.TypeXAForget, rpc.TypeXARecover:
		return h.dispatchXA(ctx, req)
	case rpc.TypeTerminate:
		return h.dispatchTerminate(ctx, req)
	case rpc.TypeTxControl:
		return h.dispatchTxControl(ctx, req)
	case rpc.TypeHeartbeat:
		return h.dispatchHeartbeat(req)
	default:
		return errEnvelope(fmt.Sprintf("unsupported rpc type: %s", req.Type))
	}
}

// clientUUIDOf extracts the clientUUID a request carries, when its payload
// shape has one, so Dispatch can rate-limit before committing worker pool
// capacity to it. A connect envelope is the only one carrying the raw
// ConnectionDetails shape; every other type identifies its client only
// indirectly through a bound session, which is not itself rate-limited
// here since session lookups are cheap and already bounded by the worker
// pool cap.
func clientUUIDOf(req rpc.Envelope) string {
	if req.Type != rpc.TypeConnect {
		return ""
	}
	var details rpc.ConnectionDetails
	if err := json.Unmarshal(req.Payload, &details); err != nil {
		return ""
	}
	return details.ClientUUID
}

func errEnvelope(reason string) rpc.Envelope {
	return rpc.Envelope{Error: &rpc.ErrorTrailer{Reason: reason, Kind: ojperrors.KindDatabaseLevel.String()}}
}

func classifiedErrEnvelope(err error) rpc.Envelope {
	kind := ojperrors.Classify(err)
	return rpc.Envelope{Error: &rpc.ErrorTrailer{Reason: err.Error(), Kind: kind.String()}}
}

// onClusterHealth feeds an RPC's clusterHealth field through the health
// tracker and, on a genuine change, recomputes and applies the pool's
// per-server sizing (spec.md §4.6).
func (h *Handler) onClusterHealth(connHash, clusterHealth string) {
	if clusterHealth == "" || connHash == "" {
		return
	}
	if !h.health.HasChanged(connHash, clusterHealth) {
		return
	}
	healthy, err := rpc.CountHealthy(clusterHealth)
	if err != nil {
		h.log.Warn("malformed cluster health", zap.Error(err), zap.String("connHash", connHash))
		return
	}
	newMax, newMinIdle, order, ok := h.coordinator.UpdateHealthyServers(connHash, healthy)
	if !ok {
		return
	}
	h.applyPoolSizeChange(connHash, newMax, newMinIdle, order)
}

func (h *Handler) applyPoolSizeChange(connHash string, newMax, newMinIdle int, order resizeOrder) {
	h.mu.RLock()
	bp, ok := h.pools[connHash]
	h.mu.RUnlock()
	if !ok {
		return
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var resizable pool.Resizable
	if bp.isXA {
		resizable, _ = bp.xads.(pool.Resizable)
	} else {
		resizable, _ = bp.ds.(pool.Resizable)
	}
	if resizable == nil {
		return
	}
	applyResize(resizable, newMax, newMinIdle, order)
}

func (h *Handler) dispatchConnect(ctx context.Context, req rpc.Envelope) rpc.Envelope {
	var details rpc.ConnectionDetails
	if err := json.Unmarshal(req.Payload, &details); err != nil {
		return errEnvelope(err.Error())
	}

	connHash := rpc.ConnectionHash(details.URL, details.User, details.Properties)
	h.onClusterHealth(connHash, details.ClusterHealth)

	bp, err := h.getOrCreatePool(connHash, details)
	if err != nil {
		return classifiedErrEnvelope(err)
	}

	sessionUUID := uuid.NewString()

	if details.IsXA {
		xaSess, err := bp.xads.BorrowXA(ctx)
		if err != nil {
			return classifiedErrEnvelope(err)
		}
		h.sessions.Register(sessionUUID, connHash, true, sessionAdapter{xa: xaSess}, details.ClientUUID)
		h.xaSessions.store(sessionUUID, xaSess)
	} else {
		sess, err := bp.ds.Borrow(ctx)
		if err != nil {
			return classifiedErrEnvelope(err)
		}
		h.sessions.Register(sessionUUID, connHash, false, sess, details.ClientUUID)
	}

	info := rpc.SessionInfo{
		SessionUUID:  sessionUUID,
		ClientUUID:   details.ClientUUID,
		ConnHash:     connHash,
		IsXA:         details.IsXA,
		TargetServer: h.self.String(),
	}
	payload, _ := json.Marshal(info)
	return rpc.Envelope{Type: rpc.TypeConnect, Payload: payload}
}

// getOrCreatePool implements spec.md §4.4's pool creation/reuse rules: the
// first connect for a hash builds the pool (dividing its size across
// serverEndpoints when that list is non-empty — never gated on
// len(endpoints) > 1, per spec.md §9's documented fix for the source's
// size()>1 bug); later connects reuse it.
func (h *Handler) getOrCreatePool(connHash string, details rpc.ConnectionDetails) (*backendPool, error) {
	h.mu.RLock()
	bp, ok := h.pools[connHash]
	h.mu.RUnlock()
	if ok {
		return bp, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if bp, ok := h.pools[connHash]; ok {
		return bp, nil
	}

	for key := range details.Properties {
		switch key {
		case "maximumPoolSize", "minimumIdle", "connectionTimeoutMs", "idleTimeoutMs", "maxLifetime",
			"autoCommit", "validationQuery", "xa.maximumPoolSize", "xa.minimumIdle", "driver":
		default:
			if h.log != nil {
				h.log.Warn("ignoring unrecognized connection property", zap.String("key", key), zap.String("connHash", connHash))
			}
		}
	}

	requestedMax := intProp(details.Properties, "maximumPoolSize", 10)
	requestedMinIdle := intProp(details.Properties, "minimumIdle", 0)
	if details.IsXA {
		requestedMax = intProp(details.Properties, "xa.maximumPoolSize", requestedMax)
		requestedMinIdle = intProp(details.Properties, "xa.minimumIdle", requestedMinIdle)
	}

	currentMax, currentMinIdle := requestedMax, requestedMinIdle
	if len(details.ServerEndpoints) != 0 {
		currentMax, currentMinIdle = h.coordinator.CalculatePoolSizes(connHash, requestedMax, requestedMinIdle, len(details.ServerEndpoints))
	}

	cfg := pool.Config{
		URL:               backendDSN(details.URL),
		User:              details.User,
		Password:          details.Password,
		MaximumPoolSize:   currentMax,
		MinimumIdle:       currentMinIdle,
		ConnectionTimeout: durationProp(details.Properties, "connectionTimeoutMs"),
		IdleTimeout:       durationProp(details.Properties, "idleTimeoutMs"),
		MaxLifetime:       durationProp(details.Properties, "maxLifetime"),
		ValidationQuery:   details.Properties["validationQuery"],
	}

	bp = &backendPool{requestedMax: requestedMax, requestedMinIdle: requestedMinIdle, isXA: details.IsXA}
	if details.IsXA {
		xaProvider := h.providers.SelectXA(details.URL, details.Properties["driver"])
		if xaProvider == nil {
			return nil, fmt.Errorf("no XA provider available for %s", details.URL)
		}
		xads, err := xaProvider.CreateXA(cfg)
		if err != nil {
			return nil, err
		}
		bp.xads = xads
	} else {
		provider := h.providers.Select()
		if provider == nil {
			return nil, fmt.Errorf("no pool provider available")
		}
		ds, err := provider.Create(cfg)
		if err != nil {
			return nil, err
		}
		bp.ds = ds
	}

	h.pools[connHash] = bp
	return bp, nil
}

// backendDSN strips any OJP multinode scheme decoration the client URL
// may carry, leaving the bare backend connection string the selected
// provider expects. The multinode host-list segment is client-side only
// (spec.md §6 "URL format") — by the time a connect reaches here, details
// .URL already names a single backend.
func backendDSN(url string) string {
	if idx := strings.Index(url, "://"); idx >= 0 {
		return url[idx+3:]
	}
	return url
}

func intProp(props map[string]string, key string, def int) int {
	if v, ok := props[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationProp(props map[string]string, key string) time.Duration {
	if v, ok := props[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return 0
}

// sessionAdapter lets an XA session satisfy pool.Session (Conn/Close) for
// SessionManager bookkeeping, while the actual pool.XASession stays
// reachable through Handler.xaSessions for XA-specific operations.
type sessionAdapter struct {
	xa pool.XASession
}

func (s sessionAdapter) Conn() *sql.Conn { return s.xa.Conn() }
func (s sessionAdapter) Close() error    { return nil } // real close goes through XARegistry's dual-condition release

func (h *Handler) dispatchExecute(ctx context.Context, req rpc.Envelope) rpc.Envelope {
	var er rpc.ExecuteRequest
	if err := json.Unmarshal(req.Payload, &er); err != nil {
		return errEnvelope(err.Error())
	}
	// Clients attach the snapshot to the envelope; the payload field is only
	// a fallback for callers that fill it in directly.
	clusterHealth := req.ClusterHealth
	if clusterHealth == "" {
		clusterHealth = er.ClusterHealth
	}
	h.onClusterHealth(er.Session.ConnHash, clusterHealth)

	sess, _, ok := h.sessions.Get(er.Session.SessionUUID)
	if !ok {
		err := ojperrors.ErrSessionNotBound(er.Session.SessionUUID, h.boundSessionUUIDs())
		return classifiedErrEnvelope(err)
	}
	conn := sess.Conn()

	if er.TransactionID != "" {
		tx, ok := h.localTx.Get(er.TransactionID)
		if !ok {
			return errEnvelope(fmt.Sprintf("transaction %s not found", er.TransactionID))
		}
		return execAgainst(ctx, txExecutor{tx}, er)
	}
	return execAgainst(ctx, connExecutor{conn}, er)
}

func (h *Handler) boundSessionUUIDs() []string {
	return h.sessions.BoundUUIDs()
}

// executor abstracts over *sql.Conn and *sql.Tx so execAgainst doesn't
// duplicate the query/exec branch for transactional and non-transactional
// statements.
type executor interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type connExecutor struct{ conn *sql.Conn }

func (e connExecutor) QueryContext(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return e.conn.QueryContext(ctx, q, args...)
}
func (e connExecutor) ExecContext(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return e.conn.ExecContext(ctx, q, args...)
}

type txExecutor struct{ tx *sql.Tx }

func (e txExecutor) QueryContext(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return e.tx.QueryContext(ctx, q, args...)
}
func (e txExecutor) ExecContext(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return e.tx.ExecContext(ctx, q, args...)
}

func execAgainst(ctx context.Context, ex executor, er rpc.ExecuteRequest) rpc.Envelope {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if isQueryStatement(er.SQL) {
		rows, err := ex.QueryContext(ctx, er.SQL, er.Params...)
		if err != nil {
			return classifiedErrEnvelope(err)
		}
		defer rows.Close()
		return rowsEnvelope(rows)
	}

	res, err := ex.ExecContext(ctx, er.SQL, er.Params...)
	if err != nil {
		return classifiedErrEnvelope(err)
	}
	lastID, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	payload, _ := json.Marshal(rpc.ExecuteResponse{LastInsertID: lastID, RowsAffected: affected})
	return rpc.Envelope{Type: rpc.TypeExecute, Payload: payload}
}

func isQueryStatement(sqlText string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(sqlText))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN", "WITH"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

func rowsEnvelope(rows *sql.Rows) rpc.Envelope {
	cols, err := rows.Columns()
	if err != nil {
		return classifiedErrEnvelope(err)
	}

	var data [][]interface{}
	for rows.Next() {
		scanDest := make([]interface{}, len(cols))
		for i := range scanDest {
			scanDest[i] = new(interface{})
		}
		if err := rows.Scan(scanDest...); err != nil {
			return classifiedErrEnvelope(err)
		}
		row := make([]interface{}, len(cols))
		for i, v := range scanDest {
			row[i] = normalizeValue(*(v.(*interface{})))
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return classifiedErrEnvelope(err)
	}

	payload, _ := json.Marshal(rpc.ExecuteResponse{Columns: cols, Rows: data})
	return rpc.Envelope{Type: rpc.TypeExecute, Payload: payload}
}

// normalizeValue converts driver-returned []byte into strings so the JSON
// envelope doesn't base64-encode plain text columns, mirroring the
// teacher's convertDatabaseValue simplified to not need column-type
// lookups (the client reconstructs typed values from SQL text itself,
// which is explicitly out of core scope per spec.md §1).
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (h *Handler) dispatchXA(ctx context.Context, req rpc.Envelope) rpc.Envelope {
	var xr rpc.XaRequest
	if err := json.Unmarshal(req.Payload, &xr); err != nil {
		return errEnvelope(err.Error())
	}
	h.onClusterHealth(xr.Session.ConnHash, req.ClusterHealth)

	xid := xa.Xid{FormatID: xr.Xid.FormatID, Gtrid: xr.Xid.Gtrid, Bqual: xr.Xid.Bqual}
	hash := xr.Session.ConnHash

	var err error
	var recovered []xa.Xid
	switch req.Type {
	case rpc.TypeXAStart:
		xaSess, ok := h.xaSessions.load(xr.Session.SessionUUID)
		if !ok {
			err = ojperrors.ErrSessionNotBound(xr.Session.SessionUUID, h.boundSessionUUIDs())
			break
		}
		err = h.xaRegistry.Start(hash, xid, xr.Session.SessionUUID, xaSess, xa.Flag(xr.Flags))
	case rpc.TypeXAEnd:
		err = h.xaRegistry.End(hash, xid, xa.Flag(xr.Flags))
	case rpc.TypeXAPrepare:
		err = h.xaRegistry.Prepare(hash, xid)
	case rpc.TypeXACommit:
		err = h.xaRegistry.Commit(hash, xid, xr.OnePhase)
	case rpc.TypeXARollback:
		err = h.xaRegistry.Rollback(hash, xid)
	case rpc.TypeXAForget:
		err = h.xaRegistry.Forget(hash, xid)
	case rpc.TypeXARecover:
		xaSess, ok := h.xaSessions.load(xr.Session.SessionUUID)
		if !ok {
			err = ojperrors.ErrSessionNotBound(xr.Session.SessionUUID, h.boundSessionUUIDs())
			break
		}
		recovered, err = h.xaRegistry.Recover(hash, xaSess)
	}

	if err != nil {
		return classifiedErrEnvelope(err)
	}

	resp := rpc.XaResponse{Session: xr.Session, Success: true}
	for _, x := range recovered {
		resp.Xids = append(resp.Xids, rpc.XidProto{FormatID: x.FormatID, Gtrid: x.Gtrid, Bqual: x.Bqual})
	}
	payload, _ := json.Marshal(resp)
	return rpc.Envelope{Type: req.Type, Payload: payload}
}

func (h *Handler) dispatchTerminate(_ context.Context, req rpc.Envelope) rpc.Envelope {
	var tr rpc.TerminateRequest
	if err := json.Unmarshal(req.Payload, &tr); err != nil {
		return errEnvelope(err.Error())
	}
	h.onClusterHealth(tr.Session.ConnHash, req.ClusterHealth)

	if !h.sessionExists(tr.Session.SessionUUID) {
		return classifiedErrEnvelope(ojperrors.ErrSessionNotBound(tr.Session.SessionUUID, h.boundSessionUUIDs()))
	}
	if err := h.terminateSession(tr.Session.SessionUUID, tr.Session.IsXA); err != nil {
		return classifiedErrEnvelope(err)
	}
	return rpc.Envelope{Type: rpc.TypeTerminate}
}

func (h *Handler) sessionExists(sessionUUID string) bool {
	_, _, ok := h.sessions.Get(sessionUUID)
	return ok
}

// terminateSession releases sessionUUID's backend session back to its pool
// (and, for XA, runs the registry's dual-condition release), shared by the
// client-driven terminate RPC and the stale-client reaper.
func (h *Handler) terminateSession(sessionUUID string, isXA bool) error {
	_, hash, ok := h.sessions.Get(sessionUUID)
	if !ok {
		return nil
	}
	if isXA {
		h.xaSessions.delete(sessionUUID)
		if err := h.xaRegistry.Terminate(hash, sessionUUID); err != nil {
			h.log.Warn("xa terminate release failed", zap.Error(err))
		}
	}
	return h.sessions.Terminate(sessionUUID)
}

func (h *Handler) dispatchTxControl(ctx context.Context, req rpc.Envelope) rpc.Envelope {
	var tc rpc.TransactionControlRequest
	if err := json.Unmarshal(req.Payload, &tc); err != nil {
		return errEnvelope(err.Error())
	}
	h.onClusterHealth(tc.Session.ConnHash, req.ClusterHealth)

	switch tc.Command {
	case "BEGIN":
		sess, _, ok := h.sessions.Get(tc.Session.SessionUUID)
		if !ok {
			return classifiedErrEnvelope(ojperrors.ErrSessionNotBound(tc.Session.SessionUUID, h.boundSessionUUIDs()))
		}
		if err := h.localTx.Begin(ctx, tc.TransactionID, sess.Conn()); err != nil {
			return errEnvelope(err.Error())
		}
	case "COMMIT":
		if err := h.localTx.Commit(tc.TransactionID); err != nil {
			return errEnvelope(err.Error())
		}
	case "ROLLBACK":
		if err := h.localTx.Rollback(tc.TransactionID); err != nil {
			return errEnvelope(err.Error())
		}
	default:
		return errEnvelope(fmt.Sprintf("unsupported transaction command: %s", tc.Command))
	}
	return rpc.Envelope{Type: rpc.TypeTxControl}
}

func (h *Handler) dispatchHeartbeat(req rpc.Envelope) rpc.Envelope {
	var hb rpc.HeartbeatRequest
	_ = json.Unmarshal(req.Payload, &hb)
	h.heartbeats.touch(hb.ClientUUID)
	payload, _ := json.Marshal(rpc.HeartbeatResponse{Alive: true})
	return rpc.Envelope{Type: rpc.TypeHeartbeat, Payload: payload}
}
