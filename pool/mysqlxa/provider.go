// Package mysqlxa is the default pool provider: regular and XA pools over
// plain database/sql + go-sql-driver/mysql. XA branch operations are
// issued as raw "XA START/END/PREPARE/COMMIT/ROLLBACK" statements on a
// pinned *sql.Conn, the Go-idiomatic substitute for reflecting over a
// vendor XADataSource class (spec.md §4.9) — see DESIGN.md for why.
package mysqlxa

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/openjproxy/ojp/pool"
	"github.com/openjproxy/ojp/xa"
)

const ProviderID = "mysql"

// Provider implements both pool.Provider and pool.XAProvider, grounded on
// the teacher's server.Handler which opens a single *sql.DB per backend
// and tunes it with SetMaxIdleConns/SetMaxOpenConns/SetConnMaxLifetime
// (server/server.go Start).
type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) ID() string      { return ProviderID }
func (p *Provider) Priority() int   { return 100 }
func (p *Provider) Available() bool { return true }

func (p *Provider) SupportsDatabase(url, driver string) bool {
	return driver == "" || driver == ProviderID
}

func (p *Provider) Create(cfg pool.Config) (pool.DataSource, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &dataSource{db: db}, nil
}

func (p *Provider) CreateXA(cfg pool.Config) (pool.XADataSource, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &xaDataSource{db: db}, nil
}

func open(cfg pool.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("mysqlxa: open: %w", err)
	}
	db.SetMaxOpenConns(max1(cfg.MaximumPoolSize))
	db.SetMaxIdleConns(cfg.MinimumIdle)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	return db, nil
}

func dsn(cfg pool.Config) string {
	if cfg.User == "" {
		return cfg.URL
	}
	return fmt.Sprintf("%s:%s@%s", cfg.User, cfg.Password, cfg.URL)
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// dataSource is the regular (non-XA) pool.DataSource.
type dataSource struct {
	db *sql.DB
}

func (d *dataSource) Borrow(ctx context.Context) (pool.Session, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &session{conn: conn}, nil
}

func (d *dataSource) Stats() pool.Stats {
	s := d.db.Stats()
	return pool.Stats{
		Active:  s.InUse,
		Idle:    s.Idle,
		Total:   s.OpenConnections,
		Pending: int(s.WaitCount),
		Max:     s.MaxOpenConnections,
	}
}

func (d *dataSource) Close() error { return d.db.Close() }

// SetLimits implements pool.Resizable.
func (d *dataSource) SetLimits(maxPoolSize, minIdle int) {
	d.db.SetMaxOpenConns(maxPoolSize)
	d.db.SetMaxIdleConns(minIdle)
}

type session struct {
	conn *sql.Conn
}

func (s *session) Conn() *sql.Conn { return s.conn }
func (s *session) Close() error    { return s.conn.Close() }

// xaDataSource is the XA pool.XADataSource.
type xaDataSource struct {
	db *sql.DB
}

func (d *xaDataSource) BorrowXA(ctx context.Context) (pool.XASession, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &xaSession{db: d.db, conn: conn}, nil
}

func (d *xaDataSource) Stats() pool.Stats {
	s := d.db.Stats()
	return pool.Stats{
		Active:  s.InUse,
		Idle:    s.Idle,
		Total:   s.OpenConnections,
		Pending: int(s.WaitCount),
		Max:     s.MaxOpenConnections,
	}
}

func (d *xaDataSource) Close() error { return d.db.Close() }

// SetLimits implements pool.Resizable.
func (d *xaDataSource) SetLimits(maxPoolSize, minIdle int) {
	d.db.SetMaxOpenConns(maxPoolSize)
	d.db.SetMaxIdleConns(minIdle)
}

type xaSession struct {
	db   *sql.DB
	conn *sql.Conn
}

func (s *xaSession) Conn() *sql.Conn          { return s.conn }
func (s *xaSession) XAResource() pool.XAResource { return xaResource{conn: s.conn} }

// Hibernate closes the current logical connection and pins a fresh one
// from the same *sql.DB, per spec.md §4.7: "close the current logical
// connection ... and opens a fresh one". Best-effort: failures here are
// the caller's (xa registry's) concern to log and swallow.
func (s *xaSession) Hibernate(ctx context.Context) error {
	if err := s.conn.Close(); err != nil {
		return err
	}
	fresh, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	s.conn = fresh
	return nil
}

func (s *xaSession) Close() error { return s.conn.Close() }

// xaResource issues MySQL's raw XA SQL grammar on the pinned connection.
// See https://dev.mysql.com/doc/refman/8.0/en/xa-statements.html.
type xaResource struct {
	conn *sql.Conn
}

func (r xaResource) Start(ctx context.Context, xid xa.Xid, flags xa.Flag) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA START %s%s", xidSQL(xid), flagSuffix(flags)))
	return err
}

func (r xaResource) End(ctx context.Context, xid xa.Xid, flags xa.Flag) error {
	suffix := ""
	switch {
	case flags&xa.TMSUSPEND != 0:
		suffix = " SUSPEND"
	case flags&xa.TMFAIL != 0:
		suffix = " FAIL"
	default:
		suffix = " SUCCESS"
	}
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA END %s%s", xidSQL(xid), suffix))
	return err
}

func (r xaResource) Prepare(ctx context.Context, xid xa.Xid) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA PREPARE %s", xidSQL(xid)))
	return err
}

func (r xaResource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	suffix := ""
	if onePhase {
		suffix = " ONE PHASE"
	}
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA COMMIT %s%s", xidSQL(xid), suffix))
	return err
}

func (r xaResource) Rollback(ctx context.Context, xid xa.Xid) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK %s", xidSQL(xid)))
	return err
}

func (r xaResource) Forget(ctx context.Context, xid xa.Xid) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA FORGET %s", xidSQL(xid)))
	return err
}

func (r xaResource) Recover(ctx context.Context) ([]xa.Xid, error) {
	rows, err := r.conn.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xa.Xid
	for rows.Next() {
		var formatID int32
		var gtridLen, bqualLen int
		var data string
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, err
		}
		if gtridLen+bqualLen > len(data) {
			continue
		}
		out = append(out, xa.Xid{
			FormatID: formatID,
			Gtrid:    []byte(data[:gtridLen]),
			Bqual:    []byte(data[gtridLen : gtridLen+bqualLen]),
		})
	}
	return out, rows.Err()
}

// xidSQL renders an xa.Xid in MySQL's 'gtrid','bqual',formatID literal
// form, base64-encoding the identifiers since MySQL XA string literals
// don't tolerate arbitrary binary content well across connectors.
func xidSQL(xid xa.Xid) string {
	return fmt.Sprintf("'%s','%s',%d",
		base64.RawURLEncoding.EncodeToString(xid.Gtrid),
		base64.RawURLEncoding.EncodeToString(xid.Bqual),
		xid.FormatID)
}

func flagSuffix(flags xa.Flag) string {
	switch {
	case flags&xa.TMJOIN != 0:
		return " JOIN"
	case flags&xa.TMRESUME != 0:
		return " RESUME"
	default:
		return ""
	}
}

func classify(err error) error {
	return fmt.Errorf("mysqlxa: borrow: %w", err)
}
