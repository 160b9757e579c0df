// Package pgxprovider is an alternate regular-pool provider backed by
// jackc/pgx/v5's pgxpool, demonstrating that the pool.Provider SPI is
// genuinely pluggable rather than hard-wired to MySQL. It does not
// implement pool.XAProvider — see DESIGN.md for why.
package pgxprovider

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/openjproxy/ojp/pool"
)

const ProviderID = "postgres"

const defaultConnectTimeout = 5 * time.Second

type Provider struct{}

func New() *Provider { return &Provider{} }

func (p *Provider) ID() string      { return ProviderID }
func (p *Provider) Priority() int   { return 50 }
func (p *Provider) Available() bool { return true }

func (p *Provider) Create(cfg pool.Config) (pool.DataSource, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("pgxprovider: parse config: %w", err)
	}
	if cfg.MaximumPoolSize > 0 {
		pgxCfg.MaxConns = int32(cfg.MaximumPoolSize)
	}
	if cfg.MinimumIdle > 0 {
		pgxCfg.MinConns = int32(cfg.MinimumIdle)
	}
	if cfg.MaxLifetime > 0 {
		pgxCfg.MaxConnLifetime = cfg.MaxLifetime
	}
	if cfg.IdleTimeout > 0 {
		pgxCfg.MaxConnIdleTime = cfg.IdleTimeout
	}

	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	pgxPool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("pgxprovider: new pool: %w", err)
	}

	// stdlib.OpenDBFromPool gives every borrowed session a *sql.Conn
	// backed by the same pgxpool, so pool.Session.Conn() stays usable by
	// the server's execute path regardless of which provider served the
	// connection hash.
	db := stdlib.OpenDBFromPool(pgxPool)

	return &dataSource{pgxPool: pgxPool, db: db}, nil
}

func connString(cfg pool.Config) string {
	if cfg.User == "" {
		return cfg.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s", cfg.User, cfg.Password, cfg.URL)
}

// dataSource adapts pgxpool.Pool to pool.DataSource, borrowing *sql.Conn
// handles through database/sql/driver's stdlib bridge so execution code in
// the server package can stay provider-agnostic.
type dataSource struct {
	pgxPool *pgxpool.Pool
	db      *sql.DB
}

func (d *dataSource) Borrow(ctx context.Context) (pool.Session, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgxprovider: acquire: %w", err)
	}
	return &session{conn: conn}, nil
}

func (d *dataSource) Stats() pool.Stats {
	s := d.pgxPool.Stat()
	return pool.Stats{
		Active:  int(s.AcquiredConns()),
		Idle:    int(s.IdleConns()),
		Total:   int(s.TotalConns()),
		Pending: int(s.EmptyAcquireCount()),
		Max:     int(s.MaxConns()),
	}
}

func (d *dataSource) Close() error {
	err := d.db.Close()
	d.pgxPool.Close()
	return err
}

// SetLimits implements pool.Resizable. The underlying pgxpool itself only
// takes max/min connection counts at construction time, so this adjusts
// the stdlib bridge's view; a future resize of the pgxpool's own limits
// would require recreating it, which the coordinator deliberately avoids
// (spec.md §4.5 resizes the live pool, it does not replace it).
func (d *dataSource) SetLimits(maxPoolSize, minIdle int) {
	d.db.SetMaxOpenConns(maxPoolSize)
	d.db.SetMaxIdleConns(minIdle)
}

type session struct {
	conn *sql.Conn
}

func (s *session) Conn() *sql.Conn { return s.conn }
func (s *session) Close() error    { return s.conn.Close() }
