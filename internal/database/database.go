// Package database owns the process-wide PostgreSQL connection pool and the
// single query entry point route handlers use.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-media-app/internal/observability/logging"
	"content-media-app/internal/observability/metrics"
)

// Querier is the dependency route groups take instead of *DB.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// DB wraps a pgx pool. It is safe for concurrent use.
type DB struct {
	pool         pool
	queryTimeout time.Duration
}

var _ Querier = (*DB)(nil)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option customises Open.
type Option func(*options)

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the recorder that counts connection events.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(o *options) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// Open builds the connection pool. Connections are established lazily on
// first use, so an unreachable server does not fail Open. An empty DSN leaves
// the connection settings to the PG* environment variables and libpq defaults.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	o := options{logger: slog.Default(), metrics: metrics.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := logging.WithComponent(o.logger, "database")

	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		logger.Warn("no database connection string configured, using PG* environment defaults")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	decision := cfg.tlsDecision()
	applyTLS(&poolCfg.ConnConfig.Config, decision)
	if decision == tlsUnverified {
		logger.Warn("database TLS enabled without certificate verification", "tls_mode", string(cfg.TLSMode))
	}

	poolCfg.ConnConfig.Tracer = &poolTracer{logger: logger, metrics: o.metrics}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		logger.InfoContext(ctx, "connected to database", "host", conn.Config().Host, "pid", conn.PgConn().PID())
		o.metrics.DatabaseConnected()
		return nil
	}
	poolCfg.BeforeClose = func(conn *pgx.Conn) {
		logger.Debug("database connection closed", "pid", conn.PgConn().PID())
		o.metrics.DatabaseDisconnected()
	}

	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	return &DB{pool: p, queryTimeout: cfg.QueryTimeout}, nil
}

// Query runs a parameterized statement on a pooled connection. Results and
// driver errors are returned as the driver produced them. Callers must Close
// the rows.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if db.queryTimeout <= 0 {
		return db.pool.Query(ctx, sql, args...)
	}
	ctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		cancel()
		return rows, err
	}
	return &timeoutRows{Rows: rows, cancel: cancel}, nil
}

// Ping checks that a connection can be acquired and used.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases every pooled connection, giving up when ctx ends first.
func (db *DB) Close(ctx context.Context) error {
	if db == nil || db.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		db.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// timeoutRows releases the per-query deadline once the result set is done.
type timeoutRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timeoutRows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.cancel()
	return false
}

func (r *timeoutRows) Close() {
	r.Rows.Close()
	r.cancel()
}
