package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrecon/warehouse/pkg/metrics"
)

// Config holds the PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
	MaxConns int32
}

func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.Database == "" {
		return errors.New("database is required")
	}
	if cfg.Username == "" {
		return errors.New("username is required")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	return nil
}

func (cfg *Config) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}

// Rows is the subset of pgx.Rows the warehouse packages consume.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Row is the subset of pgx.Row the warehouse packages consume.
type Row interface {
	Scan(dest ...any) error
}

// Querier executes statements against the warehouse database. Both the pooled
// client and an open transaction satisfy it, so engine code is written once
// and runs in either scope.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Client represents a PostgreSQL database connection pool.
type Client interface {
	Querier
	// WithTx runs fn inside a single transaction; it commits when fn returns
	// nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
	Close()
}

type client struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewClient creates a new pooled PostgreSQL client.
func NewClient(ctx context.Context, log *slog.Logger, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("postgres client initialized", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	return &client{pool: pool, log: log}, nil
}

func (c *client) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	tag, err := c.pool.Exec(ctx, query, args...)
	observeStatement(start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *client) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	start := time.Now()
	rows, err := c.pool.Query(ctx, query, args...)
	observeStatement(start, err)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *client) QueryRow(ctx context.Context, query string, args ...any) Row {
	return c.pool.QueryRow(ctx, query, args...)
}

func (c *client) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			c.log.Warn("failed to roll back transaction", "error", rbErr)
		}
	}()

	if err := fn(&txQuerier{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *client) Close() {
	c.pool.Close()
}

type txQuerier struct {
	tx pgx.Tx
}

func (t *txQuerier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	tag, err := t.tx.Exec(ctx, query, args...)
	observeStatement(start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, query, args...)
	observeStatement(start, err)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *txQuerier) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRow(ctx, query, args...)
}

func observeStatement(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(status).Inc()
	metrics.DatabaseQueryDuration.Observe(time.Since(start).Seconds())
}
