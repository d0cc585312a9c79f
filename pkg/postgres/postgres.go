package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connection is the subset of pgx behavior the engine needs. It is satisfied
// by *pgxpool.Pool and by pgx.Tx, so engine code composes under an open
// transaction without special cases.
type Connection interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client owns a pgx connection pool against one Postgres database.
type Client interface {
	Conn() Connection
	Pool() *pgxpool.Pool
	Close()
}

type client struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewClient opens a pgx pool for the given DSN and verifies connectivity
// with a few ping retries before returning.
func NewClient(ctx context.Context, log *slog.Logger, dsn string) (Client, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err = pool.Ping(ctx); err != nil {
			if attempt < 3 {
				time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
				continue
			}
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres after retries: %w", err)
		}
		break
	}

	log.Debug("postgres client initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)

	return &client{log: log, pool: pool}, nil
}

func (c *client) Conn() Connection {
	return c.pool
}

func (c *client) Pool() *pgxpool.Pool {
	return c.pool
}

func (c *client) Close() {
	c.pool.Close()
}
