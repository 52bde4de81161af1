// Package postgres persists mining events as rows of the solutions table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a lib/pq connection string, either postgres:// or key=value form
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens a connection pool and checks it with a ping
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// EnsureSchema creates the solutions table and its indexes if missing
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

const schema = `
CREATE TABLE IF NOT EXISTS solutions (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	nonce       NUMERIC(20, 0) NOT NULL,
	hash        TEXT NOT NULL,
	address     TEXT NOT NULL,
	difficulty  INTEGER NOT NULL,
	hashes      BIGINT NOT NULL DEFAULT 0,
	elapsed_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
	response    TEXT NOT NULL DEFAULT '',
	found_at    TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS solutions_address_idx ON solutions (address);
CREATE INDEX IF NOT EXISTS solutions_found_at_idx ON solutions (found_at DESC);`
