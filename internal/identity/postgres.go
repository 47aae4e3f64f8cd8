package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlKVStore = `
CREATE TABLE IF NOT EXISTS kv_store (
    name        TEXT         PRIMARY KEY,
    value       TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// PostgresKV stores values in a single kv_store table. Use it when several
// replicas must share one session identity.
//
// All methods are safe for concurrent use.
type PostgresKV struct {
	pool *pgxpool.Pool
}

// NewPostgresKV connects to the database at dsn and creates the kv_store
// table if needed.
func NewPostgresKV(ctx context.Context, dsn string) (*PostgresKV, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("identity postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("identity postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("identity postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlKVStore); err != nil {
		pool.Close()
		return nil, fmt.Errorf("identity postgres: migrate: %w", err)
	}

	return &PostgresKV{pool: pool}, nil
}

// Get implements [KV].
func (p *PostgresKV) Get(ctx context.Context, name string) (string, error) {
	const q = `SELECT value FROM kv_store WHERE name = $1`

	var v string
	err := p.pool.QueryRow(ctx, q, name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("identity postgres: get %q: %w", name, err)
	}
	return v, nil
}

// Put implements [KV].
func (p *PostgresKV) Put(ctx context.Context, name, value string) error {
	const q = `
		INSERT INTO kv_store (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		    SET value = EXCLUDED.value, updated_at = now()`

	if _, err := p.pool.Exec(ctx, q, name, value); err != nil {
		return fmt.Errorf("identity postgres: put %q: %w", name, err)
	}
	return nil
}

// Ping checks database connectivity. It backs the readiness probe.
func (p *PostgresKV) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (p *PostgresKV) Close() {
	p.pool.Close()
}
