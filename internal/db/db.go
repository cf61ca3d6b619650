// Package db provides PostgreSQL-backed persistence for resolved percentile
// fields and the jobs that compute them. Repositories accept a DBTX
// interface that is satisfied by both *pgxpool.Pool (for normal queries) and
// pgx.Tx (for transactional execution).
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the tables used by the repositories. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS percentile_fields (
	fingerprint   TEXT PRIMARY KEY,
	dataset_ref   TEXT NOT NULL,
	variable      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	request       JSONB NOT NULL,
	field         JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_used_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS percentile_jobs (
	id            TEXT PRIMARY KEY,
	fingerprint   TEXT NOT NULL,
	dataset_ref   TEXT NOT NULL,
	variable      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error         TEXT,
	requested_at  TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS percentile_jobs_fingerprint_idx
	ON percentile_jobs (fingerprint, status);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// NewPool opens a connection pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
