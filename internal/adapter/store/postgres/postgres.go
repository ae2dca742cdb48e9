// Package postgres implements the relational record store on PostgreSQL.
//
// It is the primary backend behind the persistence façade. Connection
// pooling comes from pgxpool; repositories only depend on the minimal
// PgxPool interface so tests can substitute a fake.
package postgres

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is a minimal subset of pgxpool used by the repository for easy
// testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool creates a pgx connection pool from the provided DSN. The first
// ping retries with exponential backoff so a service coming up alongside
// the database does not crash-loop on ordering.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(policy, ctx)); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Schema holds the DDL for the evaluation tables. Applied idempotently at
// startup; a full migration tool is overkill for two tables.
const Schema = `
CREATE TABLE IF NOT EXISTS evaluations (
    id               TEXT PRIMARY KEY,
    code_hash        TEXT NOT NULL,
    status           TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    queued_at        TIMESTAMPTZ,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    memory_limit     TEXT NOT NULL DEFAULT '',
    cpu_limit        TEXT NOT NULL DEFAULT '',
    timeout_seconds  INT NOT NULL DEFAULT 0,
    priority         INT NOT NULL DEFAULT 0,
    executor_image   TEXT NOT NULL DEFAULT '',
    exit_code        INT,
    runtime_ms       BIGINT,
    output           TEXT NOT NULL DEFAULT '',
    output_truncated BOOLEAN NOT NULL DEFAULT FALSE,
    output_size      BIGINT NOT NULL DEFAULT 0,
    output_location  TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    error_truncated  BOOLEAN NOT NULL DEFAULT FALSE,
    error_size       BIGINT NOT NULL DEFAULT 0,
    error_location   TEXT NOT NULL DEFAULT '',
    metadata         JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_evaluations_status_created
    ON evaluations (status, created_at DESC);

CREATE TABLE IF NOT EXISTS evaluation_events (
    id         BIGSERIAL PRIMARY KEY,
    eval_id    TEXT NOT NULL REFERENCES evaluations(id),
    type       TEXT NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    metadata   JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_evaluation_events_eval
    ON evaluation_events (eval_id, ts);
`

// EnsureSchema applies the DDL.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
