package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id UUID PRIMARY KEY,
	job_id TEXT NOT NULL,
	queue TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('completed', 'failed')),
	attempts_made INTEGER NOT NULL,
	payload JSONB,
	error TEXT,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, status)
);

CREATE INDEX IF NOT EXISTS idx_job_runs_queue_status ON job_runs(queue, status, finished_at DESC);
`

func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Migrate creates the tables used by this package if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate job_runs: %w", err)
	}
	return nil
}
