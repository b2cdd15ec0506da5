package database

import (
	"context"
	"fmt"
	"launchpad/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresJobRunRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRunRepository(db *pgxpool.Pool) *PostgresJobRunRepository {
	return &PostgresJobRunRepository{db: db}
}

const jobRunColumns = `id, job_id, queue, name, status, attempts_made, payload, error, started_at, finished_at`

func (r *PostgresJobRunRepository) RecordRun(ctx context.Context, run *domain.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	var payload []byte
	if len(run.Payload) > 0 {
		payload = run.Payload
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO job_runs (`+jobRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, status) DO NOTHING`,
		run.ID, run.JobID, string(run.Queue), run.Name, string(run.Status), run.AttemptsMade,
		payload, run.Error, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run of job %s: %w", run.JobID, err)
	}
	return nil
}

func (r *PostgresJobRunRepository) ListRuns(ctx context.Context, queue domain.QueueName, status domain.JobState, limit int) ([]*domain.JobRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobRunColumns + ` FROM job_runs WHERE queue = $1`
	args := []any{string(queue)}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY finished_at DESC LIMIT %d`, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", queue, err)
	}
	return scanRuns(rows)
}

func (r *PostgresJobRunRepository) ListRunsForJob(ctx context.Context, jobID string) ([]*domain.JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE job_id = $1 ORDER BY finished_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list runs of job %s: %w", jobID, err)
	}
	return scanRuns(rows)
}

func scanRuns(rows pgx.Rows) ([]*domain.JobRun, error) {
	defer rows.Close()

	var runs []*domain.JobRun
	for rows.Next() {
		var (
			run     domain.JobRun
			queue   string
			status  string
			payload []byte
		)
		if err := rows.Scan(&run.ID, &run.JobID, &queue, &run.Name, &status, &run.AttemptsMade,
			&payload, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		run.Queue = domain.QueueName(queue)
		run.Status = domain.JobState(status)
		if payload != nil {
			run.Payload = payload
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}

var _ domain.JobRunRepository = (*PostgresJobRunRepository)(nil)
