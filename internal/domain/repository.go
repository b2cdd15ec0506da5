package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobRun is the archived record of a job that reached a terminal state.
type JobRun struct {
	ID           string
	JobID        string
	Queue        QueueName
	Name         string
	Status       JobState
	AttemptsMade int
	Payload      json.RawMessage
	Error        *string
	StartedAt    *time.Time
	FinishedAt   time.Time
}

type JobRunRepository interface {
	// RecordRun stores a terminal outcome. Recording the same job id and
	// status twice is a no-op.
	RecordRun(ctx context.Context, run *JobRun) error
	ListRuns(ctx context.Context, queue QueueName, status JobState, limit int) ([]*JobRun, error)
	ListRunsForJob(ctx context.Context, jobID string) ([]*JobRun, error)
}
