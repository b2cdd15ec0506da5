package app

import (
	"context"
	"errors"
	"launchpad/internal/domain"

	"go.uber.org/zap"
)

type jobLookup interface {
	GetJob(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error)
}

// RunArchiver copies terminal job outcomes from the event stream into the
// job run repository, where they outlive the broker's retention.
type RunArchiver struct {
	events domain.EventStream
	jobs   jobLookup
	repo   domain.JobRunRepository
	logger *zap.Logger
}

func NewRunArchiver(events domain.EventStream, jobs jobLookup, repo domain.JobRunRepository, logger *zap.Logger) *RunArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunArchiver{events: events, jobs: jobs, repo: repo, logger: logger}
}

// Run archives events until ctx is done. Outcomes published while the
// archiver is not subscribed are not recorded.
func (a *RunArchiver) Run(ctx context.Context) error {
	events, err := a.events.Subscribe(ctx, domain.QueueNames...)
	if err != nil {
		return err
	}
	a.logger.Info("run archiver started")
	for ev := range events {
		if ev.Type != domain.EventCompleted && ev.Type != domain.EventFailed {
			continue
		}
		if err := a.Archive(ctx, ev); err != nil && ctx.Err() == nil {
			a.logger.Error("failed to archive job run",
				zap.String("queue", string(ev.Queue)), zap.String("job_id", ev.JobID), zap.Error(err))
		}
	}
	return ctx.Err()
}

// Archive records the outcome carried by ev, enriched with the stored job
// when it is still retained.
func (a *RunArchiver) Archive(ctx context.Context, ev domain.Event) error {
	run := &domain.JobRun{
		JobID:        ev.JobID,
		Queue:        ev.Queue,
		Status:       domain.JobStateCompleted,
		AttemptsMade: ev.AttemptsMade,
		FinishedAt:   ev.Timestamp,
	}
	if ev.Type == domain.EventFailed {
		run.Status = domain.JobStateFailed
		reason := ev.FailedReason
		run.Error = &reason
	}

	job, err := a.jobs.GetJob(ctx, ev.Queue, ev.JobID)
	switch {
	case err == nil:
		run.Name = job.Name
		run.Payload = job.Payload
		run.StartedAt = job.FirstProcessedAt
		if run.StartedAt == nil {
			// claimed before first_processed_at was recorded
			run.StartedAt = job.ProcessedAt
		}
	case errors.Is(err, domain.ErrJobNotFound):
		// already evicted by retention
	default:
		return err
	}
	return a.repo.RecordRun(ctx, run)
}
