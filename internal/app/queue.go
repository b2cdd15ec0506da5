package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"launchpad/internal/domain"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultStallTimeout = 10 * time.Minute
	DefaultPollInterval = 250 * time.Millisecond
)

type QueueOptions struct {
	// StallTimeout is how long a claim lasts without a heartbeat.
	StallTimeout time.Duration
	// PollInterval is how often AwaitNext retries an empty queue.
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// Queue is one named queue bound to its policy. It implements
// domain.BlockingQueue for workers and the enqueue side for producers.
type Queue struct {
	policy       domain.QueuePolicy
	broker       domain.QueueBroker
	stallTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewQueue(broker domain.QueueBroker, policy domain.QueuePolicy, opts QueueOptions) (*Queue, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		policy:       policy,
		broker:       broker,
		stallTimeout: opts.StallTimeout,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		logger:       opts.Logger.With(zap.String("queue", string(policy.Queue))),
	}, nil
}

func (q *Queue) Name() domain.QueueName {
	return q.policy.Queue
}

func (q *Queue) Policy() domain.QueuePolicy {
	return q.policy
}

// Enqueue validates payload and stores a new job. With a recurrence the
// pattern is registered instead and the id of its pending occurrence is
// returned.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage, opts domain.EnqueueOptions) (string, error) {
	if opts.Attempts < 0 || opts.BackoffDelay < 0 || opts.Delay < 0 {
		return "", fmt.Errorf("%w: negative enqueue option", domain.ErrInvalidPayload)
	}
	if err := domain.ValidatePayload(ctx, q.policy.Queue, payload); err != nil {
		return "", err
	}

	policy := q.policy
	if opts.Attempts > 0 {
		policy.Attempts = opts.Attempts
	}
	if opts.BackoffDelay > 0 {
		policy.Backoff.Delay = opts.BackoffDelay
	}

	if opts.Recurrence != "" {
		return q.registerRecurrence(ctx, policy, payload, opts.Recurrence)
	}

	job := domain.NewJob(uuid.NewString(), policy, payload, q.now(), opts.Delay)
	if _, err := q.broker.Enqueue(ctx, job); err != nil {
		return "", err
	}
	q.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("state", string(job.State)))
	return job.ID, nil
}

func (q *Queue) registerRecurrence(ctx context.Context, policy domain.QueuePolicy, payload json.RawMessage, pattern string) (string, error) {
	rec, err := domain.ParseRecurrence(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	now := q.now()
	reg := &domain.RecurrenceRegistration{
		Key:          domain.RecurrenceKey(policy.JobName, pattern),
		Queue:        policy.Queue,
		Name:         policy.JobName,
		Pattern:      pattern,
		Payload:      payload,
		MaxAttempts:  policy.Attempts,
		Backoff:      policy.Backoff,
		RegisteredAt: now,
		NextSlot:     rec.Next(now),
	}
	created, err := q.broker.RegisterRecurrence(ctx, reg)
	if err != nil {
		return "", err
	}
	if !created {
		return q.pendingOccurrence(ctx, reg.Key)
	}
	q.logger.Info("recurrence registered",
		zap.String("key", reg.Key), zap.String("pattern", pattern), zap.Time("first_slot", reg.NextSlot))

	// Materialize the first occurrence right away so exactly one future
	// occurrence is pending from registration on. materialize advances
	// NextSlot, so the id is taken from the slot it was called with.
	slot := reg.NextSlot
	if _, err := q.materialize(ctx, reg, rec, now); err != nil {
		return "", err
	}
	return domain.OccurrenceID(reg.Key, slot), nil
}

func (q *Queue) pendingOccurrence(ctx context.Context, key string) (string, error) {
	regs, err := q.broker.Recurrences(ctx, q.policy.Queue)
	if err != nil {
		return "", err
	}
	for _, reg := range regs {
		if reg.Key != key {
			continue
		}
		if reg.LastSlot.IsZero() {
			return domain.OccurrenceID(key, reg.NextSlot), nil
		}
		return domain.OccurrenceID(key, reg.LastSlot), nil
	}
	return "", fmt.Errorf("recurrence %s: %w", key, domain.ErrJobNotFound)
}

// materialize creates the job for reg.NextSlot and advances the registration.
// It returns false when another scheduler already materialized that slot.
func (q *Queue) materialize(ctx context.Context, reg *domain.RecurrenceRegistration, rec *domain.Recurrence, now time.Time) (bool, error) {
	slot := reg.NextSlot
	next := rec.Next(slot)

	policy := q.policy
	policy.JobName = reg.Name
	if reg.MaxAttempts > 0 {
		policy.Attempts = reg.MaxAttempts
	}
	if reg.Backoff.Delay > 0 {
		policy.Backoff = reg.Backoff
	}

	job := domain.NewJob(domain.OccurrenceID(reg.Key, slot), policy, reg.Payload, now, slot.Sub(now))
	job.Recurrence = reg.Pattern

	ok, err := q.broker.MaterializeOccurrence(ctx, reg, slot, next, job)
	if err != nil || !ok {
		return false, err
	}
	reg.LastSlot = slot
	reg.NextSlot = next
	return true, nil
}

func (q *Queue) TryDequeue(ctx context.Context) (*domain.Job, error) {
	now := q.now()
	return q.broker.Claim(ctx, q.policy.Queue, now, now.Add(q.stallTimeout))
}

// AwaitNext polls the queue until a job is claimed, timeout elapses or ctx is
// done. A zero timeout behaves like TryDequeue.
func (q *Queue) AwaitNext(ctx context.Context, timeout time.Duration) (*domain.Job, error) {
	job, err := q.TryDequeue(ctx)
	if err != nil || job != nil || timeout <= 0 {
		return job, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			job, err := q.TryDequeue(ctx)
			if err != nil || job != nil {
				return job, err
			}
		}
	}
}

func (q *Queue) Heartbeat(ctx context.Context, job *domain.Job) error {
	return q.broker.ExtendLease(ctx, job, q.now().Add(q.stallTimeout))
}

func (q *Queue) ReportSuccess(ctx context.Context, job *domain.Job) error {
	err := q.broker.Complete(ctx, job, domain.Transition{
		AttemptsMade: job.AttemptsMade + 1,
		At:           q.now(),
		Retention:    q.policy.KeepCompleted,
	})
	if err != nil {
		return err
	}
	q.logger.Debug("job completed", zap.String("job_id", job.ID), zap.Int("attempts_made", job.AttemptsMade))
	return nil
}

// ReportFailure counts the attempt and either schedules a retry after the
// job's backoff or fails the job for good once its attempts are used up.
func (q *Queue) ReportFailure(ctx context.Context, job *domain.Job, cause error) error {
	return q.fail(ctx, job, cause, q.now())
}

func (q *Queue) fail(ctx context.Context, job *domain.Job, cause error, now time.Time) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	t := domain.Transition{
		AttemptsMade: job.AttemptsMade + 1,
		At:           now,
		Cause:        cause,
	}
	if t.AttemptsMade < job.MaxAttempts {
		t.NextRunAt = now.Add(job.Backoff.Next(t.AttemptsMade))
		if err := q.broker.Retry(ctx, job, t); err != nil {
			return err
		}
		q.logger.Info("job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.Int("attempts_made", t.AttemptsMade),
			zap.Time("next_run_at", t.NextRunAt),
			zap.Error(cause))
		return nil
	}

	t.Retention = q.policy.KeepFailed
	if err := q.broker.Fail(ctx, job, t); err != nil {
		return err
	}
	q.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts_made", t.AttemptsMade),
		zap.Error(cause))
	return nil
}

var _ domain.BlockingQueue = (*Queue)(nil)
