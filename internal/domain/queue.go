package domain

import (
	"context"
	"time"
)

// QueueBroker is the durable store behind every queue. Each state change is a
// single atomic operation in the broker, so concurrent workers and schedulers
// in separate processes never observe a half-applied transition.
type QueueBroker interface {
	// Ping checks the broker connection.
	Ping(ctx context.Context) error
	// Enqueue stores a new job as waiting, or delayed when NextRunAt is set.
	// It returns false if a job with the same id already exists.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	// Claim moves the next waiting job to active and returns it, or nil when
	// nothing is waiting. The claim holds until leaseUntil unless extended.
	Claim(ctx context.Context, queue QueueName, now, leaseUntil time.Time) (*Job, error)
	// ExtendLease pushes the lease of a claimed job to leaseUntil.
	ExtendLease(ctx context.Context, job *Job, leaseUntil time.Time) error
	// Complete, Retry and Fail close a claim. They return ErrLeaseLost when
	// job.Token no longer owns the job.
	Complete(ctx context.Context, job *Job, t Transition) error
	Retry(ctx context.Context, job *Job, t Transition) error
	Fail(ctx context.Context, job *Job, t Transition) error
	// PromoteDue moves up to limit delayed jobs due at now to waiting. It
	// returns how many were promoted and how many delayed entries it
	// inspected.
	PromoteDue(ctx context.Context, queue QueueName, now time.Time, limit int) (promoted int, scanned int, err error)
	// ExpiredLeases returns active jobs whose lease ended before now.
	ExpiredLeases(ctx context.Context, queue QueueName, now time.Time, limit int) ([]*Job, error)
	GetJob(ctx context.Context, queue QueueName, id string) (*Job, error)
	Counts(ctx context.Context, queue QueueName) (map[JobState]int64, error)
	// RegisterRecurrence stores reg once; it returns false when a
	// registration with the same key already exists.
	RegisterRecurrence(ctx context.Context, reg *RecurrenceRegistration) (bool, error)
	Recurrences(ctx context.Context, queue QueueName) ([]*RecurrenceRegistration, error)
	// MaterializeOccurrence creates job for the registration's slot and
	// advances its next slot to next, provided the registration's next slot
	// still equals slot. It returns false if another scheduler got there
	// first.
	MaterializeOccurrence(ctx context.Context, reg *RecurrenceRegistration, slot, next time.Time, job *Job) (bool, error)
	Close() error
}

// BlockingQueue is the worker-facing side of a queue.
type BlockingQueue interface {
	Name() QueueName
	// TryDequeue claims the next eligible job without waiting; it returns
	// nil when there is none.
	TryDequeue(ctx context.Context) (*Job, error)
	// AwaitNext waits up to timeout for a job to claim; it returns nil when
	// the timeout expires first.
	AwaitNext(ctx context.Context, timeout time.Duration) (*Job, error)
	ReportSuccess(ctx context.Context, job *Job) error
	ReportFailure(ctx context.Context, job *Job, cause error) error
	// Heartbeat renews the claim on a job that is still being processed.
	Heartbeat(ctx context.Context, job *Job) error
}

type EnqueueOptions struct {
	// Attempts overrides the queue's maximum attempts.
	Attempts int
	// BackoffDelay overrides the queue's base backoff delay.
	BackoffDelay time.Duration
	// Recurrence registers the job as a cron-style recurring job.
	Recurrence string
	// Delay postpones the first run.
	Delay time.Duration
}
