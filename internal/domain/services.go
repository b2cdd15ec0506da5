package domain

import "context"

type SchedulerService interface {
	// PromoteDueJobs moves delayed jobs whose run time has come to waiting
	PromoteDueJobs(ctx context.Context) error
	// ReclaimStalledJobs fails or retries active jobs whose lease expired
	ReclaimStalledJobs(ctx context.Context) error
	// ProcessRecurrences materializes due occurrences of recurring jobs
	ProcessRecurrences(ctx context.Context) error
}

// Result is the outcome of a handler run.
type Result struct {
	err error
}

func Success() Result {
	return Result{}
}

func Failure(err error) Result {
	if err == nil {
		err = errUnspecifiedFailure
	}
	return Result{err: err}
}

func (r Result) Succeeded() bool {
	return r.err == nil
}

func (r Result) Err() error {
	return r.err
}

type JobHandler func(context.Context, *Job) Result

type WorkerService interface {
	// Register a handler for the jobs of a queue
	RegisterHandler(queue QueueName, handler JobHandler) error
	// ProcessJobs continuously processes jobs from the specified queues
	ProcessJobs(queues []QueueName) error
	// Stop gracefully shuts down the worker service
	Stop(ctx context.Context) error
}
