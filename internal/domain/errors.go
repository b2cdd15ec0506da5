package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrUnknownQueue     = errors.New("unknown queue")
	ErrJobNotFound      = errors.New("job not found")
	// ErrLeaseLost is returned when a worker reports on a job it no longer
	// holds, for instance after the job was reclaimed as stalled.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobStalled is the failure cause recorded for reclaimed jobs.
	ErrJobStalled = errors.New("job stalled more than allowable limit")
	// ErrAttemptsExhausted marks a job failed after its last attempt.
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	errUnspecifiedFailure = errors.New("handler failed without an error")
)

// HandlerError wraps a failure reported by a job handler.
type HandlerError struct {
	Queue QueueName
	JobID string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s job %s: %v", e.Queue, e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
