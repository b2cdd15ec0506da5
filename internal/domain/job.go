package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type QueueName string

const (
	QueueOpportunityDetection QueueName = "opportunity-detection"
	QueueBusinessLaunch       QueueName = "business-launch"
	QueueMetricsAggregation   QueueName = "metrics-aggregation"
)

// QueueNames lists every queue the system runs, in a stable order.
var QueueNames = []QueueName{
	QueueOpportunityDetection,
	QueueBusinessLaunch,
	QueueMetricsAggregation,
}

func ParseQueueName(s string) (QueueName, error) {
	for _, q := range QueueNames {
		if string(q) == s {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
}

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

type Job struct {
	ID           string          `json:"id"`
	Queue        QueueName       `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	State        JobState        `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	Recurrence   string          `json:"recurrence,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	// ProcessedAt is the start of the latest attempt, FirstProcessedAt the
	// start of the first one.
	ProcessedAt      *time.Time `json:"processedAt,omitempty"`
	FirstProcessedAt *time.Time `json:"firstProcessedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	NextRunAt        *time.Time `json:"nextRunAt,omitempty"`
	LeaseUntil       *time.Time `json:"leaseUntil,omitempty"`

	// Token identifies the claim held by the worker that dequeued the job.
	Token string `json:"-"`
}

// NewJob builds a job for the queue's policy. A positive delay makes the job
// start out delayed instead of waiting.
func NewJob(id string, policy QueuePolicy, payload json.RawMessage, now time.Time, delay time.Duration) *Job {
	job := &Job{
		ID:          id,
		Queue:       policy.Queue,
		Name:        policy.JobName,
		Payload:     payload,
		State:       JobStateWaiting,
		MaxAttempts: policy.Attempts,
		Backoff:     policy.Backoff,
		CreatedAt:   now,
	}
	if delay > 0 {
		runAt := now.Add(delay)
		job.State = JobStateDelayed
		job.NextRunAt = &runAt
	}
	return job
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload for job %s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// Err returns the terminal failure of a failed job, nil otherwise.
func (j *Job) Err() error {
	if j.State != JobStateFailed {
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %s", ErrAttemptsExhausted, j.AttemptsMade, j.FailedReason)
}

// Transition describes the outcome of one execution attempt.
type Transition struct {
	AttemptsMade int
	At           time.Time
	NextRunAt    time.Time
	Cause        error
	Retention    Retention
}
