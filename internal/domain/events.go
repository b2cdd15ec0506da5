package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventDelayed   EventType = "delayed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

type Event struct {
	Type         EventType  `json:"event"`
	JobID        string     `json:"jobId"`
	Queue        QueueName  `json:"queue"`
	State        JobState   `json:"state,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	AttemptsMade int        `json:"attemptsMade"`
	NextRunAt    *time.Time `json:"nextRunAt,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
}

// EventStream delivers lifecycle events best-effort: events published while
// nobody is subscribed are lost.
type EventStream interface {
	// Subscribe streams events of the given queues until ctx is done, then
	// closes the channel.
	Subscribe(ctx context.Context, queues ...QueueName) (<-chan Event, error)
}
