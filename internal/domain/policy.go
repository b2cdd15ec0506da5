package domain

import (
	"fmt"
	"time"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay to wait after the given number of attempts has been
// made. Exponential backoff waits Delay * 2^(attempts-1).
func (b Backoff) Next(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	switch b.Type {
	case BackoffFixed:
		return b.Delay
	default:
		return b.Delay * time.Duration(1<<uint(attemptsMade-1))
	}
}

// Retention bounds how many terminal jobs a queue keeps. Zero values mean
// no limit.
type Retention struct {
	Count int           `json:"count"`
	Age   time.Duration `json:"age"`
}

type QueuePolicy struct {
	Queue         QueueName
	JobName       string
	Attempts      int
	Backoff       Backoff
	KeepCompleted Retention
	KeepFailed    Retention
	// Recurrence is the pattern producers register for this queue, if any.
	Recurrence string
}

func (p QueuePolicy) Validate() error {
	if p.Queue == "" {
		return fmt.Errorf("queue policy: empty queue name")
	}
	if p.Attempts < 1 {
		return fmt.Errorf("queue policy %s: attempts must be at least 1", p.Queue)
	}
	if p.Backoff.Delay < 0 {
		return fmt.Errorf("queue policy %s: negative backoff delay", p.Queue)
	}
	if p.KeepCompleted.Count < 0 || p.KeepFailed.Count < 0 {
		return fmt.Errorf("queue policy %s: negative retention count", p.Queue)
	}
	if p.Recurrence != "" {
		if _, err := ParseRecurrence(p.Recurrence); err != nil {
			return fmt.Errorf("queue policy %s: %w", p.Queue, err)
		}
	}
	return nil
}

const EverySixHours = "0 */6 * * *"

func DefaultPolicies() map[QueueName]QueuePolicy {
	return map[QueueName]QueuePolicy{
		QueueOpportunityDetection: {
			Queue:         QueueOpportunityDetection,
			JobName:       "detect-opportunities",
			Attempts:      3,
			Backoff:       Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
			KeepCompleted: Retention{Count: 100, Age: 24 * time.Hour},
			KeepFailed:    Retention{Count: 1000},
			Recurrence:    EverySixHours,
		},
		QueueBusinessLaunch: {
			Queue:    QueueBusinessLaunch,
			JobName:  "launch-step",
			Attempts: 2,
			Backoff:  Backoff{Type: BackoffExponential, Delay: 3 * time.Second},
		},
		QueueMetricsAggregation: {
			Queue:    QueueMetricsAggregation,
			JobName:  "aggregate-metrics",
			Attempts: 5,
			Backoff:  Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
		},
	}
}
