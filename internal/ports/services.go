package ports

import (
	"context"
	"launchpad/internal/domain"
)

// Producer is the enqueue side used by the HTTP API and the CLI.
type Producer interface {
	EnqueueOpportunityDetection(ctx context.Context, p domain.OpportunityDetectionPayload) (string, error)
	EnqueueBusinessLaunchStep(ctx context.Context, p domain.BusinessLaunchStepPayload) (string, error)
	EnqueueMetricsAggregation(ctx context.Context, p domain.MetricsAggregationPayload) (string, error)
}

type Inspector interface {
	GetJob(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error)
	Counts(ctx context.Context, queue domain.QueueName) (map[domain.JobState]int64, error)
	Subscribe(ctx context.Context, queues ...domain.QueueName) (<-chan domain.Event, error)
}

type JobService interface {
	Producer
	Inspector
}

// Notifier fans handler progress out to the rest of the application.
type Notifier interface {
	Publish(ctx context.Context, channel string, message any) error
	Invalidate(ctx context.Context, keys ...string) error
}
