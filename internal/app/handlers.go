package app

import (
	"context"
	"fmt"
	"launchpad/internal/domain"
	"launchpad/internal/ports"
	"time"

	"go.uber.org/zap"
)

const (
	ChannelLaunchProgress    = "channel:launch:progress"
	ChannelBusinessMetrics   = "channel:business:metrics"
	ChannelAIActivity        = "channel:ai:activity"
	businessMetricsKeyFormat = "business:%s:metrics:%s"
)

// BusinessMetricsKey is the cache key of a business's metrics for one day.
func BusinessMetricsKey(businessID, date string) string {
	return fmt.Sprintf(businessMetricsKeyFormat, businessID, date)
}

type LaunchProgress struct {
	JobID      string    `json:"jobId"`
	BusinessID string    `json:"businessId"`
	UserID     string    `json:"userId"`
	Step       int       `json:"step"`
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
}

type MetricsUpdated struct {
	BusinessID string    `json:"businessId"`
	Date       string    `json:"date"`
	At         time.Time `json:"at"`
}

type AIActivity struct {
	Kind         string                     `json:"kind"`
	JobID        string                     `json:"jobId"`
	Sources      []domain.OpportunitySource `json:"sources"`
	ForceRefresh bool                       `json:"forceRefresh"`
	At           time.Time                  `json:"at"`
}

// DefaultHandlers returns the handlers run by the worker binary. They
// announce the work on the application's pub/sub channels and keep the
// metrics cache fresh; the heavy lifting is done by whoever listens.
func DefaultHandlers(notifier ports.Notifier, now func() time.Time, logger *zap.Logger) map[domain.QueueName]domain.JobHandler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return map[domain.QueueName]domain.JobHandler{
		domain.QueueOpportunityDetection: func(ctx context.Context, job *domain.Job) domain.Result {
			var p domain.OpportunityDetectionPayload
			if err := job.DecodePayload(&p); err != nil {
				return domain.Failure(err)
			}
			err := notifier.Publish(ctx, ChannelAIActivity, AIActivity{
				Kind:         "opportunity-detection",
				JobID:        job.ID,
				Sources:      p.Sources,
				ForceRefresh: p.ForceRefresh,
				At:           now(),
			})
			if err != nil {
				return domain.Failure(err)
			}
			logger.Info("opportunity detection requested", zap.String("job_id", job.ID), zap.Int("sources", len(p.Sources)))
			return domain.Success()
		},

		domain.QueueBusinessLaunch: func(ctx context.Context, job *domain.Job) domain.Result {
			var p domain.BusinessLaunchStepPayload
			if err := job.DecodePayload(&p); err != nil {
				return domain.Failure(err)
			}
			err := notifier.Publish(ctx, ChannelLaunchProgress, LaunchProgress{
				JobID:      job.ID,
				BusinessID: p.BusinessID,
				UserID:     p.UserID,
				Step:       p.Step,
				Attempt:    job.AttemptsMade + 1,
				At:         now(),
			})
			if err != nil {
				return domain.Failure(err)
			}
			return domain.Success()
		},

		domain.QueueMetricsAggregation: func(ctx context.Context, job *domain.Job) domain.Result {
			var p domain.MetricsAggregationPayload
			if err := job.DecodePayload(&p); err != nil {
				return domain.Failure(err)
			}
			if err := notifier.Invalidate(ctx, BusinessMetricsKey(p.BusinessID, p.Date)); err != nil {
				return domain.Failure(err)
			}
			err := notifier.Publish(ctx, ChannelBusinessMetrics, MetricsUpdated{
				BusinessID: p.BusinessID,
				Date:       p.Date,
				At:         now(),
			})
			if err != nil {
				return domain.Failure(err)
			}
			return domain.Success()
		},
	}
}
