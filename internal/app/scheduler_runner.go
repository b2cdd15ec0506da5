package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTickInterval       = time.Second
	DefaultRecurrenceInterval = 15 * time.Second
)

type SchedulerRunner struct {
	service            *SchedulerService
	tickInterval       time.Duration
	recurrenceInterval time.Duration
	logger             *zap.Logger
}

func NewSchedulerRunner(service *SchedulerService, tickInterval, recurrenceInterval time.Duration, logger *zap.Logger) *SchedulerRunner {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if recurrenceInterval <= 0 {
		recurrenceInterval = DefaultRecurrenceInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerRunner{
		service:            service,
		tickInterval:       tickInterval,
		recurrenceInterval: recurrenceInterval,
		logger:             logger,
	}
}

// Start runs the scheduler loops until ctx is done.
func (r *SchedulerRunner) Start(ctx context.Context) error {
	r.logger.Info("starting scheduler",
		zap.Duration("tick_interval", r.tickInterval),
		zap.Duration("recurrence_interval", r.recurrenceInterval))

	fastTicker := time.NewTicker(r.tickInterval)
	slowTicker := time.NewTicker(r.recurrenceInterval)

	defer fastTicker.Stop()
	defer slowTicker.Stop()

	// Catch up on whatever came due while no scheduler was running.
	r.processRecurrences(ctx)
	r.promote(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.fastTick(ctx, fastTicker)
	}()
	go func() {
		defer wg.Done()
		r.slowTick(ctx, slowTicker)
	}()

	<-ctx.Done()
	wg.Wait()
	r.logger.Info("scheduler shutting down")
	return nil
}

func (r *SchedulerRunner) fastTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.promote(ctx)
		}
	}
}

func (r *SchedulerRunner) slowTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.processRecurrences(ctx)
		}
	}
}

func (r *SchedulerRunner) promote(ctx context.Context) {
	if err := r.service.PromoteDueJobs(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("error promoting delayed jobs", zap.Error(err))
	}
	if err := r.service.ReclaimStalledJobs(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("error reclaiming stalled jobs", zap.Error(err))
	}
}

func (r *SchedulerRunner) processRecurrences(ctx context.Context) {
	if err := r.service.ProcessRecurrences(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("error processing recurrences", zap.Error(err))
	}
	// Occurrences that came due are promoted right away instead of waiting
	// for the next fast tick.
	if err := r.service.PromoteDueJobs(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("error promoting delayed jobs", zap.Error(err))
	}
}
