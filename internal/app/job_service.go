package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"launchpad/internal/domain"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

type Options struct {
	Policies           map[domain.QueueName]domain.QueuePolicy
	StallTimeout       time.Duration
	PollInterval       time.Duration
	PromoteBatch       int
	TickInterval       time.Duration
	RecurrenceInterval time.Duration
	Now                func() time.Time
	Logger             *zap.Logger
}

// SchedulingService owns the queues, the broker connection and, once
// started, the scheduler loops. It is the entry point for producers.
type SchedulingService struct {
	broker    domain.QueueBroker
	events    domain.EventStream
	queues    map[domain.QueueName]*Queue
	scheduler *SchedulerService
	runner    *SchedulerRunner
	logger    *zap.Logger

	mu           sync.Mutex
	stopRunner   context.CancelFunc
	runnerDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewSchedulingService(broker domain.QueueBroker, events domain.EventStream, opts Options) (*SchedulingService, error) {
	if opts.Policies == nil {
		opts.Policies = domain.DefaultPolicies()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	queues := make(map[domain.QueueName]*Queue, len(domain.QueueNames))
	ordered := make([]*Queue, 0, len(domain.QueueNames))
	for _, name := range domain.QueueNames {
		policy, ok := opts.Policies[name]
		if !ok {
			return nil, fmt.Errorf("missing policy for queue %s", name)
		}
		q, err := NewQueue(broker, policy, QueueOptions{
			StallTimeout: opts.StallTimeout,
			PollInterval: opts.PollInterval,
			Now:          opts.Now,
			Logger:       opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		queues[name] = q
		ordered = append(ordered, q)
	}

	scheduler := NewSchedulerService(broker, ordered, opts.PromoteBatch, opts.Now, opts.Logger.Named("scheduler"))
	return &SchedulingService{
		broker:    broker,
		events:    events,
		queues:    queues,
		scheduler: scheduler,
		runner:    NewSchedulerRunner(scheduler, opts.TickInterval, opts.RecurrenceInterval, opts.Logger.Named("scheduler")),
		logger:    opts.Logger,
	}, nil
}

// Open waits for the broker to answer, retrying with exponential backoff
// for as long as ctx allows.
func (s *SchedulingService) Open(ctx context.Context) error {
	backoff := domain.Backoff{Type: domain.BackoffExponential, Delay: minReconnectDelay}
	for attempt := 1; ; attempt++ {
		err := s.broker.Ping(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("broker connection established", zap.Int("attempts", attempt))
			}
			return nil
		}

		wait := maxReconnectDelay
		if attempt < 20 {
			wait = min(backoff.Next(attempt), maxReconnectDelay)
		}
		s.logger.Warn("broker unavailable, retrying", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, errors.Join(err, ctx.Err()))
		case <-time.After(wait):
		}
	}
}

// StartScheduler runs the scheduler loops in the background until Shutdown.
func (s *SchedulingService) StartScheduler(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRunner != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.stopRunner = cancel
	s.runnerDone = make(chan struct{})
	go func() {
		defer close(s.runnerDone)
		_ = s.runner.Start(runCtx)
	}()
}

func (s *SchedulingService) Scheduler() *SchedulerService {
	return s.scheduler
}

// Shutdown stops the scheduler loops and closes the broker connection. Later
// calls return the result of the first.
func (s *SchedulingService) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		stop, done := s.stopRunner, s.runnerDone
		s.mu.Unlock()

		if stop != nil {
			stop()
			select {
			case <-done:
			case <-ctx.Done():
				s.shutdownErr = ctx.Err()
			}
		}
		if err := s.broker.Close(); err != nil {
			s.shutdownErr = errors.Join(s.shutdownErr, err)
		}
		s.logger.Info("scheduling service shut down")
	})
	return s.shutdownErr
}

func (s *SchedulingService) Queue(name domain.QueueName) (*Queue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownQueue, name)
	}
	return q, nil
}

// BlockingQueues returns the named queues for a worker, all of them when
// names is empty.
func (s *SchedulingService) BlockingQueues(names ...domain.QueueName) ([]domain.BlockingQueue, error) {
	if len(names) == 0 {
		names = domain.QueueNames
	}
	out := make([]domain.BlockingQueue, 0, len(names))
	for _, name := range names {
		q, err := s.Queue(name)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *SchedulingService) Enqueue(ctx context.Context, queue domain.QueueName, payload any, opts domain.EnqueueOptions) (string, error) {
	q, err := s.Queue(queue)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return q.Enqueue(ctx, raw, opts)
}

// EnqueueOpportunityDetection registers the six-hourly detection run. The
// first call registers the recurrence; later calls return the pending
// occurrence.
func (s *SchedulingService) EnqueueOpportunityDetection(ctx context.Context, p domain.OpportunityDetectionPayload) (string, error) {
	q := s.queues[domain.QueueOpportunityDetection]
	pattern := q.Policy().Recurrence
	if pattern == "" {
		pattern = domain.EverySixHours
	}
	return s.Enqueue(ctx, domain.QueueOpportunityDetection, p, domain.EnqueueOptions{Recurrence: pattern})
}

func (s *SchedulingService) EnqueueBusinessLaunchStep(ctx context.Context, p domain.BusinessLaunchStepPayload) (string, error) {
	return s.Enqueue(ctx, domain.QueueBusinessLaunch, p, domain.EnqueueOptions{})
}

func (s *SchedulingService) EnqueueMetricsAggregation(ctx context.Context, p domain.MetricsAggregationPayload) (string, error) {
	return s.Enqueue(ctx, domain.QueueMetricsAggregation, p, domain.EnqueueOptions{})
}

func (s *SchedulingService) GetJob(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error) {
	if _, err := s.Queue(queue); err != nil {
		return nil, err
	}
	return s.broker.GetJob(ctx, queue, id)
}

func (s *SchedulingService) Counts(ctx context.Context, queue domain.QueueName) (map[domain.JobState]int64, error) {
	if _, err := s.Queue(queue); err != nil {
		return nil, err
	}
	return s.broker.Counts(ctx, queue)
}

func (s *SchedulingService) Subscribe(ctx context.Context, queues ...domain.QueueName) (<-chan domain.Event, error) {
	for _, q := range queues {
		if _, err := s.Queue(q); err != nil {
			return nil, err
		}
	}
	return s.events.Subscribe(ctx, queues...)
}
