package app

import (
	"context"
	"errors"
	"fmt"
	"launchpad/internal/domain"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultConcurrency       = 1
	DefaultDequeueTimeout    = 5 * time.Second
	DefaultJobTimeout        = 5 * time.Minute
	DefaultHeartbeatInterval = DefaultStallTimeout / 4

	reportTimeout   = 10 * time.Second
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 10 * time.Second
)

type WorkerOptions struct {
	// Concurrency is the number of jobs processed at once per queue.
	Concurrency       int
	DequeueTimeout    time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

type WorkerService struct {
	queues   map[domain.QueueName]domain.BlockingQueue
	handlers map[domain.QueueName]domain.JobHandler
	opts     WorkerOptions
	logger   *zap.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Handlers run on jobsCtx, which outlives ctx so a stop lets claimed
	// jobs finish.
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
}

func NewWorkerService(parent context.Context, queues []domain.BlockingQueue, opts WorkerOptions) *WorkerService {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = DefaultDequeueTimeout
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	byName := make(map[domain.QueueName]domain.BlockingQueue, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}

	ctx, cancel := context.WithCancel(parent)
	jobsCtx, cancelJobs := context.WithCancel(parent)
	return &WorkerService{
		queues:     byName,
		handlers:   make(map[domain.QueueName]domain.JobHandler),
		opts:       opts,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		jobsCtx:    jobsCtx,
		cancelJobs: cancelJobs,
	}
}

func (s *WorkerService) RegisterHandler(queue domain.QueueName, handler domain.JobHandler) error {
	if queue == "" {
		return errors.New("queue name cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if _, ok := s.queues[queue]; !ok {
		return fmt.Errorf("register handler: %w: %q", domain.ErrUnknownQueue, queue)
	}

	s.mu.Lock()
	s.handlers[queue] = handler
	s.mu.Unlock()
	return nil
}

// ProcessJobs processes the given queues until the service is stopped. It
// returns once every job in flight has been reported.
func (s *WorkerService) ProcessJobs(queues []domain.QueueName) error {
	if len(queues) == 0 {
		return errors.New("no queues specified for processing")
	}

	type binding struct {
		queue   domain.BlockingQueue
		handler domain.JobHandler
	}
	bindings := make([]binding, 0, len(queues))
	s.mu.RLock()
	for _, name := range queues {
		q, ok := s.queues[name]
		if !ok {
			s.mu.RUnlock()
			return fmt.Errorf("process jobs: %w: %q", domain.ErrUnknownQueue, name)
		}
		h, ok := s.handlers[name]
		if !ok {
			s.mu.RUnlock()
			return fmt.Errorf("process jobs: no handler registered for queue %q", name)
		}
		bindings = append(bindings, binding{queue: q, handler: h})
	}
	s.mu.RUnlock()

	for _, b := range bindings {
		for i := 0; i < s.opts.Concurrency; i++ {
			s.wg.Add(1)
			go s.poll(b.queue, b.handler, i)
		}
	}
	s.logger.Info("worker started", zap.Int("queues", len(bindings)), zap.Int("concurrency", s.opts.Concurrency))

	<-s.ctx.Done()
	s.wg.Wait()
	return s.ctx.Err()
}

func (s *WorkerService) poll(q domain.BlockingQueue, handler domain.JobHandler, id int) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("queue", string(q.Name())), zap.Int("worker", id))

	backoff := domain.Backoff{Type: domain.BackoffExponential, Delay: minRetryBackoff}
	failures := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		job, err := q.AwaitNext(s.ctx, s.opts.DequeueTimeout)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			wait := backoff.Next(failures)
			if wait > maxRetryBackoff {
				wait = maxRetryBackoff
			}
			logger.Error("dequeue failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		if job == nil {
			continue
		}
		s.process(q, handler, job, logger)
	}
}

func (s *WorkerService) process(q domain.BlockingQueue, handler domain.JobHandler, job *domain.Job, logger *zap.Logger) {
	logger = logger.With(zap.String("job_id", job.ID), zap.Int("attempts_made", job.AttemptsMade))

	jobCtx, cancel := context.WithTimeout(s.jobsCtx, s.opts.JobTimeout)
	stopHeartbeat := s.heartbeat(jobCtx, cancel, q, job, logger)
	result := runHandler(jobCtx, handler, job)
	stopHeartbeat()
	cancel()

	// The outcome is reported even while stopping, so no claimed job is left
	// without a report.
	ctx, done := context.WithTimeout(context.Background(), reportTimeout)
	defer done()

	var err error
	if result.Succeeded() {
		err = q.ReportSuccess(ctx, job)
	} else {
		logger.Warn("job handler failed", zap.Error(result.Err()))
		err = q.ReportFailure(ctx, job, &domain.HandlerError{Queue: q.Name(), JobID: job.ID, Err: result.Err()})
	}
	if err != nil {
		logger.Error("failed to report job outcome", zap.Bool("succeeded", result.Succeeded()), zap.Error(err))
	}
}

// heartbeat renews the job's lease until the returned stop function is
// called. Losing the lease cancels the handler.
func (s *WorkerService) heartbeat(ctx context.Context, cancel context.CancelFunc, q domain.BlockingQueue, job *domain.Job, logger *zap.Logger) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.Heartbeat(ctx, job)
				if errors.Is(err, domain.ErrLeaseLost) {
					logger.Warn("job lease lost, cancelling handler")
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					logger.Error("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func runHandler(ctx context.Context, handler domain.JobHandler, job *domain.Job) (result domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

// Stop stops claiming new jobs and waits for in-flight handlers to finish and
// be reported. When ctx expires first, the handlers are cancelled, their
// failures reported, and ctx's error returned.
func (s *WorkerService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelJobs()
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("stop deadline reached, cancelling in-flight jobs")
	s.cancelJobs()
	select {
	case <-done:
	case <-time.After(reportTimeout):
		s.logger.Error("in-flight jobs did not finish after cancellation")
	}
	return ctx.Err()
}

var _ domain.WorkerService = (*WorkerService)(nil)
