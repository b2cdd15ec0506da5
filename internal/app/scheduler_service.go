package app

import (
	"context"
	"errors"
	"launchpad/internal/domain"
	"time"

	"go.uber.org/zap"
)

const DefaultPromoteBatch = 100

type SchedulerService struct {
	broker    domain.QueueBroker
	queues    []*Queue
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

func NewSchedulerService(broker domain.QueueBroker, queues []*Queue, batchSize int, now func() time.Time, logger *zap.Logger) *SchedulerService {
	if batchSize <= 0 {
		batchSize = DefaultPromoteBatch
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerService{
		broker:    broker,
		queues:    queues,
		batchSize: batchSize,
		now:       now,
		logger:    logger,
	}
}

// PromoteDueJobs moves every delayed job due by now to waiting, batch by
// batch, so a backlog left by a stopped scheduler is cleared in one call.
func (s *SchedulerService) PromoteDueJobs(ctx context.Context) error {
	now := s.now()
	var errs []error
	for _, q := range s.queues {
		total := 0
		for {
			promoted, scanned, err := s.broker.PromoteDue(ctx, q.Name(), now, s.batchSize)
			if err != nil {
				errs = append(errs, err)
				break
			}
			total += promoted
			if scanned < s.batchSize {
				break
			}
		}
		if total > 0 {
			s.logger.Debug("promoted delayed jobs", zap.String("queue", string(q.Name())), zap.Int("count", total))
		}
	}
	return errors.Join(errs...)
}

// ReclaimStalledJobs treats every active job whose lease ran out as a failed
// attempt, retrying or failing it like any other failure.
func (s *SchedulerService) ReclaimStalledJobs(ctx context.Context) error {
	now := s.now()
	var errs []error
	for _, q := range s.queues {
		reclaimed := 0
		for {
			jobs, err := s.broker.ExpiredLeases(ctx, q.Name(), now, s.batchSize)
			if err != nil {
				errs = append(errs, err)
				break
			}
			progress := 0
			for _, job := range jobs {
				err := q.fail(ctx, job, domain.ErrJobStalled, now)
				switch {
				case err == nil:
					progress++
				case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrJobNotFound):
					// the worker reported or heartbeated in the meantime
				default:
					errs = append(errs, err)
				}
			}
			reclaimed += progress
			if len(jobs) < s.batchSize || progress == 0 {
				break
			}
		}
		if reclaimed > 0 {
			s.logger.Warn("reclaimed stalled jobs", zap.String("queue", string(q.Name())), zap.Int("count", reclaimed))
		}
	}
	return errors.Join(errs...)
}

// ProcessRecurrences materializes every slot that came due since the last
// run, one job per slot, and leaves the next future slot pending.
func (s *SchedulerService) ProcessRecurrences(ctx context.Context) error {
	now := s.now()
	var errs []error
	for _, q := range s.queues {
		regs, err := s.broker.Recurrences(ctx, q.Name())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, reg := range regs {
			created, err := s.advanceRecurrence(ctx, q, reg, now)
			if err != nil {
				errs = append(errs, err)
			}
			if created > 0 {
				s.logger.Info("materialized recurring jobs",
					zap.String("queue", string(q.Name())),
					zap.String("key", reg.Key),
					zap.Int("count", created),
					zap.Time("next_slot", reg.NextSlot))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *SchedulerService) advanceRecurrence(ctx context.Context, q *Queue, reg *domain.RecurrenceRegistration, now time.Time) (int, error) {
	rec, err := domain.ParseRecurrence(reg.Pattern)
	if err != nil {
		return 0, err
	}
	created := 0
	// The pending occurrence is the last materialized slot. Once it is due,
	// the following slot becomes the pending one.
	for !reg.LastSlot.After(now) {
		ok, err := q.materialize(ctx, reg, rec, now)
		if err != nil {
			return created, err
		}
		if !ok {
			// another scheduler advanced the registration
			return created, nil
		}
		created++
	}
	return created, nil
}

var _ domain.SchedulerService = (*SchedulerService)(nil)
