package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"launchpad/internal/domain"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const DefaultKeyPrefix = "launchpad"

type RedisQueueBroker struct {
	client *redis.Client
	prefix string
}

const (
	commandMaxRetries      = 5
	commandMinRetryBackoff = 100 * time.Millisecond
	commandMaxRetryBackoff = 5 * time.Second
)

// NewRedisClient builds a client from a redis:// connection string.
//
// Each command is retried at most commandMaxRetries times with exponential
// backoff; after that the call fails with domain.ErrQueueUnavailable and the
// caller decides whether to retry. The retry without limit lives above the
// client: SchedulingService.Open at startup and the worker poll loop at run
// time. The client redials on the next command once Redis is back.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = commandMaxRetries
	opts.MinRetryBackoff = commandMinRetryBackoff
	opts.MaxRetryBackoff = commandMaxRetryBackoff
	return redis.NewClient(opts), nil
}

func NewRedisQueueBroker(client *redis.Client, prefix string) *RedisQueueBroker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisQueueBroker{client: client, prefix: prefix}
}

type queueKeys struct {
	wait       string
	delayed    string
	active     string
	completed  string
	failed     string
	repeat     string
	repeatNext string
	repeatLast string
	events     string
	jobPrefix  string
}

func (r *RedisQueueBroker) keys(queue domain.QueueName) queueKeys {
	base := r.prefix + ":" + string(queue) + ":"
	return queueKeys{
		wait:       base + "wait",
		delayed:    base + "delayed",
		active:     base + "active",
		completed:  base + "completed",
		failed:     base + "failed",
		repeat:     base + "repeat",
		repeatNext: base + "repeat:next",
		repeatLast: base + "repeat:last",
		events:     base + "events",
		jobPrefix:  base + "job:",
	}
}

// EventsChannel is the pub/sub channel carrying the lifecycle events of queue.
func (r *RedisQueueBroker) EventsChannel(queue domain.QueueName) string {
	return r.keys(queue).events
}

func (r *RedisQueueBroker) Ping(ctx context.Context) error {
	return wrapErr(r.client.Ping(ctx).Err())
}

func (r *RedisQueueBroker) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	k := r.keys(job.Queue)
	res, err := enqueueScript.Run(ctx, r.client, []string{k.wait, k.delayed}, r.jobArgs(k, job)...).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", job.ID, wrapErr(err))
	}
	return res == 1, nil
}

func (r *RedisQueueBroker) jobArgs(k queueKeys, job *domain.Job) []interface{} {
	nextRunAt := ""
	if job.NextRunAt != nil {
		nextRunAt = formatMillis(*job.NextRunAt)
	}
	return []interface{}{
		k.jobPrefix,
		job.ID,
		string(job.Queue),
		job.Name,
		string(job.Payload),
		strconv.Itoa(job.MaxAttempts),
		string(job.Backoff.Type),
		strconv.FormatInt(job.Backoff.Delay.Milliseconds(), 10),
		job.Recurrence,
		formatMillis(job.CreatedAt),
		nextRunAt,
		k.events,
	}
}

func (r *RedisQueueBroker) Claim(ctx context.Context, queue domain.QueueName, now, leaseUntil time.Time) (*domain.Job, error) {
	k := r.keys(queue)
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, r.client, []string{k.wait, k.active},
		k.jobPrefix, formatMillis(now), formatMillis(leaseUntil), token, k.events, string(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queue, wrapErr(err))
	}
	fields, err := flatHash(res)
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queue, err)
	}
	return decodeJob(fields)
}

func (r *RedisQueueBroker) ExtendLease(ctx context.Context, job *domain.Job, leaseUntil time.Time) error {
	k := r.keys(job.Queue)
	res, err := extendScript.Run(ctx, r.client, []string{k.active},
		k.jobPrefix, job.ID, job.Token, formatMillis(leaseUntil)).Int64()
	if err != nil {
		return fmt.Errorf("extend lease of job %s: %w", job.ID, wrapErr(err))
	}
	if res != 1 {
		return fmt.Errorf("extend lease of job %s: %w", job.ID, domain.ErrLeaseLost)
	}
	job.LeaseUntil = &leaseUntil
	return nil
}

func (r *RedisQueueBroker) Complete(ctx context.Context, job *domain.Job, t domain.Transition) error {
	k := r.keys(job.Queue)
	res, err := completeScript.Run(ctx, r.client, []string{k.active, k.completed},
		k.jobPrefix, job.ID, job.Token,
		strconv.Itoa(job.AttemptsMade), strconv.Itoa(t.AttemptsMade),
		formatMillis(t.At),
		strconv.Itoa(t.Retention.Count), retentionCutoff(t.Retention, t.At),
		k.events, string(job.Queue)).Int64()
	if err := claimResult(job, "complete", res, err); err != nil {
		return err
	}
	at := t.At
	job.State = domain.JobStateCompleted
	job.AttemptsMade = t.AttemptsMade
	job.FinishedAt = &at
	job.FailedReason = ""
	job.Token, job.LeaseUntil = "", nil
	return nil
}

func (r *RedisQueueBroker) Retry(ctx context.Context, job *domain.Job, t domain.Transition) error {
	k := r.keys(job.Queue)
	reason := causeText(t.Cause)
	res, err := retryScript.Run(ctx, r.client, []string{k.active, k.delayed},
		k.jobPrefix, job.ID, job.Token,
		strconv.Itoa(job.AttemptsMade), strconv.Itoa(t.AttemptsMade),
		formatMillis(t.At), formatMillis(t.NextRunAt), reason, stalledFlag(t.Cause),
		k.events, string(job.Queue)).Int64()
	if err := claimResult(job, "retry", res, err); err != nil {
		return err
	}
	next := t.NextRunAt
	job.State = domain.JobStateDelayed
	job.AttemptsMade = t.AttemptsMade
	job.NextRunAt = &next
	job.FailedReason = reason
	job.Token, job.LeaseUntil = "", nil
	return nil
}

func (r *RedisQueueBroker) Fail(ctx context.Context, job *domain.Job, t domain.Transition) error {
	k := r.keys(job.Queue)
	reason := causeText(t.Cause)
	res, err := failScript.Run(ctx, r.client, []string{k.active, k.failed},
		k.jobPrefix, job.ID, job.Token,
		strconv.Itoa(job.AttemptsMade), strconv.Itoa(t.AttemptsMade),
		formatMillis(t.At), reason, stalledFlag(t.Cause),
		strconv.Itoa(t.Retention.Count), retentionCutoff(t.Retention, t.At),
		k.events, string(job.Queue)).Int64()
	if err := claimResult(job, "fail", res, err); err != nil {
		return err
	}
	at := t.At
	job.State = domain.JobStateFailed
	job.AttemptsMade = t.AttemptsMade
	job.FinishedAt = &at
	job.FailedReason = reason
	job.Token, job.LeaseUntil = "", nil
	return nil
}

func claimResult(job *domain.Job, op string, res int64, err error) error {
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, job.ID, wrapErr(err))
	}
	switch res {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%s job %s: %w", op, job.ID, domain.ErrJobNotFound)
	default:
		return fmt.Errorf("%s job %s: %w", op, job.ID, domain.ErrLeaseLost)
	}
}

func (r *RedisQueueBroker) PromoteDue(ctx context.Context, queue domain.QueueName, now time.Time, limit int) (int, int, error) {
	k := r.keys(queue)
	res, err := promoteScript.Run(ctx, r.client, []string{k.delayed, k.wait},
		k.jobPrefix, formatMillis(now), strconv.Itoa(limit), k.events, string(queue)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("promote %s: %w", queue, wrapErr(err))
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("promote %s: unexpected reply %v", queue, res)
	}
	promoted, _ := pair[0].(int64)
	scanned, _ := pair[1].(int64)
	return int(promoted), int(scanned), nil
}

func (r *RedisQueueBroker) ExpiredLeases(ctx context.Context, queue domain.QueueName, now time.Time, limit int) ([]*domain.Job, error) {
	k := r.keys(queue)
	ids, err := r.client.ZRangeByScore(ctx, k.active, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatMillis(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired leases of %s: %w", queue, wrapErr(err))
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.GetJob(ctx, queue, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisQueueBroker) GetJob(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error) {
	fields, err := r.client.HGetAll(ctx, r.keys(queue).jobPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, wrapErr(err))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get job %s: %w", id, domain.ErrJobNotFound)
	}
	return decodeJob(fields)
}

func (r *RedisQueueBroker) Counts(ctx context.Context, queue domain.QueueName) (map[domain.JobState]int64, error) {
	k := r.keys(queue)
	var (
		waiting   *redis.IntCmd
		delayed   *redis.IntCmd
		active    *redis.IntCmd
		completed *redis.IntCmd
		failed    *redis.IntCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, k.wait)
		delayed = pipe.ZCard(ctx, k.delayed)
		active = pipe.ZCard(ctx, k.active)
		completed = pipe.ZCard(ctx, k.completed)
		failed = pipe.ZCard(ctx, k.failed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs of %s: %w", queue, wrapErr(err))
	}
	return map[domain.JobState]int64{
		domain.JobStateWaiting:   waiting.Val(),
		domain.JobStateDelayed:   delayed.Val(),
		domain.JobStateActive:    active.Val(),
		domain.JobStateCompleted: completed.Val(),
		domain.JobStateFailed:    failed.Val(),
	}, nil
}

func (r *RedisQueueBroker) RegisterRecurrence(ctx context.Context, reg *domain.RecurrenceRegistration) (bool, error) {
	k := r.keys(reg.Queue)
	encoded, err := json.Marshal(reg)
	if err != nil {
		return false, fmt.Errorf("encode recurrence %s: %w", reg.Key, err)
	}
	res, err := registerRecurrenceScript.Run(ctx, r.client, []string{k.repeat, k.repeatNext, k.repeatLast},
		reg.Key, string(encoded), formatMillis(reg.NextSlot)).Int64()
	if err != nil {
		return false, fmt.Errorf("register recurrence %s: %w", reg.Key, wrapErr(err))
	}
	return res == 1, nil
}

func (r *RedisQueueBroker) Recurrences(ctx context.Context, queue domain.QueueName) ([]*domain.RecurrenceRegistration, error) {
	k := r.keys(queue)
	var defs, next, last *redis.StringStringMapCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		defs = pipe.HGetAll(ctx, k.repeat)
		next = pipe.HGetAll(ctx, k.repeatNext)
		last = pipe.HGetAll(ctx, k.repeatLast)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recurrences of %s: %w", queue, wrapErr(err))
	}

	regs := make([]*domain.RecurrenceRegistration, 0, len(defs.Val()))
	for key, encoded := range defs.Val() {
		reg := &domain.RecurrenceRegistration{}
		if err := json.Unmarshal([]byte(encoded), reg); err != nil {
			return nil, fmt.Errorf("decode recurrence %s: %w", key, err)
		}
		reg.Key = key
		reg.Queue = queue
		if reg.NextSlot, err = parseMillis(next.Val()[key]); err != nil {
			return nil, fmt.Errorf("decode recurrence %s: %w", key, err)
		}
		if reg.LastSlot, err = parseMillis(last.Val()[key]); err != nil {
			return nil, fmt.Errorf("decode recurrence %s: %w", key, err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (r *RedisQueueBroker) MaterializeOccurrence(ctx context.Context, reg *domain.RecurrenceRegistration, slot, next time.Time, job *domain.Job) (bool, error) {
	k := r.keys(reg.Queue)
	args := append(r.jobArgs(k, job), reg.Key, formatMillis(slot), formatMillis(next))
	res, err := materializeScript.Run(ctx, r.client,
		[]string{k.wait, k.delayed, k.repeatNext, k.repeatLast}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("materialize %s at %s: %w", reg.Key, slot.Format(time.RFC3339), wrapErr(err))
	}
	return res == 1, nil
}

var _ domain.QueueBroker = (*RedisQueueBroker)(nil)

func (r *RedisQueueBroker) Close() error {
	return r.client.Close()
}

func retentionCutoff(keep domain.Retention, now time.Time) string {
	if keep.Age <= 0 {
		return ""
	}
	return formatMillis(now.Add(-keep.Age))
}

func stalledFlag(cause error) string {
	if errors.Is(cause, domain.ErrJobStalled) {
		return "1"
	}
	return "0"
}

// causeText is the failed reason stored for cause. Handler errors are stored
// without the queue and job prefix.
func causeText(cause error) string {
	if cause == nil {
		return ""
	}
	var handlerErr *domain.HandlerError
	if errors.As(cause, &handlerErr) && handlerErr.Err != nil {
		return handlerErr.Err.Error()
	}
	return cause.Error()
}
