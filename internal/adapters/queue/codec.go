package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"launchpad/internal/domain"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// parseMillis reads a stored millisecond timestamp. Empty and "0" decode to
// the zero time.
func parseMillis(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func optionalMillis(s string) (*time.Time, error) {
	t, err := parseMillis(s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

// flatHash turns an HGETALL reply returned from a script into a map.
func flatHash(reply interface{}) (map[string]string, error) {
	items, ok := reply.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash reply %T", reply)
	}
	fields := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		fields[k] = v
	}
	return fields, nil
}

func decodeJob(fields map[string]string) (*domain.Job, error) {
	job := &domain.Job{
		ID:           fields["id"],
		Queue:        domain.QueueName(fields["queue"]),
		Name:         fields["name"],
		State:        domain.JobState(fields["state"]),
		Recurrence:   fields["recurrence"],
		FailedReason: fields["failed_reason"],
		Token:        fields["token"],
		Backoff:      domain.Backoff{Type: domain.BackoffType(fields["backoff_type"])},
	}
	if p := fields["payload"]; p != "" {
		job.Payload = []byte(p)
	}

	var err error
	if job.AttemptsMade, err = atoi(fields["attempts_made"]); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	if job.MaxAttempts, err = atoi(fields["max_attempts"]); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	backoffMs, err := atoi(fields["backoff_ms"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	job.Backoff.Delay = time.Duration(backoffMs) * time.Millisecond

	if job.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	for field, dst := range map[string]**time.Time{
		"processed_at":       &job.ProcessedAt,
		"first_processed_at": &job.FirstProcessedAt,
		"finished_at":        &job.FinishedAt,
		"next_run_at":        &job.NextRunAt,
		"lease_until":        &job.LeaseUntil,
	} {
		if *dst, err = optionalMillis(fields[field]); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// wrapErr maps connectivity failures to domain.ErrQueueUnavailable. Replies
// from the server and context errors are returned as they are.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	return err
}
