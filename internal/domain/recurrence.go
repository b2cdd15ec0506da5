package domain

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence is a parsed cron pattern. Occurrences are computed in UTC.
type Recurrence struct {
	Pattern  string
	schedule cron.Schedule
}

func ParseRecurrence(pattern string) (*Recurrence, error) {
	schedule, err := cron.ParseStandard(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", pattern, err)
	}
	return &Recurrence{Pattern: pattern, schedule: schedule}, nil
}

// Next returns the first occurrence strictly after t.
func (r *Recurrence) Next(t time.Time) time.Time {
	return r.schedule.Next(t.UTC())
}

// RecurrenceKey identifies a registration by job name and pattern.
func RecurrenceKey(jobName, pattern string) string {
	sum := md5.Sum([]byte(pattern))
	return jobName + ":" + hex.EncodeToString(sum[:])[:12]
}

// OccurrenceID is the deterministic job id of the occurrence scheduled for
// slot, so a slot can only ever produce one job.
func OccurrenceID(key string, slot time.Time) string {
	return "repeat:" + key + ":" + strconv.FormatInt(slot.UnixMilli(), 10)
}

// RecurrenceRegistration is the immutable recurrence configuration plus the
// scheduler's bookkeeping for it.
type RecurrenceRegistration struct {
	Key          string          `json:"key"`
	Queue        QueueName       `json:"queue"`
	Name         string          `json:"name"`
	Pattern      string          `json:"pattern"`
	Payload      json.RawMessage `json:"payload"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	RegisteredAt time.Time       `json:"registeredAt"`

	// NextSlot is the first slot not yet materialized as a job.
	NextSlot time.Time `json:"-"`
	// LastSlot is the most recently materialized slot; zero if none.
	LastSlot time.Time `json:"-"`
}
