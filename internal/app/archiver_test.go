package app

import (
	"context"
	"errors"
	"launchpad/internal/domain"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRunRepository struct {
	mu   sync.Mutex
	runs []*domain.JobRun
}

func (r *memoryRunRepository) RecordRun(_ context.Context, run *domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *memoryRunRepository) ListRuns(_ context.Context, queue domain.QueueName, status domain.JobState, limit int) ([]*domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobRun
	for _, run := range r.runs {
		if run.Queue == queue && run.Status == status && len(out) < limit {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *memoryRunRepository) ListRunsForJob(_ context.Context, jobID string) ([]*domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JobRun
	for _, run := range r.runs {
		if run.JobID == jobID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *memoryRunRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func TestRunArchiver_Archive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	repo := &memoryRunRepository{}
	archiver := NewRunArchiver(env.service, env.service, repo, nil)

	id, err := env.service.EnqueueBusinessLaunchStep(ctx, domain.BusinessLaunchStepPayload{BusinessID: "b1", UserID: "u1", Step: 8})
	require.NoError(t, err)
	q := env.queue(t, domain.QueueBusinessLaunch)
	job, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ReportSuccess(ctx, job))

	err = archiver.Archive(ctx, domain.Event{
		Type: domain.EventCompleted, JobID: id, Queue: domain.QueueBusinessLaunch, Timestamp: epoch, AttemptsMade: 1,
	})
	require.NoError(t, err)

	runs, err := repo.ListRunsForJob(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.JobStateCompleted, runs[0].Status)
	assert.Equal(t, "launch-step", runs[0].Name)
	assert.JSONEq(t, `{"businessId":"b1","userId":"u1","step":8}`, string(runs[0].Payload))
	require.NotNil(t, runs[0].StartedAt)
	assert.Nil(t, runs[0].Error)
}

func TestRunArchiver_ArchiveRetriedJobKeepsFirstStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	repo := &memoryRunRepository{}
	archiver := NewRunArchiver(env.service, env.service, repo, nil)
	q := env.queue(t, domain.QueueMetricsAggregation)

	id, err := env.service.EnqueueMetricsAggregation(ctx, domain.MetricsAggregationPayload{BusinessID: "b1", Date: "2024-03-01"})
	require.NoError(t, err)

	firstStart := env.clock.Now()
	job, err := q.TryDequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.ReportFailure(ctx, job, errors.New("warehouse timeout")))

	env.clock.Advance(time.Minute)
	require.NoError(t, env.service.Scheduler().PromoteDueJobs(ctx))
	job, err = q.TryDequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.ReportSuccess(ctx, job))

	err = archiver.Archive(ctx, domain.Event{
		Type: domain.EventCompleted, JobID: id, Queue: domain.QueueMetricsAggregation, Timestamp: env.clock.Now(), AttemptsMade: 2,
	})
	require.NoError(t, err)

	runs, err := repo.ListRunsForJob(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].StartedAt)
	assert.True(t, firstStart.Equal(*runs[0].StartedAt), "started at %s", runs[0].StartedAt)
	assert.Equal(t, 2, runs[0].AttemptsMade)
}

func TestRunArchiver_ArchiveEvictedJob(t *testing.T) {
	env := newTestEnv(t)
	repo := &memoryRunRepository{}
	archiver := NewRunArchiver(env.service, env.service, repo, nil)

	err := archiver.Archive(context.Background(), domain.Event{
		Type: domain.EventFailed, JobID: "gone", Queue: domain.QueueMetricsAggregation,
		Timestamp: epoch, AttemptsMade: 5, FailedReason: "boom",
	})
	require.NoError(t, err)

	runs, err := repo.ListRuns(context.Background(), domain.QueueMetricsAggregation, domain.JobStateFailed, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].Name)
	require.NotNil(t, runs[0].Error)
	assert.Equal(t, "boom", *runs[0].Error)
	assert.Equal(t, 5, runs[0].AttemptsMade)
}

func TestRunArchiver_Run(t *testing.T) {
	env := newTestEnv(t)
	repo := &memoryRunRepository{}
	archiver := NewRunArchiver(env.service, env.service, repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- archiver.Run(ctx) }()

	// Events are only relayed once the subscription is live.
	q := env.queue(t, domain.QueueMetricsAggregation)
	require.Eventually(t, func() bool {
		n, err := env.client.PubSubNumSub(context.Background(), env.broker.EventsChannel(domain.QueueMetricsAggregation)).Result()
		return err == nil && n[env.broker.EventsChannel(domain.QueueMetricsAggregation)] == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := env.service.EnqueueMetricsAggregation(context.Background(), domain.MetricsAggregationPayload{BusinessID: "b1", Date: "2024-03-01"})
	require.NoError(t, err)
	job, err := q.TryDequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.ReportSuccess(context.Background(), job))

	assert.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("archiver did not stop")
	}
}
