package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"launchpad/internal/adapters/queue"
	"launchpad/internal/app"
	"launchpad/internal/domain"
	"launchpad/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) EnqueueOpportunityDetection(ctx context.Context, p domain.OpportunityDetectionPayload) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *MockJobService) EnqueueBusinessLaunchStep(ctx context.Context, p domain.BusinessLaunchStepPayload) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *MockJobService) EnqueueMetricsAggregation(ctx context.Context, p domain.MetricsAggregationPayload) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *MockJobService) GetJob(ctx context.Context, q domain.QueueName, id string) (*domain.Job, error) {
	args := m.Called(ctx, q, id)
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *MockJobService) Counts(ctx context.Context, q domain.QueueName) (map[domain.JobState]int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(map[domain.JobState]int64), args.Error(1)
}

func (m *MockJobService) Subscribe(ctx context.Context, queues ...domain.QueueName) (<-chan domain.Event, error) {
	args := m.Called(ctx, queues)
	return args.Get(0).(<-chan domain.Event), args.Error(1)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthy(context.Context) error { return nil }

func newTestRouter(jobs *MockJobService, ping pingerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(jobs, ping, nil)
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestDetectOpportunities(t *testing.T) {
	jobs := &MockJobService{}
	router := newTestRouter(jobs, healthy)

	want := domain.OpportunityDetectionPayload{
		Sources:      []domain.OpportunitySource{domain.SourceReddit, domain.SourceProductHunt},
		ForceRefresh: true,
	}
	jobs.On("EnqueueOpportunityDetection", mock.Anything, want).Return("repeat:detect:1", nil).Once()

	recorder := doJSON(router, http.MethodPost, "/api/v1/opportunities/detect", gin.H{
		"sources":      []string{"reddit", "product_hunt"},
		"forceRefresh": true,
	})

	assert.Equal(t, http.StatusAccepted, recorder.Code)
	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "repeat:detect:1", resp.JobID)
	assert.Equal(t, domain.QueueOpportunityDetection, resp.Queue)
	jobs.AssertExpectations(t)
}

func TestEnqueueLaunchStep(t *testing.T) {
	t.Run("uses the business id from the path", func(t *testing.T) {
		jobs := &MockJobService{}
		router := newTestRouter(jobs, healthy)
		jobs.On("EnqueueBusinessLaunchStep", mock.Anything,
			domain.BusinessLaunchStepPayload{BusinessID: "b1", UserID: "u1", Step: 3}).
			Return("job-1", nil).Once()

		recorder := doJSON(router, http.MethodPost, "/api/v1/businesses/b1/launch-steps", gin.H{"userId": "u1", "step": 3})

		assert.Equal(t, http.StatusAccepted, recorder.Code)
		assert.Contains(t, recorder.Body.String(), `"jobId":"job-1"`)
		jobs.AssertExpectations(t)
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		jobs := &MockJobService{}
		router := newTestRouter(jobs, healthy)

		recorder := doJSON(router, http.MethodPost, "/api/v1/businesses/b1/launch-steps", gin.H{"step": 3})

		assert.Equal(t, http.StatusBadRequest, recorder.Code)
		jobs.AssertNotCalled(t, "EnqueueBusinessLaunchStep", mock.Anything, mock.Anything)
	})

	t.Run("maps invalid payloads to bad request", func(t *testing.T) {
		jobs := &MockJobService{}
		router := newTestRouter(jobs, healthy)
		jobs.On("EnqueueBusinessLaunchStep", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("%w: step out of range", domain.ErrInvalidPayload)).Once()
		jobs.On("EnqueueBusinessLaunchStep", mock.Anything, mock.Anything).
			Return("", errors.New("disk on fire")).Once()

		recorder := doJSON(router, http.MethodPost, "/api/v1/businesses/b1/launch-steps", gin.H{"userId": "u1", "step": 9})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)

		recorder = doJSON(router, http.MethodPost, "/api/v1/businesses/b1/launch-steps", gin.H{"userId": "u1", "step": 9})
		assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	})
}

func TestEnqueueMetricsAggregation_Unavailable(t *testing.T) {
	jobs := &MockJobService{}
	router := newTestRouter(jobs, healthy)
	jobs.On("EnqueueMetricsAggregation", mock.Anything,
		domain.MetricsAggregationPayload{BusinessID: "b1", Date: "2024-03-01"}).
		Return("", domain.ErrQueueUnavailable).Once()

	recorder := doJSON(router, http.MethodPost, "/api/v1/businesses/b1/metrics-aggregations", gin.H{"date": "2024-03-01"})

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	jobs.AssertExpectations(t)
}

func TestGetJob(t *testing.T) {
	jobs := &MockJobService{}
	router := newTestRouter(jobs, healthy)

	job := &domain.Job{ID: "job-1", Queue: domain.QueueBusinessLaunch, State: domain.JobStateCompleted, AttemptsMade: 1}
	jobs.On("GetJob", mock.Anything, domain.QueueBusinessLaunch, "job-1").Return(job, nil)
	jobs.On("GetJob", mock.Anything, domain.QueueBusinessLaunch, "missing").Return((*domain.Job)(nil), domain.ErrJobNotFound)

	recorder := doJSON(router, http.MethodGet, "/api/v1/queues/business-launch/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	var got domain.Job
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &got))
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, domain.JobStateCompleted, got.State)

	recorder = doJSON(router, http.MethodGet, "/api/v1/queues/business-launch/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = doJSON(router, http.MethodGet, "/api/v1/queues/emails/jobs/job-1", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "unknown queue")
}

func TestCounts(t *testing.T) {
	jobs := &MockJobService{}
	router := newTestRouter(jobs, healthy)
	jobs.On("Counts", mock.Anything, domain.QueueMetricsAggregation).
		Return(map[domain.JobState]int64{domain.JobStateWaiting: 2, domain.JobStateFailed: 1}, nil)

	recorder := doJSON(router, http.MethodGet, "/api/v1/queues/metrics-aggregation/counts", nil)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"queue":"metrics-aggregation","counts":{"waiting":2,"failed":1}}`, recorder.Body.String())
}

func TestStreamEvents(t *testing.T) {
	jobs := &MockJobService{}
	router := newTestRouter(jobs, healthy)

	events := make(chan domain.Event, 2)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events <- domain.Event{Type: domain.EventEnqueued, JobID: "job-1", Queue: domain.QueueBusinessLaunch, Timestamp: now}
	events <- domain.Event{Type: domain.EventCompleted, JobID: "job-1", Queue: domain.QueueBusinessLaunch, Timestamp: now, AttemptsMade: 1}
	close(events)
	jobs.On("Subscribe", mock.Anything, []domain.QueueName{domain.QueueBusinessLaunch}).
		Return((<-chan domain.Event)(events), nil)

	recorder := doJSON(router, http.MethodGet, "/api/v1/queues/business-launch/events", nil)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	body := recorder.Body.String()
	enqueued := strings.Index(body, "event:enqueued")
	completed := strings.Index(body, "event:completed")
	assert.GreaterOrEqual(t, enqueued, 0)
	assert.Greater(t, completed, enqueued)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(&MockJobService{}, healthy)
	recorder := doJSON(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "healthy")

	router = newTestRouter(&MockJobService{}, func(context.Context) error { return domain.ErrQueueUnavailable })
	recorder = doJSON(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

// HTTPIntegrationTestSuite drives the API against the real scheduling
// service backed by an in-process Redis.
type HTTPIntegrationTestSuite struct {
	suite.Suite
	router  *gin.Engine
	service *app.SchedulingService
	ctx     context.Context
}

func (suite *HTTPIntegrationTestSuite) SetupTest() {
	suite.ctx = context.Background()
	gin.SetMode(gin.TestMode)

	_, client := testutil.NewMiniredis(suite.T())
	broker := queue.NewRedisQueueBroker(client, "http-test")
	service, err := app.NewSchedulingService(broker, queue.NewRedisEventStream(broker, nil), app.Options{})
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), service.Open(suite.ctx))

	suite.service = service
	suite.router = NewRouter(service, broker, nil)
}

func (suite *HTTPIntegrationTestSuite) TestEnqueueAndInspectLaunchStep() {
	recorder := doJSON(suite.router, http.MethodPost, "/api/v1/businesses/b1/launch-steps", gin.H{"userId": "u1", "step": 3})
	require.Equal(suite.T(), http.StatusAccepted, recorder.Code)

	var resp EnqueueResponse
	require.NoError(suite.T(), json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotEmpty(suite.T(), resp.JobID)

	recorder = doJSON(suite.router, http.MethodGet, "/api/v1/queues/business-launch/jobs/"+resp.JobID, nil)
	require.Equal(suite.T(), http.StatusOK, recorder.Code)
	var job domain.Job
	require.NoError(suite.T(), json.Unmarshal(recorder.Body.Bytes(), &job))
	assert.Equal(suite.T(), domain.JobStateWaiting, job.State)
	assert.Equal(suite.T(), 2, job.MaxAttempts)
	assert.JSONEq(suite.T(), `{"businessId":"b1","userId":"u1","step":3}`, string(job.Payload))

	recorder = doJSON(suite.router, http.MethodGet, "/api/v1/queues/business-launch/counts", nil)
	require.Equal(suite.T(), http.StatusOK, recorder.Code)
	assert.Contains(suite.T(), recorder.Body.String(), `"waiting":1`)
}

func (suite *HTTPIntegrationTestSuite) TestInvalidStepIsRejected() {
	recorder := doJSON(suite.router, http.MethodPost, "/api/v1/businesses/b1/launch-steps", gin.H{"userId": "u1", "step": 9})
	assert.Equal(suite.T(), http.StatusBadRequest, recorder.Code)
	assert.Contains(suite.T(), recorder.Body.String(), "invalid payload")
}

func (suite *HTTPIntegrationTestSuite) TestInvalidDateIsRejected() {
	recorder := doJSON(suite.router, http.MethodPost, "/api/v1/businesses/b1/metrics-aggregations", gin.H{"date": "2024-02-30"})
	assert.Equal(suite.T(), http.StatusBadRequest, recorder.Code)
}

func (suite *HTTPIntegrationTestSuite) TestOpportunityDetectionRegistersOnce() {
	body := gin.H{"sources": []string{"google_trends"}}

	first := doJSON(suite.router, http.MethodPost, "/api/v1/opportunities/detect", body)
	require.Equal(suite.T(), http.StatusAccepted, first.Code)
	second := doJSON(suite.router, http.MethodPost, "/api/v1/opportunities/detect", body)
	require.Equal(suite.T(), http.StatusAccepted, second.Code)

	var a, b EnqueueResponse
	require.NoError(suite.T(), json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(suite.T(), json.Unmarshal(second.Body.Bytes(), &b))
	assert.True(suite.T(), strings.HasPrefix(a.JobID, "repeat:detect-opportunities:"))
	assert.Equal(suite.T(), a.JobID, b.JobID)

	recorder := doJSON(suite.router, http.MethodGet, "/api/v1/queues/opportunity-detection/jobs/"+a.JobID, nil)
	require.Equal(suite.T(), http.StatusOK, recorder.Code)
	var job domain.Job
	require.NoError(suite.T(), json.Unmarshal(recorder.Body.Bytes(), &job))
	assert.Equal(suite.T(), domain.JobStateDelayed, job.State)

	counts, err := suite.service.Counts(suite.ctx, domain.QueueOpportunityDetection)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), counts[domain.JobStateDelayed])
}

func TestHTTPIntegrationSuite(t *testing.T) {
	suite.Run(t, new(HTTPIntegrationTestSuite))
}
