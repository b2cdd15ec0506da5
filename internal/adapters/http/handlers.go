package http

import (
	"errors"
	"launchpad/internal/domain"
	"launchpad/internal/ports"
	"net/http"

	"github.com/gin-gonic/gin"
)

type JobHandler struct {
	jobs ports.JobService
}

type DetectOpportunitiesRequest struct {
	Sources      []domain.OpportunitySource `json:"sources" binding:"required"`
	ForceRefresh bool                       `json:"forceRefresh"`
}

type LaunchStepRequest struct {
	UserID string `json:"userId" binding:"required"`
	Step   int    `json:"step" binding:"required"`
}

type MetricsAggregationRequest struct {
	Date string `json:"date" binding:"required"`
}

type EnqueueResponse struct {
	JobID string           `json:"jobId"`
	Queue domain.QueueName `json:"queue"`
}

func NewJobHandler(jobs ports.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// RegisterRoutes mounts the job API on router.
func (h *JobHandler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/opportunities/detect", h.DetectOpportunities)
		v1.POST("/businesses/:id/launch-steps", h.EnqueueLaunchStep)
		v1.POST("/businesses/:id/metrics-aggregations", h.EnqueueMetricsAggregation)
		v1.GET("/queues/:queue/jobs/:id", h.GetJob)
		v1.GET("/queues/:queue/counts", h.Counts)
		v1.GET("/queues/:queue/events", h.StreamEvents)
	}
}

func (h *JobHandler) DetectOpportunities(c *gin.Context) {
	var req DetectOpportunitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.jobs.EnqueueOpportunityDetection(c.Request.Context(), domain.OpportunityDetectionPayload{
		Sources:      req.Sources,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, EnqueueResponse{JobID: id, Queue: domain.QueueOpportunityDetection})
}

func (h *JobHandler) EnqueueLaunchStep(c *gin.Context) {
	var req LaunchStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.jobs.EnqueueBusinessLaunchStep(c.Request.Context(), domain.BusinessLaunchStepPayload{
		BusinessID: c.Param("id"),
		UserID:     req.UserID,
		Step:       req.Step,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, EnqueueResponse{JobID: id, Queue: domain.QueueBusinessLaunch})
}

func (h *JobHandler) EnqueueMetricsAggregation(c *gin.Context) {
	var req MetricsAggregationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.jobs.EnqueueMetricsAggregation(c.Request.Context(), domain.MetricsAggregationPayload{
		BusinessID: c.Param("id"),
		Date:       req.Date,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, EnqueueResponse{JobID: id, Queue: domain.QueueMetricsAggregation})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	queue, ok := queueParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), queue, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Counts(c *gin.Context) {
	queue, ok := queueParam(c)
	if !ok {
		return
	}

	counts, err := h.jobs.Counts(c.Request.Context(), queue)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue": queue, "counts": counts})
}

// StreamEvents relays the queue's lifecycle events as server-sent events
// until the client goes away.
func (h *JobHandler) StreamEvents(c *gin.Context) {
	queue, ok := queueParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	events, err := h.jobs.Subscribe(ctx, queue)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Type), ev)
			c.Writer.Flush()
		}
	}
}

func queueParam(c *gin.Context) (domain.QueueName, bool) {
	queue, err := domain.ParseQueueName(c.Param("queue"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return queue, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownQueue), errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrQueueUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
