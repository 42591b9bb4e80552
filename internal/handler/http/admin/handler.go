package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/middleware"
	"securevault-backend/internal/scheduler"
	"securevault-backend/pkg/audit"
	"securevault-backend/pkg/response"
)

// JobRunner lists and triggers maintenance jobs
type JobRunner interface {
	Jobs() []scheduler.JobInfo
	Run(name string) (int, error)
}

// ActivityReader reads audit trails
type ActivityReader interface {
	GetEvents(ctx context.Context, subject, id string, limit int) ([]domain.Activity, error)
}

// Handler handles admin HTTP requests
type Handler struct {
	jobs     JobRunner
	activity ActivityReader
}

// NewHandler creates a new admin handler
func NewHandler(jobs JobRunner, activity ActivityReader) *Handler {
	return &Handler{
		jobs:     jobs,
		activity: activity,
	}
}

// RegisterRoutes mounts the admin routes behind the admin role check
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	admin := rg.Group("/admin", middleware.RequireAdmin())
	admin.GET("/jobs", h.ListJobs)
	admin.POST("/jobs/:job/run", h.RunJob)
	admin.GET("/audit/:subject/:id", h.GetAuditTrail)
}

// ListJobs returns the maintenance jobs and their last outcome
// GET /v1/admin/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"jobs": h.jobs.Jobs(),
	})
}

// RunJob runs a maintenance job now and waits for it
// POST /v1/admin/jobs/:job/run
func (h *Handler) RunJob(c *gin.Context) {
	name := c.Param("job")

	handled, err := h.jobs.Run(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		response.NotFound(c, "Unknown job")
		return
	case errors.Is(err, scheduler.ErrJobRunning):
		response.Error(c, http.StatusConflict, "JOB_RUNNING", "Job is already running")
		return
	case err != nil:
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"job":     name,
		"handled": handled,
	})
}

// GetAuditTrail returns the recent trail of a file or share link
// GET /v1/admin/audit/:subject/:id?limit=50
func (h *Handler) GetAuditTrail(c *gin.Context) {
	subject := c.Param("subject")
	if subject != audit.SubjectFile && subject != audit.SubjectShare {
		response.ValidationError(c, "subject must be file or share")
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	events, err := h.activity.GetEvents(c.Request.Context(), subject, c.Param("id"), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"subject": subject,
		"id":      c.Param("id"),
		"events":  events,
		"limit":   limit,
	})
}
