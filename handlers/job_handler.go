package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/adgen/middleware"
	"github.com/upb/adgen/models"
	"github.com/upb/adgen/services"
	"github.com/upb/adgen/utils"
)

// JobService is the part of the job engine exposed over HTTP
type JobService interface {
	Submit(ctx context.Context, userID string, jobType models.JobType, totalSteps int, payload json.RawMessage) (*models.Job, error)
	GetStatus(ctx context.Context, jobID, userID string) (*models.Job, error)
	GetResult(ctx context.Context, jobID, userID string) (json.RawMessage, error)
	Cancel(ctx context.Context, jobID, userID string) (*models.Job, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Job, error)
	Wait(ctx context.Context, jobID, userID string, timeout time.Duration) (*models.Job, error)
}

// JobResponse is a job as returned to clients. Result is set once the job completed.
type JobResponse struct {
	*models.Job
	Result json.RawMessage `json:"result,omitempty"`
}

func newJobResponse(job *models.Job) JobResponse {
	resp := JobResponse{Job: job}
	if job.Status == models.JobStatusCompleted {
		resp.Result = job.Result
	}
	return resp
}

// JobHandler handles job tracking requests
type JobHandler struct {
	jobs   JobService
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs JobService, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:   jobs,
		logger: logger,
	}
}

// HandleList handles GET /api/v1/jobs
func (h *JobHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())

	jobs, err := h.jobs.ListByUser(r.Context(), userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobResponse{Job: job})
	}
	if err := utils.WriteOK(w, out); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGet handles GET /api/v1/jobs/{id}
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())

	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetStatus(r.Context(), jobID, userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, JobResponse{Job: job}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleResult handles GET /api/v1/jobs/{id}/result
func (h *JobHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())

	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	result, err := h.jobs.GetResult(r.Context(), jobID, userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleCancel handles POST /api/v1/jobs/{id}/cancel
func (h *JobHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserIDFromContext(ctx)
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(ctx, jobID, userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("job cancelled by client",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("job_id", jobID))

	if err := utils.WriteOK(w, JobResponse{Job: job}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// jobID reads the {id} URL parameter. Malformed ids cannot name a job.
func (h *JobHandler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := utils.ValidateUUID(id); err != nil {
		HandleServiceError(w, services.ErrJobNotFound, h.logger)
		return "", false
	}
	return id, true
}
