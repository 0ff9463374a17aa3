package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/upb/adgen/middleware"
	"github.com/upb/adgen/models"
	"github.com/upb/adgen/services"
	"github.com/upb/adgen/services/jobs"
	"github.com/upb/adgen/services/prompt"
	"github.com/upb/adgen/utils"
)

// DefaultImageProvider is used when an image request names no provider
const DefaultImageProvider = "openai"

// TextGenerationRequest is the body of POST /api/v1/generations/text
type TextGenerationRequest struct {
	models.GenerationRequest
	TextProvider  string `json:"text_provider,omitempty" validate:"omitempty,max=32"`
	ImageProvider string `json:"image_provider,omitempty" validate:"omitempty,max=32"`
}

// ImageGenerationRequest is the body of POST /api/v1/generations/image
type ImageGenerationRequest struct {
	Prompt   string `json:"prompt" validate:"required,min=3,max=4000"`
	Provider string `json:"provider,omitempty" validate:"omitempty,max=32"`
}

// promptSanitizer is implemented by request bodies carrying a user prompt
type promptSanitizer interface {
	sanitizePrompt() []prompt.Category
}

func (r *TextGenerationRequest) sanitizePrompt() []prompt.Category {
	res := prompt.Sanitize(r.Prompt)
	r.Prompt = res.Text
	return res.Blocked
}

func (r *ImageGenerationRequest) sanitizePrompt() []prompt.Category {
	res := prompt.Sanitize(r.Prompt)
	r.Prompt = res.Text
	return res.Blocked
}

// GenerationHandler submits generation jobs
type GenerationHandler struct {
	jobs     JobService
	syncWait time.Duration
	logger   *zap.Logger
}

// NewGenerationHandler creates a new GenerationHandler.
// syncWait bounds the ?wait query parameter.
func NewGenerationHandler(jobs JobService, syncWait time.Duration, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		jobs:     jobs,
		syncWait: syncWait,
		logger:   logger,
	}
}

// HandleText handles POST /api/v1/generations/text
func (h *GenerationHandler) HandleText(w http.ResponseWriter, r *http.Request) {
	var req TextGenerationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TextProvider == "" {
		req.TextProvider = jobs.DefaultTextProvider
	}

	payload := jobs.AdContentPayload{
		Request:       req.GenerationRequest,
		TextProvider:  req.TextProvider,
		ImageProvider: req.ImageProvider,
	}
	h.submit(w, r, models.JobTypeAdContent, payload.Steps(), payload)
}

// HandleImage handles POST /api/v1/generations/image
func (h *GenerationHandler) HandleImage(w http.ResponseWriter, r *http.Request) {
	var req ImageGenerationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Provider == "" {
		req.Provider = DefaultImageProvider
	}

	payload := jobs.ImagePayload{
		Request:  models.ImageRequest{Prompt: req.Prompt},
		Provider: req.Provider,
	}
	h.submit(w, r, models.JobTypeImage, payload.Steps(), payload)
}

func (h *GenerationHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	if err := utils.DecodeJSON(w, r, dst); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return false
	}
	if s, ok := dst.(promptSanitizer); ok {
		if blocked := s.sanitizePrompt(); len(blocked) > 0 {
			categories := make([]string, len(blocked))
			for i, c := range blocked {
				categories[i] = string(c)
			}
			h.logger.Warn("blocked patterns removed from prompt",
				zap.String("request_id", requestID),
				zap.Strings("categories", categories))
		}
	}
	if err := utils.ValidateStruct(dst); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

func (h *GenerationHandler) submit(w http.ResponseWriter, r *http.Request, jobType models.JobType, steps int, payload interface{}) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)
	userID := middleware.GetUserIDFromContext(ctx)

	wait, err := h.waitDuration(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeInternal, "failed to encode job payload", err), h.logger)
		return
	}

	job, err := h.jobs.Submit(ctx, userID, jobType, steps, data)
	if err != nil {
		h.logger.Warn("failed to submit generation job",
			zap.String("request_id", requestID),
			zap.String("job_type", string(jobType)),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("generation job submitted",
		zap.String("request_id", requestID),
		zap.String("job_id", job.ID),
		zap.String("job_type", string(jobType)),
		zap.Duration("wait", wait))

	if wait > 0 {
		waited, err := h.jobs.Wait(ctx, job.ID, userID, wait)
		if err != nil {
			if ctx.Err() != nil {
				// client went away; the job keeps running
				return
			}
			HandleServiceError(w, err, h.logger)
			return
		}
		job = waited
	}

	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	if job.Status.IsTerminal() {
		if err := utils.WriteOK(w, newJobResponse(job)); err != nil {
			h.logger.Error("failed to write response", zap.Error(err))
		}
		return
	}
	if err := utils.WriteAccepted(w, JobResponse{Job: job}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// waitDuration parses ?wait as a Go duration or whole seconds, capped at syncWait
func (h *GenerationHandler) waitDuration(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid wait %q: use a duration such as 30s", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	if d > h.syncWait {
		d = h.syncWait
	}
	return d, nil
}
