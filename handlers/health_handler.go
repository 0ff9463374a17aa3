package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/adgen/repositories"
	"github.com/upb/adgen/services/orchestrator"
	"github.com/upb/adgen/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProviderDirectory lists the registered providers
type ProviderDirectory interface {
	Descriptors() []orchestrator.ProviderStatus
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	store     repositories.HealthChecker
	providers ProviderDirectory
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. providers may be nil.
func NewHealthHandler(store repositories.HealthChecker, providers ProviderDirectory, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		providers: providers,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Liveness only: 200 whenever the process serves requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz
// Readiness fails when the job store is unreachable. Providers without
// credentials are reported but do not fail readiness; they serve fallback content.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if h.store == nil {
		checks["job_store"] = "not_initialized"
		healthy = false
	} else if err := h.store.HealthCheck(ctx); err != nil {
		h.logger.Warn("job store health check failed", zap.Error(err))
		checks["job_store"] = "unhealthy"
		healthy = false
	} else {
		checks["job_store"] = "healthy"
	}

	if h.providers != nil {
		for _, p := range h.providers.Descriptors() {
			if p.Available {
				checks["provider:"+p.Name] = "configured"
			} else {
				checks["provider:"+p.Name] = "fallback_only"
			}
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
