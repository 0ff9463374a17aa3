package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/adgen/services/breaker"
	"github.com/upb/adgen/services/orchestrator"
	"github.com/upb/adgen/utils"
)

// MonitoringService exposes orchestrator health views and operator controls
type MonitoringService interface {
	Descriptors() []orchestrator.ProviderStatus
	CacheStats() orchestrator.CacheStats
	BreakerSnapshots() []breaker.Snapshot
	ForceBreaker(provider, state string) (breaker.Snapshot, error)
	InvalidateCache(provider string) int
}

// ForceBreakerRequest is the body of POST /api/v1/admin/breakers/{provider}/state
type ForceBreakerRequest struct {
	State string `json:"state" validate:"required"`
}

// InvalidateCacheRequest is the body of POST /api/v1/admin/cache/invalidate
type InvalidateCacheRequest struct {
	Provider string `json:"provider"`
}

// MonitoringHandler serves breaker, cache and provider views
type MonitoringHandler struct {
	service MonitoringService
	logger  *zap.Logger
}

// NewMonitoringHandler creates a new MonitoringHandler
func NewMonitoringHandler(service MonitoringService, logger *zap.Logger) *MonitoringHandler {
	return &MonitoringHandler{
		service: service,
		logger:  logger,
	}
}

// HandleBreakers handles GET /api/v1/monitoring/breakers
func (h *MonitoringHandler) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.BreakerSnapshots())
}

// HandleCache handles GET /api/v1/monitoring/cache
func (h *MonitoringHandler) HandleCache(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.CacheStats())
}

// HandleProviders handles GET /api/v1/monitoring/providers
func (h *MonitoringHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.Descriptors())
}

// HandleForceBreaker handles POST /api/v1/admin/breakers/{provider}/state
func (h *MonitoringHandler) HandleForceBreaker(w http.ResponseWriter, r *http.Request) {
	var req ForceBreakerRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	snapshot, err := h.service.ForceBreaker(chi.URLParam(r, "provider"), req.State)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, snapshot); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleInvalidateCache handles POST /api/v1/admin/cache/invalidate
func (h *MonitoringHandler) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateCacheRequest
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &req); err != nil {
			_ = utils.WriteBadRequest(w, err.Error(), nil)
			return
		}
	}

	removed := h.service.InvalidateCache(req.Provider)
	h.logger.Info("cache invalidated",
		zap.String("provider", req.Provider),
		zap.Int("removed", removed))

	if err := utils.WriteOK(w, map[string]interface{}{
		"provider": req.Provider,
		"removed":  removed,
	}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
