package handlers

import (
	"github.com/forecastworks/pfa-mirror/internal/config"
	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/forecastworks/pfa-mirror/internal/sync"
	"github.com/forecastworks/pfa-mirror/internal/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AdminHandler serves operator routes: sync triggers, retry, history.
type AdminHandler struct {
	DB     *gorm.DB
	Cfg    *config.Config
	Logger *logrus.Logger
	Source sync.Source
	Target sync.Target
}

func (h *AdminHandler) retryPolicy() sync.RetryPolicy {
	return sync.RetryPolicy{
		MaxAttempts: h.Cfg.SyncMaxAttempts,
		BaseBackoff: h.Cfg.SyncBaseBackoff,
		MaxBackoff:  h.Cfg.SyncMaxBackoff,
	}
}

// TriggerIngest handles POST /api/pfa/sync/ingest
// @Summary Run an ingest batch
// @Description Pull the tenant's baseline feed and upsert mirror rows; returns the batch bookkeeping row
// @Tags Sync
// @Accept json
// @Produce json
// @Success 200 {object} models.IngestBatch
// @Failure 502 {object} utils.ErrorResponseStruct
// @Router /pfa/sync/ingest [post]
func (h *AdminHandler) TriggerIngest(c *fiber.Ctx) error {
	tenantID, _ := requestScope(c)
	if h.Source == nil {
		return utils.ErrorResponse(c, "No ingest source configured", fiber.StatusServiceUnavailable, "pfa.sync.source")
	}

	batch, err := sync.RunIngest(c.Context(), h.DB, h.Logger, h.Source, tenantID, h.Cfg.IngestPageSize)
	if err != nil && batch == nil {
		return utils.EngineErrorResponse(c, err)
	}
	// A partial batch is still a useful answer; the row carries the status.
	return utils.SuccessResponse(c, batch, fiber.StatusOK)
}

// TriggerPushback handles POST /api/pfa/sync/pushback
// @Summary Drain committed modifications once
// @Description Apply committed deltas to the external system; returns synced/failed/escalated counts
// @Tags Sync
// @Accept json
// @Produce json
// @Success 200 {object} sync.PushbackResult
// @Failure 502 {object} utils.ErrorResponseStruct
// @Router /pfa/sync/pushback [post]
func (h *AdminHandler) TriggerPushback(c *fiber.Ctx) error {
	tenantID, _ := requestScope(c)
	if h.Target == nil {
		return utils.ErrorResponse(c, "No push-back target configured", fiber.StatusServiceUnavailable, "pfa.sync.target")
	}

	result, err := sync.RunPushback(c.Context(), h.DB, h.Logger, h.Target, tenantID, h.retryPolicy(), h.Cfg.PushbackBatch)
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.SuccessResponse(c, result, fiber.StatusOK)
}

// RetryModification handles POST /api/pfa/modifications/:id/retry
// @Summary Retry a failed modification
// @Description Move one sync_error row back to committed; escalated rows are refused
// @Tags Sync
// @Accept json
// @Produce json
// @Param id path int true "Modification ID"
// @Success 200 {object} utils.SuccessResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /pfa/modifications/{id}/retry [post]
func (h *AdminHandler) RetryModification(c *fiber.Ctx) error {
	tenantID, _ := requestScope(c)
	id, ok := parseUint64Param(c, "id")
	if !ok {
		return utils.ErrorResponse(c, "Invalid modification id", fiber.StatusBadRequest, "pfa.validation.input")
	}

	mod, err := sync.RetryModification(h.DB, tenantID, id)
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.MutationSuccessResponse(c, mod)
}

// GetMirrorHistory handles GET /api/pfa/history/:mirrorId
// @Summary List mirror before-images
// @Description Archived baselines for a mirror row, newest revision first
// @Tags Sync
// @Accept json
// @Produce json
// @Param mirrorId path int true "Mirror ID"
// @Success 200 {array} models.MirrorHistory
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /pfa/history/{mirrorId} [get]
func (h *AdminHandler) GetMirrorHistory(c *fiber.Ctx) error {
	tenantID, _ := requestScope(c)
	mirrorID, ok := parseUint64Param(c, "mirrorId")
	if !ok {
		return utils.ErrorResponse(c, "Invalid mirror id", fiber.StatusBadRequest, "pfa.validation.input")
	}

	rows, err := services.GetMirrorHistory(h.DB, tenantID, mirrorID)
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.SuccessResponse(c, rows, fiber.StatusOK)
}

// GetHealth handles GET /api/health
// @Summary Service health
// @Tags Health
// @Produce json
// @Success 200 {object} services.HealthCheckResult
// @Router /health [get]
func (h *AdminHandler) GetHealth(c *fiber.Ctx) error {
	result := services.HealthCheck(h.Cfg, h.DB)
	status := fiber.StatusOK
	if result.Status != "healthy" {
		status = fiber.StatusServiceUnavailable
	}
	return utils.SuccessResponse(c, result, status)
}
