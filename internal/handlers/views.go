package handlers

import (
	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/forecastworks/pfa-mirror/internal/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// ViewHandler serves merged-view reads
type ViewHandler struct {
	DB *gorm.DB
}

// GetMergedViews handles GET /api/pfa/views
// @Summary List merged views
// @Description List the caller's merged views: each mirror baseline with the caller's active delta overlaid
// @Tags Views
// @Accept json
// @Produce json
// @Param category query string false "Category filter"
// @Param class query string false "Class filter"
// @Param sourceType query string false "Source type filter"
// @Param from query string false "Plan date range start (YYYY-MM-DD)"
// @Param to query string false "Plan date range end (YYYY-MM-DD)"
// @Param search query string false "Raw document substring search (slow path)"
// @Param modifiedOnly query bool false "Only rows the caller has modified"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size"
// @Success 200 {array} services.MergedView
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/views [get]
func (h *ViewHandler) GetMergedViews(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)

	views, err := services.GetMergedViews(h.DB, tenantID, userID, parseViewFilter(c), parsePage(c))
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.SuccessResponse(c, views, fiber.StatusOK)
}

// GetMergedViewCount handles GET /api/pfa/views/count
// @Summary Count merged views
// @Description Count mirror rows matching the filter for the caller
// @Tags Views
// @Accept json
// @Produce json
// @Success 200 {object} map[string]int64
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/views/count [get]
func (h *ViewHandler) GetMergedViewCount(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)

	count, err := services.CountMergedViews(h.DB, tenantID, userID, parseViewFilter(c))
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.SuccessResponse(c, fiber.Map{"count": count}, fiber.StatusOK)
}

// GetMergedView handles GET /api/pfa/views/:mirrorId
// @Summary Get one merged view
// @Description Get the merged view for a single mirror row
// @Tags Views
// @Accept json
// @Produce json
// @Param mirrorId path int true "Mirror ID"
// @Success 200 {object} services.MergedView
// @Failure 404 {object} utils.ErrorResponseStruct
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/views/{mirrorId} [get]
func (h *ViewHandler) GetMergedView(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)
	mirrorID, ok := parseUint64Param(c, "mirrorId")
	if !ok {
		return utils.ErrorResponse(c, "Invalid mirror id", fiber.StatusBadRequest, "pfa.validation.input")
	}

	view, err := services.GetMergedView(h.DB, tenantID, userID, mirrorID)
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.SuccessResponse(c, view, fiber.StatusOK)
}

// GetModifications handles GET /api/pfa/modifications/:mirrorId
// @Summary List the caller's modifications for a mirror row
// @Description Full modification trail, newest first, including terminal rows
// @Tags Views
// @Accept json
// @Produce json
// @Param mirrorId path int true "Mirror ID"
// @Success 200 {array} models.ModificationRecord
// @Failure 404 {object} utils.ErrorResponseStruct
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/modifications/{mirrorId} [get]
func (h *ViewHandler) GetModifications(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)
	mirrorID, ok := parseUint64Param(c, "mirrorId")
	if !ok {
		return utils.ErrorResponse(c, "Invalid mirror id", fiber.StatusBadRequest, "pfa.validation.input")
	}

	rows, err := services.ListModifications(h.DB, tenantID, userID, mirrorID)
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.SuccessResponse(c, rows, fiber.StatusOK)
}
