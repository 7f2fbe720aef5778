package handlers

import (
	"encoding/json"

	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/forecastworks/pfa-mirror/internal/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// DraftHandler serves the draft lifecycle routes
type DraftHandler struct {
	DB *gorm.DB
}

// SaveDraft handles POST /api/pfa/drafts
// @Summary Save a draft modification
// @Description Validate a field patch against the editable allow-list and merge it into the caller's draft
// @Tags Drafts
// @Accept json
// @Produce json
// @Param body body object true "Draft patch"
// @Success 200 {object} utils.SuccessResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 404 {object} utils.ErrorResponseStruct
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/drafts [post]
func (h *DraftHandler) SaveDraft(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)

	var body struct {
		MirrorID  types.FlexUint64           `json:"mirrorId"`
		SessionID string                     `json:"sessionId"`
		Patch     map[string]json.RawMessage `json:"patch"`
		Reason    string                     `json:"reason"`
	}
	if err := c.BodyParser(&body); err != nil {
		return utils.ErrorResponse(c, "Invalid input", fiber.StatusBadRequest, "pfa.validation.input")
	}
	if body.MirrorID == 0 || len(body.Patch) == 0 {
		return utils.ErrorResponse(c, "Invalid input", fiber.StatusBadRequest, "pfa.validation.input")
	}

	mod, err := services.SaveDraft(h.DB, tenantID, userID, body.SessionID, body.MirrorID.Uint64(), body.Patch, body.Reason)
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.MutationSuccessResponse(c, mod)
}

// draftScopeBody is the shared request body for commit and discard.
type draftScopeBody struct {
	SessionID string                 `json:"sessionId"`
	MirrorIDs types.FlexList[uint64] `json:"mirrorIds"`
}

func (b draftScopeBody) scope() services.DraftScope {
	return services.DraftScope{
		SessionID: b.SessionID,
		MirrorIDs: b.MirrorIDs.Slice(),
	}
}

// Commit handles POST /api/pfa/drafts/commit
// @Summary Commit drafts
// @Description Transition the caller's matching drafts to committed; rejects the whole commit when any draft's baseline was re-ingested
// @Tags Drafts
// @Accept json
// @Produce json
// @Param body body object true "Commit scope (sessionId or mirrorIds)"
// @Success 200 {object} utils.SuccessResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 409 {object} utils.ErrorResponseStruct
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/drafts/commit [post]
func (h *DraftHandler) Commit(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)

	var body draftScopeBody
	if err := c.BodyParser(&body); err != nil {
		return utils.ErrorResponse(c, "Invalid input", fiber.StatusBadRequest, "pfa.validation.input")
	}

	result, err := services.Commit(h.DB, tenantID, userID, body.scope())
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.MutationSuccessResponse(c, result)
}

// Discard handles POST /api/pfa/drafts/discard
// @Summary Discard drafts
// @Description Delete the caller's matching drafts; rows past draft are reported as not discardable
// @Tags Drafts
// @Accept json
// @Produce json
// @Param body body object true "Discard scope (sessionId or mirrorIds)"
// @Success 200 {object} utils.SuccessResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 500 {object} utils.ErrorResponseStruct
// @Router /pfa/drafts/discard [post]
func (h *DraftHandler) Discard(c *fiber.Ctx) error {
	tenantID, userID := requestScope(c)

	var body draftScopeBody
	if err := c.BodyParser(&body); err != nil {
		return utils.ErrorResponse(c, "Invalid input", fiber.StatusBadRequest, "pfa.validation.input")
	}

	result, err := services.Discard(h.DB, tenantID, userID, body.scope())
	if err != nil {
		return utils.EngineErrorResponse(c, err)
	}
	return utils.MutationSuccessResponse(c, result)
}
