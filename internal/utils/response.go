package utils

import (
	"time"

	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse sends a standard error envelope
func ErrorResponse(c *fiber.Ctx, message string, status int, errorType string) error {
	return c.Status(status).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"ok":        false,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       c.OriginalURL(),
		"type":      errorType,
	})
}

// NotFoundResponse sends a 404 not found response
func NotFoundResponse(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"status":    fiber.StatusNotFound,
		"message":   message,
		"ok":        false,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       c.OriginalURL(),
	})
}

// StaleBaselineResponse sends a 409 for a commit rejected by the staleness
// check, carrying the current mirror revision so the caller can re-derive
// the delta and resubmit.
func StaleBaselineResponse(c *fiber.Ctx, message string, currentRevision uint64) error {
	return c.Status(fiber.StatusConflict).JSON(fiber.Map{
		"status":          fiber.StatusConflict,
		"message":         message,
		"ok":              false,
		"versionError":    true,
		"currentRevision": currentRevision,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"url":             c.OriginalURL(),
		"type":            string(types.KindStaleBaseline),
	})
}

// SuccessResponse sends data with the given status
func SuccessResponse(c *fiber.Ctx, data interface{}, status int) error {
	return c.Status(status).JSON(data)
}

// MutationSuccessResponse sends a success envelope for mutations
func MutationSuccessResponse(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message":   "Success",
		"ok":        true,
		"result":    data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// EngineErrorResponse maps an engine error to the right HTTP envelope.
func EngineErrorResponse(c *fiber.Ctx, err error) error {
	kind := types.KindOf(err)
	switch kind {
	case types.KindValidation:
		return ErrorResponse(c, err.Error(), fiber.StatusBadRequest, string(kind))
	case types.KindNotFound:
		return NotFoundResponse(c, err.Error())
	case types.KindStaleBaseline:
		var rev uint64
		if ee, ok := err.(*types.EngineError); ok {
			rev = ee.CurrentRevision
		}
		return StaleBaselineResponse(c, err.Error(), rev)
	case types.KindIllegalTransition:
		return ErrorResponse(c, err.Error(), fiber.StatusConflict, string(kind))
	case types.KindExternalConflict:
		return ErrorResponse(c, err.Error(), fiber.StatusConflict, string(kind))
	case types.KindExternalTransient:
		return ErrorResponse(c, err.Error(), fiber.StatusBadGateway, string(kind))
	default:
		return ErrorResponse(c, err.Error(), fiber.StatusInternalServerError, "unknown")
	}
}

// ErrorResponseStruct defines the schema for error responses
type ErrorResponseStruct struct {
	Status          int    `json:"status"`
	Message         string `json:"message"`
	Ok              bool   `json:"ok"`
	Timestamp       string `json:"timestamp"`
	URL             string `json:"url"`
	Type            string `json:"type,omitempty"`
	VersionError    bool   `json:"versionError,omitempty"`
	CurrentRevision uint64 `json:"currentRevision,omitempty"`
}

// SuccessResponseStruct defines the schema for mutation success responses
type SuccessResponseStruct struct {
	Message   string      `json:"message"`
	Ok        bool        `json:"ok"`
	Result    interface{} `json:"result"`
	Timestamp string      `json:"timestamp"`
}
