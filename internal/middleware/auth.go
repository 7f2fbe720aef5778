package middleware

import (
	"fmt"

	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/gofiber/fiber/v2"
)

// AuthAdmin validates that the request has admin role authorization
func AuthAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return authorize(c, []string{"admin"}, "pfa.authorization.admin")
	}
}

// AuthUser validates that the request has user role authorization
func AuthUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return authorize(c, []string{"user"}, "pfa.authorization.user")
	}
}

// authorize performs the authorization check and resolves the caller's
// identity into request locals.
func authorize(c *fiber.Ctx, roles []string, errorType string) error {
	// Get session cookie
	session := c.Cookies("cookie_session")
	if session == "" {
		return &types.CustomError{
			Code:    fiber.StatusForbidden,
			Message: "Authorizer cookie \"cookie_session\" not found",
			Type:    errorType,
		}
	}

	// Validate session
	data, err := services.ValidateSession(session, roles)
	if err != nil {
		return &types.CustomError{
			Code:    fiber.StatusForbidden,
			Message: fmt.Sprintf("Invalid session: %v", err),
			Type:    errorType,
		}
	}

	// Set user data in context
	if user, ok := data["user"]; ok {
		c.Locals("user", user)
	}
	userID := services.SessionUserID(data)
	if userID == "" {
		return &types.CustomError{
			Code:    fiber.StatusForbidden,
			Message: "session has no user id",
			Type:    errorType,
		}
	}
	c.Locals("userId", userID)

	return c.Next()
}

// Tenant resolves the caller's tenant from the X-Tenant-Id header. Every
// mirror and modification row is scoped by it; requests without one are
// rejected before any handler runs.
func Tenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := c.Get("X-Tenant-Id")
		if tenant == "" {
			return &types.CustomError{
				Code:    fiber.StatusBadRequest,
				Message: "X-Tenant-Id header is required",
				Type:    "pfa.validation.tenant",
			}
		}
		c.Locals("tenantId", tenant)
		return c.Next()
	}
}
