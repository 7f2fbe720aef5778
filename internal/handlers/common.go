package handlers

import (
	"strconv"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/gofiber/fiber/v2"
)

// requestScope pulls the tenant and user identity the middleware resolved.
func requestScope(c *fiber.Ctx) (tenantID, userID string) {
	if v, ok := c.Locals("tenantId").(string); ok {
		tenantID = v
	}
	if v, ok := c.Locals("userId").(string); ok {
		userID = v
	}
	return
}

// parseViewFilter builds the merged-view filter from query parameters.
func parseViewFilter(c *fiber.Ctx) services.ViewFilter {
	filter := services.ViewFilter{
		MirrorFilter: services.MirrorFilter{
			Category:   c.Query("category"),
			Class:      c.Query("class"),
			SourceType: c.Query("sourceType"),
			Search:     c.Query("search"),
		},
		ModifiedOnly: c.QueryBool("modifiedOnly"),
	}
	filter.From = parseDateQuery(c.Query("from"))
	filter.To = parseDateQuery(c.Query("to"))
	return filter
}

func parseDateQuery(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

// parsePage builds pagination from page/pageSize query parameters.
func parsePage(c *fiber.Ctx) services.Page {
	return services.Page{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("pageSize", 50),
	}
}

// parseUint64Param parses a numeric path parameter.
func parseUint64Param(c *fiber.Ctx, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}
