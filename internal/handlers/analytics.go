package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"karen/internal/services"
)

// AnalyticsHandler answers usage queries and the admin system snapshot
type AnalyticsHandler struct {
	analytics *services.AnalyticsService
	users     *services.UserService
	sessions  *services.SessionService
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(analytics *services.AnalyticsService, users *services.UserService, sessions *services.SessionService) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics, users: users, sessions: sessions}
}

// Summary returns aggregated usage for the authenticated user
func (h *AnalyticsHandler) Summary(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	summary, err := h.analytics.Summary(c.Context(), userID, c.QueryInt("days", 30))
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

// Daily returns the per-day usage timeseries
func (h *AnalyticsHandler) Daily(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	daily, err := h.analytics.Daily(c.Context(), userID, c.QueryInt("days", 30))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"daily": daily, "count": len(daily)})
}

// Recent returns the user's latest recorded events
func (h *AnalyticsHandler) Recent(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	events, err := h.analytics.Recent(c.Context(), userID, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// System returns the server-wide snapshot (admin only)
func (h *AnalyticsHandler) System(c *fiber.Ctx) error {
	totalUsers, err := h.users.CountUsers(c.Context())
	if err != nil {
		return err
	}
	activeSessions := h.sessions.CountActive(c.Context())

	return c.JSON(h.analytics.SystemStats(totalUsers, activeSessions))
}

// Export renders the user's usage as an XLSX workbook, or as a JSON bundle
// with ?format=json
func (h *AnalyticsHandler) Export(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	days := c.QueryInt("days", 30)

	if c.Query("format") == "json" {
		summary, err := h.analytics.Summary(c.Context(), userID, days)
		if err != nil {
			return err
		}
		daily, err := h.analytics.Daily(c.Context(), userID, days)
		if err != nil {
			return err
		}
		filename := fmt.Sprintf("karen-usage-%s.json", time.Now().UTC().Format("2006-01-02"))
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
		return c.JSON(fiber.Map{"summary": summary, "daily": daily})
	}

	data, err := h.analytics.ExportXLSX(c.Context(), userID, days)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("karen-usage-%s.xlsx", time.Now().UTC().Format("2006-01-02"))
	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Send(data)
}
