package handlers

import (
	"github.com/gofiber/fiber/v2"

	"karen/internal/health"
)

// HealthHandler answers liveness and component health probes
type HealthHandler struct {
	health *health.Service
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(healthService *health.Service) *HealthHandler {
	return &HealthHandler{health: healthService}
}

// Live is the bare liveness probe
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Report probes every backing component and returns the aggregate.
// A degraded report still answers 200; load balancers should key on the
// liveness probe, humans on this one.
func (h *HealthHandler) Report(c *fiber.Ctx) error {
	return c.JSON(h.health.Report(c.Context()))
}
