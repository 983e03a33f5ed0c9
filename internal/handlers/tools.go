package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
	"karen/internal/tools"
)

// ToolsHandler exposes the built-in tool registry
type ToolsHandler struct {
	registry  *tools.Registry
	analytics *services.AnalyticsService
}

// NewToolsHandler creates a new tools handler
func NewToolsHandler(registry *tools.Registry, analytics *services.AnalyticsService) *ToolsHandler {
	return &ToolsHandler{registry: registry, analytics: analytics}
}

// List returns tool definitions in OpenAI function-calling format
func (h *ToolsHandler) List(c *fiber.Ctx) error {
	if c.Query("detailed") == "true" {
		return c.JSON(fiber.Map{"tools": h.registry.ListDetailed()})
	}
	return c.JSON(fiber.Map{"tools": h.registry.List()})
}

// Get returns one tool's metadata
func (h *ToolsHandler) Get(c *fiber.Ctx) error {
	tool, ok := h.registry.Get(c.Params("name"))
	if !ok {
		return tools.ErrToolNotFound
	}
	return c.JSON(tools.ToolInfo{
		Name:        tool.Name,
		DisplayName: tool.DisplayName,
		Description: tool.Description,
		Category:    tool.Category,
		Parameters:  tool.Parameters,
		Keywords:    tool.Keywords,
	})
}

// Execute runs one tool by name
func (h *ToolsHandler) Execute(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	name := c.Params("name")

	var body struct {
		Args map[string]any `json:"args"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	start := time.Now()
	output, err := h.registry.Execute(c.Context(), name, body.Args)

	if h.analytics != nil {
		h.analytics.Record(c.Context(), &models.UsageEvent{
			UserID:    userID,
			Kind:      models.UsageKindTool,
			LatencyMS: time.Since(start).Milliseconds(),
			Success:   err == nil,
		})
	}
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"tool":        name,
		"output":      output,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
