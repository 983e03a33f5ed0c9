package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
)

// PluginHandler handles plugin listing, admin enable/disable and execution
type PluginHandler struct {
	plugins *services.PluginService
}

// NewPluginHandler creates a new plugin handler
func NewPluginHandler(plugins *services.PluginService) *PluginHandler {
	return &PluginHandler{plugins: plugins}
}

// List returns all installed plugins
func (h *PluginHandler) List(c *fiber.Ctx) error {
	installed := h.plugins.List()
	return c.JSON(models.PluginListResponse{Plugins: installed, Count: len(installed)})
}

// Get returns one plugin with its manifest
func (h *PluginHandler) Get(c *fiber.Ctx) error {
	plugin, err := h.plugins.Get(c.Params("name"))
	if err != nil {
		return err
	}
	return c.JSON(plugin)
}

// Execute runs a plugin with the supplied arguments
func (h *PluginHandler) Execute(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.PluginExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	result, err := h.plugins.Execute(c.Context(), userID, c.Params("name"), &req)
	if m := services.GetMetrics(); m != nil {
		m.RecordPluginInvocation(c.Params("name"), err == nil && result != nil && result.Success)
	}
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Enable turns a plugin on (admin only)
func (h *PluginHandler) Enable(c *fiber.Ctx) error {
	return h.setEnabled(c, true)
}

// Disable turns a plugin off (admin only)
func (h *PluginHandler) Disable(c *fiber.Ctx) error {
	return h.setEnabled(c, false)
}

func (h *PluginHandler) setEnabled(c *fiber.Ctx, enabled bool) error {
	adminID, _ := c.Locals("user_id").(string)

	plugin, err := h.plugins.SetEnabled(c.Context(), c.Params("name"), enabled, adminID)
	if err != nil {
		return err
	}

	log.Printf("🔌 [PLUGINS] %s set enabled=%t by %s", plugin.Manifest.Name, enabled, adminID)
	return c.JSON(plugin)
}

// Reload rescans the plugin directory (admin only)
func (h *PluginHandler) Reload(c *fiber.Ctx) error {
	if err := h.plugins.Reload(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"reloaded": true, "count": h.plugins.Count()})
}
