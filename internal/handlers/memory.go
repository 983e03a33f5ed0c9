package handlers

import (
	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
)

// MemoryHandler handles the persistent memory fact store
type MemoryHandler struct {
	memory *services.MemoryService
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(memory *services.MemoryService) *MemoryHandler {
	return &MemoryHandler{memory: memory}
}

// List returns the user's stored facts, optionally filtered by category
func (h *MemoryHandler) List(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	facts, err := h.memory.List(c.Context(), userID, c.Query("category"), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"facts": facts, "count": len(facts)})
}

// Create stores a new memory fact
func (h *MemoryHandler) Create(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.CreateMemoryRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	fact, err := h.memory.Create(c.Context(), userID, c.Query("conversation_id"), &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fact)
}

// Search ranks stored facts against a query
func (h *MemoryHandler) Search(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.MemorySearchRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}
	if req.Query == "" {
		return apierrors.Validation("Invalid search", map[string]any{"query": "query is required"})
	}

	results, err := h.memory.Search(c.Context(), userID, &req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"results": results, "count": len(results)})
}

// Delete removes one fact
func (h *MemoryHandler) Delete(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	if err := h.memory.Delete(c.Context(), userID, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// DeleteAll wipes the user's memory store
func (h *MemoryHandler) DeleteAll(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	deleted, err := h.memory.DeleteAllForUser(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}
