package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
)

// ConversationHandler handles conversation CRUD, message history and exports
type ConversationHandler struct {
	conversations *services.ConversationService
	export        *services.ExportService
	analytics     *services.AnalyticsService
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversations *services.ConversationService, export *services.ExportService, analytics *services.AnalyticsService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, export: export, analytics: analytics}
}

// List returns a page of the user's conversations
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	opts := services.ListConversationsOptions{
		Limit:  c.QueryInt("limit", 20),
		Offset: c.QueryInt("offset", 0),
		Tag:    c.Query("tag"),
		Search: c.Query("search"),
	}
	if raw := c.Query("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			return apierrors.Validation("Invalid query", map[string]any{"archived": "must be true or false"})
		}
		opts.Archived = &archived
	}

	page, err := h.conversations.List(c.Context(), userID, opts)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// Create starts a new conversation
func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	conv, err := h.conversations.Create(c.Context(), userID, &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// Get returns one conversation with its full message history
func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	conv, err := h.conversations.Get(c.Context(), userID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

// Status returns conversation metadata without the message payload
func (h *ConversationHandler) Status(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	conv, err := h.conversations.Get(c.Context(), userID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"id":              conv.ID.Hex(),
		"title":           conv.Title,
		"archived":        conv.Archived,
		"message_count":   len(conv.Messages),
		"updated_at":      conv.UpdatedAt,
		"last_message_at": conv.LastMessageAt,
	})
}

// Update renames, retags or archives a conversation
func (h *ConversationHandler) Update(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.UpdateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	conv, err := h.conversations.Update(c.Context(), userID, c.Params("id"), &req)
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

// Delete removes one conversation
func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	if err := h.conversations.Delete(c.Context(), userID, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// DeleteAll removes every conversation the user owns
func (h *ConversationHandler) DeleteAll(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	deleted, err := h.conversations.DeleteAllForUser(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

// AddMessage appends a message to a conversation
func (h *ConversationHandler) AddMessage(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.AddMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	msg, err := h.conversations.AppendMessage(c.Context(), userID, c.Params("id"), &req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// Export renders a conversation as json, markdown, html or pdf and sends
// it as a download
func (h *ConversationHandler) Export(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	format := c.Query("format", models.ExportFormatJSON)

	conv, err := h.conversations.Get(c.Context(), userID, c.Params("id"))
	if err != nil {
		return err
	}

	artifact, err := h.export.Conversation(c.Context(), conv, format)
	if err != nil {
		return err
	}

	if h.analytics != nil {
		h.analytics.Record(c.Context(), &models.UsageEvent{
			UserID:         userID,
			Kind:           models.UsageKindExport,
			ConversationID: conv.ID.Hex(),
			Success:        true,
		})
	}

	c.Set(fiber.HeaderContentType, artifact.ContentType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+artifact.Filename+`"`)
	return c.Send(artifact.Data)
}
