package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
)

// ModelHandler handles the model catalog and chat completions
type ModelHandler struct {
	models     *services.ModelService
	classifier *services.ErrorClassifier
}

// NewModelHandler creates a new model handler
func NewModelHandler(modelService *services.ModelService, classifier *services.ErrorClassifier) *ModelHandler {
	return &ModelHandler{models: modelService, classifier: classifier}
}

// List returns the model catalog. Hidden models are included only for admins.
func (h *ModelHandler) List(c *fiber.Ctx) error {
	isAdmin, _ := c.Locals("is_admin").(bool)
	includeHidden := isAdmin && c.Query("include_hidden") == "true"

	catalog, err := h.models.List(c.Context(), includeHidden)
	if err != nil {
		return err
	}
	return c.JSON(models.ModelListResponse{Models: catalog, Count: len(catalog)})
}

// Get returns one model by ID
func (h *ModelHandler) Get(c *fiber.Ctx) error {
	model, err := h.models.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(model)
}

// Refresh re-discovers models from all enabled providers (admin only)
func (h *ModelHandler) Refresh(c *fiber.Ctx) error {
	count, err := h.models.RefreshAll(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"discovered": count})
}

// Chat runs a completion against the selected model, optionally persisting
// the exchange into a conversation
func (h *ModelHandler) Chat(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}
	if len(req.Messages) == 0 {
		return apierrors.Validation("Invalid chat request", map[string]any{"messages": "at least one message is required"})
	}

	metrics := services.GetMetrics()
	if metrics != nil {
		metrics.RecordChatRequest()
	}

	start := time.Now()
	response, err := h.models.Chat(c.Context(), userID, &req)
	if metrics != nil {
		metrics.RecordChatLatency(time.Since(start).Seconds())
		if err != nil {
			metrics.RecordChatError(string(h.classifier.Classify(err).Code))
		}
	}
	if err != nil {
		return err
	}
	return c.JSON(response)
}
