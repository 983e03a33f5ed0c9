package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/models"
	"karen/internal/services"
)

// ProviderHandler handles AI provider management. All routes are admin-only;
// API keys are stored encrypted and only ever returned masked.
type ProviderHandler struct {
	providers *services.ProviderService
	models    *services.ModelService
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(providers *services.ProviderService, modelService *services.ModelService) *ProviderHandler {
	return &ProviderHandler{providers: providers, models: modelService}
}

// List returns all providers with masked keys
func (h *ProviderHandler) List(c *fiber.Ctx) error {
	includeDisabled := c.Query("include_disabled") == "true"

	all, err := h.providers.List(c.Context(), includeDisabled)
	if err != nil {
		return err
	}

	out := make([]models.ProviderResponse, 0, len(all))
	for i := range all {
		out = append(out, h.providers.MaskedResponse(&all[i]))
	}
	return c.JSON(fiber.Map{"providers": out, "count": len(out)})
}

// Get returns one provider with a masked key
func (h *ProviderHandler) Get(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	provider, err := h.providers.GetByID(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(h.providers.MaskedResponse(provider))
}

// Create registers a new provider
func (h *ProviderHandler) Create(c *fiber.Ctx) error {
	var req models.CreateProviderRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	provider, err := h.providers.Create(c.Context(), &req)
	if err != nil {
		return err
	}

	log.Printf("🏭 [PROVIDERS] Created provider %s (%s)", provider.Name, provider.BaseURL)
	return c.Status(fiber.StatusCreated).JSON(h.providers.MaskedResponse(provider))
}

// Update modifies a provider's settings
func (h *ProviderHandler) Update(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	var req models.UpdateProviderRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	provider, err := h.providers.Update(c.Context(), id, &req)
	if err != nil {
		return err
	}
	return c.JSON(h.providers.MaskedResponse(provider))
}

// Delete removes a provider and its models
func (h *ProviderHandler) Delete(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	if err := h.providers.Delete(c.Context(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// SetDefault marks one provider as the default for completions
func (h *ProviderHandler) SetDefault(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	if err := h.providers.SetDefault(c.Context(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"default": true})
}

// Refresh re-discovers the provider's models
func (h *ProviderHandler) Refresh(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	provider, err := h.providers.GetByID(c.Context(), id)
	if err != nil {
		return err
	}

	count, err := h.models.RefreshProvider(c.Context(), provider)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"provider": provider.Name, "discovered": count})
}

// GetFilters returns the provider's model visibility filters
func (h *ProviderHandler) GetFilters(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	filters, err := h.providers.GetFilters(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"filters": filters, "count": len(filters)})
}

// SetFilters replaces the provider's model visibility filters and applies
// them to the catalog
func (h *ProviderHandler) SetFilters(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return apierrors.Validation("Invalid provider ID", map[string]any{"id": "must be an integer"})
	}

	var body struct {
		Filters []models.ModelFilter `json:"filters"`
	}
	if err := c.BodyParser(&body); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	if err := h.providers.SyncFilters(c.Context(), id, body.Filters); err != nil {
		return err
	}
	if err := h.providers.ApplyFilters(c.Context(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"applied": len(body.Filters)})
}
