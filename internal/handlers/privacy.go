package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/middleware"
	"karen/internal/models"
	"karen/internal/services"
)

// PrivacyHandler handles data-subject requests: summary, export and
// account deletion
type PrivacyHandler struct {
	privacy *services.PrivacyService
}

// NewPrivacyHandler creates a new privacy handler
func NewPrivacyHandler(privacy *services.PrivacyService) *PrivacyHandler {
	return &PrivacyHandler{privacy: privacy}
}

// Summary returns per-category counts of what the server stores
func (h *PrivacyHandler) Summary(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	summary, err := h.privacy.Summary(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

// Export sends the user's full data bundle as a download
func (h *PrivacyHandler) Export(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	artifact, err := h.privacy.Export(c.Context(), userID, c.Query("format", models.ExportFormatJSON))
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, artifact.ContentType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+artifact.Filename+`"`)
	return c.Send(artifact.Data)
}

// DeleteAccount removes the account and everything tied to it after a
// password confirmation
func (h *PrivacyHandler) DeleteAccount(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.DeleteAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}
	if req.Password == "" {
		return apierrors.Validation("Deletion not confirmed", map[string]any{"password": "current password is required"})
	}

	result, err := h.privacy.DeleteAccount(c.Context(), userID, req.Password)
	if err != nil {
		return err
	}

	middleware.ClearAuthCookies(c)
	log.Printf("🗑️ [PRIVACY] Account deletion completed for %s", userID)
	return c.JSON(result)
}

// Policy returns the data handling policy. Public, no auth required.
func (h *PrivacyHandler) Policy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"retention": fiber.Map{
			"usage_events":  "90 days",
			"conversations": "until deleted by the owner",
			"sessions":      "7 days of inactivity",
		},
		"export_formats": []string{"json", "html", "pdf"},
		"deletion":       "immediate and irreversible, confirmed by password",
		"encryption":     "provider API keys and TOTP secrets are encrypted at rest",
	})
}
