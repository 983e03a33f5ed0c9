package middleware

import (
	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/config"
)

// RequireAdmin gates a route group on the admin role. Users with role "admin"
// (the first registered user) qualify, as does the explicit admin list from
// ADMIN_USER_IDS.
func RequireAdmin(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(string)
		if !ok || userID == "" || userID == "anonymous" {
			return apierrors.New(apierrors.CodeTokenMissing, "Authentication required")
		}

		if role, ok := c.Locals("user_role").(string); ok && role == "admin" {
			c.Locals("is_admin", true)
			return c.Next()
		}

		if IsAdmin(userID, cfg) {
			c.Locals("is_admin", true)
			return c.Next()
		}

		return apierrors.New(apierrors.CodeForbidden, "Admin access required").
			WithRemediation("Ask an administrator to perform this action or to grant the admin role.")
	}
}

// IsAdmin reports whether a user ID is on the configured admin list
func IsAdmin(userID string, cfg *config.Config) bool {
	for _, adminID := range cfg.AdminUserIDs {
		if adminID == userID {
			return true
		}
	}
	return false
}
