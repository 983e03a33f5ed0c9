package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/config"
	"karen/internal/middleware"
	"karen/internal/models"
	"karen/internal/services"
	"karen/pkg/auth"
)

// AuthHandler handles registration, login, token refresh and the TOTP
// second factor
type AuthHandler struct {
	users    *services.UserService
	sessions *services.SessionService
	cfg      *config.Config
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(users *services.UserService, sessions *services.SessionService, cfg *config.Config) *AuthHandler {
	return &AuthHandler{users: users, sessions: sessions, cfg: cfg}
}

// Register creates a new account
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return apierrors.Validation("Invalid registration", map[string]any{"email": "a valid email address is required"})
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return apierrors.Validation("Invalid registration", map[string]any{"password": err.Error()})
	}

	user, err := h.users.Register(c.Context(), req.Email, req.Password)
	if err != nil {
		return err
	}

	log.Printf("👤 [AUTH] Registered %s", user.Email)
	return c.Status(fiber.StatusCreated).JSON(user.ToResponse())
}

// Login authenticates with email, password and, when enabled on the
// account, a TOTP code. On success it sets the auth cookies and returns
// the token pair for non-browser clients.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	user, err := h.users.Authenticate(c.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		h.recordLogin(outcomeFor(err))
		return err
	}

	session, pair, err := h.sessions.Create(c.Context(), user, c.Get("User-Agent"), c.IP())
	if err != nil {
		return err
	}

	tokens := h.sessions.Tokens()
	middleware.SetAuthCookies(c, pair, tokens.AccessTokenExpiry, tokens.RefreshTokenExpiry)
	h.recordLogin("success")

	log.Printf("🔓 [AUTH] %s logged in (session %s)", user.Email, session.ID)
	return c.JSON(models.LoginResponse{
		TokenPair: models.TokenPair{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			TokenType:    "bearer",
			ExpiresIn:    int64(tokens.AccessTokenExpiry.Seconds()),
		},
		User: user.ToResponse(),
	})
}

func outcomeFor(err error) string {
	if errors.Is(err, services.ErrTOTPRequired) {
		return "totp_required"
	}
	return "failed"
}

func (h *AuthHandler) recordLogin(outcome string) {
	if m := services.GetMetrics(); m != nil {
		m.RecordLoginAttempt(outcome)
	}
}

// Refresh rotates the refresh token. The token is taken from the cookie
// when present, falling back to the request body.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	refreshToken := c.Cookies(middleware.RefreshCookieName)
	if refreshToken == "" {
		var req models.RefreshRequest
		if err := c.BodyParser(&req); err == nil {
			refreshToken = req.RefreshToken
		}
	}
	if refreshToken == "" {
		return apierrors.New(apierrors.CodeTokenMissing, "No refresh token provided").
			WithRemediation("Send the refresh_token cookie or a refresh_token body field.")
	}

	pair, claims, err := h.sessions.Refresh(c.Context(), refreshToken)
	if err != nil {
		middleware.ClearAuthCookies(c)
		return err
	}

	tokens := h.sessions.Tokens()
	middleware.SetAuthCookies(c, pair, tokens.AccessTokenExpiry, tokens.RefreshTokenExpiry)
	h.sessions.Touch(c.Context(), claims.SessionID)
	if m := services.GetMetrics(); m != nil {
		m.RecordTokenRefresh()
	}

	return c.JSON(models.TokenPair{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(tokens.AccessTokenExpiry.Seconds()),
	})
}

// Logout revokes the current session and clears the auth cookies
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	sessionID, _ := c.Locals("session_id").(string)
	if sessionID != "" {
		if err := h.sessions.Revoke(c.Context(), sessionID); err != nil && !errors.Is(err, services.ErrSessionNotFound) {
			log.Printf("⚠️ [AUTH] Failed to revoke session %s: %v", sessionID, err)
		}
	}
	middleware.ClearAuthCookies(c)
	return c.JSON(fiber.Map{"logged_out": true})
}

// Me returns the authenticated user's profile
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	user, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(user.ToResponse())
}

// UpdateCredentials changes the account's email and/or password
func (h *AuthHandler) UpdateCredentials(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.UpdateCredentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	user, err := h.users.UpdateCredentials(c.Context(), userID, &req)
	if err != nil {
		return err
	}

	// A password change invalidates every other session
	if req.NewPassword != nil {
		currentSID, _ := c.Locals("session_id").(string)
		active, err := h.sessions.ListForUser(c.Context(), userID)
		if err == nil {
			for i := range active {
				if active[i].ID != currentSID {
					h.sessions.Revoke(c.Context(), active[i].ID)
				}
			}
		}
	}

	return c.JSON(user.ToResponse())
}

// Status reports the auth mode without requiring authentication
func (h *AuthHandler) Status(c *fiber.Ctx) error {
	mode := "jwt"
	if h.cfg.JWTSecret == "" {
		mode = "development"
	}

	// Identity is attached by the optional session middleware when the
	// caller sent a valid token; anonymous callers still get a 200.
	userID, _ := c.Locals("user_id").(string)
	authenticated := userID != "" && userID != "anonymous"

	resp := fiber.Map{
		"mode":          mode,
		"environment":   h.cfg.Environment,
		"authenticated": authenticated,
	}
	if authenticated {
		resp["user_id"] = userID
	}
	return c.JSON(resp)
}

// --- TOTP second factor ---

// TOTPSetup begins TOTP enrollment and returns the provisioning URI
func (h *AuthHandler) TOTPSetup(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	setup, err := h.users.BeginTOTPEnrollment(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(setup)
}

// TOTPVerify confirms enrollment with a first valid code and returns the
// one-time backup codes
func (h *AuthHandler) TOTPVerify(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.TOTPVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	backupCodes, err := h.users.ConfirmTOTP(c.Context(), userID, req.Code)
	if err != nil {
		return err
	}

	log.Printf("🔐 [AUTH] TOTP enabled for user %s", userID)
	return c.JSON(models.TOTPEnableResponse{Enabled: true, BackupCodes: backupCodes})
}

// TOTPDisable turns the second factor off after verifying a current code
func (h *AuthHandler) TOTPDisable(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req models.TOTPVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apierrors.New(apierrors.CodeValidation, "Invalid request body")
	}

	if err := h.users.DisableTOTP(c.Context(), userID, req.Code); err != nil {
		return err
	}

	log.Printf("🔓 [AUTH] TOTP disabled for user %s", userID)
	return c.JSON(fiber.Map{"enabled": false})
}

// --- Sessions ---

// ListSessions returns the user's active sessions, marking the current one
func (h *AuthHandler) ListSessions(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	currentSID, _ := c.Locals("session_id").(string)

	active, err := h.sessions.ListForUser(c.Context(), userID)
	if err != nil {
		return err
	}

	out := make([]models.SessionResponse, 0, len(active))
	for i := range active {
		out = append(out, active[i].ToResponse(currentSID))
	}
	return c.JSON(fiber.Map{"sessions": out, "count": len(out)})
}

// RevokeSession revokes one of the user's sessions by ID
func (h *AuthHandler) RevokeSession(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	sessionID := c.Params("id")

	session, err := h.sessions.Get(c.Context(), sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return apierrors.New(apierrors.CodeForbidden, "Session belongs to another account")
	}

	if err := h.sessions.Revoke(c.Context(), sessionID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"revoked": true})
}
