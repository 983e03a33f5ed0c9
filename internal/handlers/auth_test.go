package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pquerna/otp/totp"

	"karen/internal/config"
	"karen/internal/crypto"
	"karen/internal/database"
	"karen/internal/middleware"
	"karen/internal/models"
	"karen/internal/services"
	"karen/pkg/auth"
)

const testEncryptionKey = "3f8a2b1c4d5e6f708192a3b4c5d6e7f80123456789abcdef0123456789abcdef"

type authTestEnv struct {
	app      *fiber.App
	users    *services.UserService
	sessions *services.SessionService
}

func newAuthTestEnv(t *testing.T) *authTestEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	cfg := &config.Config{
		Environment: "development",
		TOTPIssuer:  "KarenTest",
		JWTSecret:   "handler-test-secret",
	}

	enc, err := crypto.NewEncryptionService(testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to create encryption service: %v", err)
	}
	users := services.NewUserService(db, enc, cfg)

	tokens, err := auth.NewTokenService("handler-test-secret", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}
	sessions := services.NewSessionService(tokens, nil)

	handler := NewAuthHandler(users, sessions, cfg)
	sessionAuth := middleware.SessionMiddleware(sessions, cfg)

	app := fiber.New(fiber.Config{
		ErrorHandler: services.NewErrorClassifier().Handler(),
	})
	authGroup := app.Group("/api/auth")
	authGroup.Get("/status", middleware.OptionalSessionMiddleware(sessions, cfg), handler.Status)
	authGroup.Post("/register", handler.Register)
	authGroup.Post("/login", handler.Login)
	authGroup.Post("/refresh", handler.Refresh)
	authGroup.Post("/logout", sessionAuth, handler.Logout)
	authGroup.Get("/me", sessionAuth, handler.Me)
	authGroup.Get("/sessions", sessionAuth, handler.ListSessions)

	return &authTestEnv{app: app, users: users, sessions: sessions}
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func TestRegisterLoginMeFlow(t *testing.T) {
	env := newAuthTestEnv(t)

	resp := postJSON(t, env.app, "/api/auth/register", models.RegisterRequest{
		Email:    "Alice@Example.com",
		Password: "Sup3rSecr3t!",
	})
	if resp.StatusCode != 201 {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}

	resp = postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}

	var login models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatal("login must return a token pair")
	}
	if login.User.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %s", login.User.Email)
	}

	// Auth cookies must ride on the login response
	var sawAccess bool
	for _, cookie := range resp.Cookies() {
		if cookie.Name == middleware.AccessCookieName && cookie.HttpOnly {
			sawAccess = true
		}
	}
	if !sawAccess {
		t.Error("login must set an HttpOnly access cookie")
	}

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	meResp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if meResp.StatusCode != 200 {
		t.Fatalf("me: expected 200, got %d", meResp.StatusCode)
	}
	var me models.UserResponse
	if err := json.NewDecoder(meResp.Body).Decode(&me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.Email != "alice@example.com" {
		t.Errorf("expected account email, got %s", me.Email)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newAuthTestEnv(t)

	postJSON(t, env.app, "/api/auth/register", models.RegisterRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})

	resp := postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "alice@example.com",
		Password: "WrongPassw0rd!",
	})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "AUTHENTICATION_FAILED" {
		t.Errorf("expected AUTHENTICATION_FAILED, got %s", code)
	}
}

func TestRegisterWeakPassword(t *testing.T) {
	env := newAuthTestEnv(t)

	resp := postJSON(t, env.app, "/api/auth/register", models.RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
	})
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestLoginRequiresTOTPWhenEnabled(t *testing.T) {
	env := newAuthTestEnv(t)
	ctx := context.Background()

	user, err := env.users.Register(ctx, "alice@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	setup, err := env.users.BeginTOTPEnrollment(ctx, user.ID)
	if err != nil {
		t.Fatalf("BeginTOTPEnrollment failed: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	if _, err := env.users.ConfirmTOTP(ctx, user.ID, code); err != nil {
		t.Fatalf("ConfirmTOTP failed: %v", err)
	}

	// No code: the login must be rejected with the dedicated signal
	resp := postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := errorCode(t, resp); got != "TOTP_REQUIRED" {
		t.Errorf("expected TOTP_REQUIRED, got %s", got)
	}

	// With a fresh code the login succeeds
	code, err = totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	resp = postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
		TOTPCode: code,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 with TOTP code, got %d", resp.StatusCode)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	env := newAuthTestEnv(t)

	postJSON(t, env.app, "/api/auth/register", models.RegisterRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})
	resp := postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})
	var login models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	resp = postJSON(t, env.app, "/api/auth/refresh", models.RefreshRequest{
		RefreshToken: login.RefreshToken,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("refresh: expected 200, got %d", resp.StatusCode)
	}

	var rotated models.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if rotated.RefreshToken == "" || rotated.RefreshToken == login.RefreshToken {
		t.Error("refresh must rotate the refresh token")
	}

	// The rotated access token works
	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+rotated.AccessToken)
	meResp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if meResp.StatusCode != 200 {
		t.Errorf("expected rotated access token to work, got %d", meResp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newAuthTestEnv(t)

	postJSON(t, env.app, "/api/auth/register", models.RegisterRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})
	resp := postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "alice@example.com",
		Password: "Sup3rSecr3t!",
	})
	var login models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	logoutResp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if logoutResp.StatusCode != 200 {
		t.Fatalf("logout: expected 200, got %d", logoutResp.StatusCode)
	}

	// The revoked session can no longer refresh
	resp = postJSON(t, env.app, "/api/auth/refresh", models.RefreshRequest{
		RefreshToken: login.RefreshToken,
	})
	if resp.StatusCode != 401 {
		t.Errorf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestAuthStatus(t *testing.T) {
	env := newAuthTestEnv(t)

	req := httptest.NewRequest("GET", "/api/auth/status", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["mode"] != "jwt" {
		t.Errorf("expected jwt mode, got %v", status["mode"])
	}
	if status["authenticated"] != false {
		t.Errorf("anonymous status should report authenticated=false, got %v", status["authenticated"])
	}

	// A valid token upgrades the same endpoint without requiring auth
	postJSON(t, env.app, "/api/auth/register", models.RegisterRequest{
		Email:    "status@example.com",
		Password: "Sup3rSecr3t!",
	})
	loginResp := postJSON(t, env.app, "/api/auth/login", models.LoginRequest{
		Email:    "status@example.com",
		Password: "Sup3rSecr3t!",
	})
	var login models.LoginResponse
	if err := json.NewDecoder(loginResp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	req = httptest.NewRequest("GET", "/api/auth/status", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err = env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	status = map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["authenticated"] != true || status["user_id"] == "" {
		t.Errorf("signed-in status should carry the identity, got %v", status)
	}

	// A garbage token stays anonymous instead of failing the request
	req = httptest.NewRequest("GET", "/api/auth/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("invalid token on an optional route should still 200, got %d", resp.StatusCode)
	}
	status = map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["authenticated"] != false {
		t.Errorf("invalid token should report authenticated=false, got %v", status)
	}
}
