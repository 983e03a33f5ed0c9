package middleware

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/config"
	"karen/internal/services"
	"karen/pkg/auth"
)

// Cookie names used by the session persistence layer. Both cookies are scoped
// to the whole site: the refresh cookie must ride along on every API request
// so the in-flight rotation below can fire when the access token expires.
const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

// SessionMiddleware validates the access token on every request and keeps the
// session alive across access-token expiry: when the access token is expired
// but a refresh token is available, the pair is rotated in-flight and the new
// cookies are merged onto the response. The request proceeds with the
// refreshed identity instead of bouncing through a 401.
func SessionMiddleware(sessions *services.SessionService, cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Dev fallback: no JWT secret configured. Refuse in production,
		// synthesize a dev identity everywhere else.
		if sessions == nil {
			if cfg.IsProduction() {
				log.Fatal("❌ CRITICAL: JWT_SECRET is not configured in production. Refusing to serve authenticated routes.")
			}
			if cfg.Environment != "development" && cfg.Environment != "testing" && cfg.Environment != "" {
				return apierrors.New(apierrors.CodeServiceUnavailable, "Authentication service unavailable")
			}
			c.Locals("user_id", "dev-user")
			c.Locals("user_email", "dev@localhost")
			c.Locals("user_role", "admin")
			return c.Next()
		}

		token := extractAccessToken(c)
		if token == "" {
			return apierrors.New(apierrors.CodeTokenMissing, "Missing authorization token").
				WithRemediation("Send the access token in the Authorization header or the access_token cookie.")
		}

		claims, err := sessions.Tokens().VerifyAccess(token)
		if err == nil {
			attachIdentity(c, claims)
			return c.Next()
		}

		if !errors.Is(err, auth.ErrTokenExpired) {
			return apierrors.Wrap(apierrors.CodeTokenInvalid, "Token is invalid", err)
		}

		// Access token expired. Try a transparent refresh before failing.
		refreshToken := c.Cookies(RefreshCookieName)
		if refreshToken == "" {
			return apierrors.New(apierrors.CodeSessionExpired, "Access token has expired").
				WithRemediation("Call POST /api/auth/refresh with the refresh token, or sign in again.")
		}

		// The refresh cookie must belong to the same session as the expired
		// access token; a mismatched pair is cleared, not rotated.
		expired, perr := sessions.Tokens().ExpiredClaims(token)
		if perr != nil {
			return apierrors.Wrap(apierrors.CodeTokenInvalid, "Token is invalid", perr)
		}
		refreshClaims, rerr := sessions.Tokens().VerifyRefresh(refreshToken)
		if rerr != nil || refreshClaims.SessionID != expired.SessionID {
			ClearAuthCookies(c)
			return apierrors.New(apierrors.CodeSessionExpired, "Session has expired").
				WithRemediation("Sign in again.")
		}

		pair, claims, rerr := sessions.Refresh(c.Context(), refreshToken)
		if rerr != nil {
			ClearAuthCookies(c)
			return apierrors.Wrap(apierrors.CodeSessionExpired, "Session has expired", rerr).
				WithRemediation("Sign in again.")
		}

		// Merge the rotated cookies onto whatever response the handler
		// produces for this request.
		SetAuthCookies(c, pair, sessions.Tokens().AccessTokenExpiry, sessions.Tokens().RefreshTokenExpiry)
		attachIdentity(c, claims)
		sessions.Touch(c.Context(), claims.SessionID)

		log.Printf("🔄 [SESSION] In-flight token refresh for user %s (session %s)", claims.UserID, claims.SessionID)
		return c.Next()
	}
}

// OptionalSessionMiddleware attaches identity when a valid token is present
// and proceeds anonymously otherwise. It never rotates tokens.
func OptionalSessionMiddleware(sessions *services.SessionService, cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if sessions == nil {
			if cfg.IsProduction() {
				log.Fatal("❌ CRITICAL: JWT_SECRET is not configured in production. Refusing to serve authenticated routes.")
			}
			c.Locals("user_id", "dev-user")
			c.Locals("user_email", "dev@localhost")
			c.Locals("user_role", "admin")
			return c.Next()
		}

		token := extractAccessToken(c)
		if token == "" {
			c.Locals("user_id", "anonymous")
			return c.Next()
		}

		claims, err := sessions.Tokens().VerifyAccess(token)
		if err != nil {
			c.Locals("user_id", "anonymous")
			return c.Next()
		}

		attachIdentity(c, claims)
		return c.Next()
	}
}

// extractAccessToken pulls the access token from the Authorization header,
// falling back to the access cookie for browser clients.
func extractAccessToken(c *fiber.Ctx) string {
	if header := c.Get("Authorization"); header != "" {
		if token, err := auth.ExtractToken(header); err == nil {
			return token
		}
	}
	return c.Cookies(AccessCookieName)
}

func attachIdentity(c *fiber.Ctx, claims *auth.Claims) {
	c.Locals("user_id", claims.UserID)
	c.Locals("user_email", claims.Email)
	c.Locals("user_role", claims.Role)
	c.Locals("session_id", claims.SessionID)
}

// SetAuthCookies writes the token pair as HttpOnly cookies. Secure is derived
// from the request protocol so local development over plain HTTP still works.
func SetAuthCookies(c *fiber.Ctx, pair *auth.TokenPair, accessTTL, refreshTTL time.Duration) {
	now := time.Now()
	c.Cookie(&fiber.Cookie{
		Name:     AccessCookieName,
		Value:    pair.AccessToken,
		Expires:  now.Add(accessTTL),
		HTTPOnly: true,
		Secure:   c.Protocol() == "https",
		SameSite: "Strict",
		Path:     "/",
	})
	c.Cookie(&fiber.Cookie{
		Name:     RefreshCookieName,
		Value:    pair.RefreshToken,
		Expires:  now.Add(refreshTTL),
		HTTPOnly: true,
		Secure:   c.Protocol() == "https",
		SameSite: "Strict",
		Path:     "/",
	})
}

// ClearAuthCookies expires both auth cookies on the response
func ClearAuthCookies(c *fiber.Ctx) {
	expired := time.Now().Add(-time.Hour)
	c.Cookie(&fiber.Cookie{
		Name:     AccessCookieName,
		Value:    "",
		Expires:  expired,
		HTTPOnly: true,
		SameSite: "Strict",
		Path:     "/",
	})
	c.Cookie(&fiber.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Expires:  expired,
		HTTPOnly: true,
		SameSite: "Strict",
		Path:     "/",
	})
}
