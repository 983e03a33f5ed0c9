package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"karen/internal/services"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int // Max requests per minute for all API endpoints
	GlobalAPIExpiration time.Duration

	// Public endpoint limits (per IP) - read-only, unauthenticated
	PublicReadMax        int
	PublicReadExpiration time.Duration

	// Authenticated endpoint limits (per user ID)
	AuthenticatedMax        int
	AuthenticatedExpiration time.Duration

	// Credential-guessing protection (per IP): login, register, TOTP
	LoginAttemptMax        int
	LoginAttemptExpiration time.Duration

	// Tool and plugin execution (per user) - these call out to providers
	// and sandboxes, so the budget is much tighter than plain reads
	ExecuteMax        int
	ExecuteExpiration time.Duration

	// Export generation (per user) - XLSX/PDF rendering is expensive
	ExportMax        int
	ExportExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Global: 200/min = ~3.3 req/sec - generous for normal use
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		// Public read endpoints: 120/min
		PublicReadMax:        120,
		PublicReadExpiration: 1 * time.Minute,

		// Authenticated operations: 60/min average
		AuthenticatedMax:        60,
		AuthenticatedExpiration: 1 * time.Minute,

		// Login attempts: 5 per 15 minutes per IP
		LoginAttemptMax:        5,
		LoginAttemptExpiration: 15 * time.Minute,

		// Tool/plugin execution: 20/min
		ExecuteMax:        20,
		ExecuteExpiration: 1 * time.Minute,

		// Exports: 5/min
		ExportMax:        5,
		ExportExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GLOBAL_API"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalAPIMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_PUBLIC_READ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.PublicReadMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_AUTHENTICATED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.AuthenticatedMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_LOGIN_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.LoginAttemptMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_EXECUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ExecuteMax = n
		}
	}

	// Development mode: more lenient limits, but login guessing stays tight
	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.AuthenticatedMax = 600
		config.ExecuteMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

// GlobalAPIRateLimiter creates a rate limiter for all API requests.
// This is the first line of defense against floods.
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Global limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{
					"code":        "RATE_LIMITED",
					"message":     "Too many requests. Please slow down.",
					"details":     fiber.Map{"retry_after": int(config.GlobalAPIExpiration.Seconds())},
					"remediation": []string{"Wait before retrying. Spread bulk operations over time."},
				},
			})
		},
	})
}

// PublicReadRateLimiter for public read-only endpoints
func PublicReadRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.PublicReadMax,
		Expiration: config.PublicReadExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "public:" + c.IP()
		},
		LimitReached: rateLimitedResponse("Too many requests to this endpoint.", config.PublicReadExpiration),
	})
}

// AuthenticatedRateLimiter for authenticated endpoints (keyed by user ID)
func AuthenticatedRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.AuthenticatedMax,
		Expiration: config.AuthenticatedExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" && userID != "anonymous" {
				return "auth:" + userID
			}
			return "auth-ip:" + c.IP()
		},
		LimitReached: rateLimitedResponse("Too many requests. Please wait before trying again.", config.AuthenticatedExpiration),
	})
}

// LoginAttemptRateLimiter protects login, register and TOTP verification
// against credential guessing. Keyed by IP since the caller is not
// authenticated yet. Successful requests do not count against the budget.
// With Redis the failure counters are shared across instances; without it
// the budget lives in fiber's in-memory limiter storage.
func LoginAttemptRateLimiter(config *RateLimitConfig, store *services.RedisService) fiber.Handler {
	if store != nil {
		return redisLoginAttemptLimiter(config, store)
	}

	return limiter.New(limiter.Config{
		Max:                    config.LoginAttemptMax,
		Expiration:             config.LoginAttemptExpiration,
		SkipSuccessfulRequests: true,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "login:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Login attempt limit reached for IP: %s", c.IP())
			return loginAttemptLimited(c, int(config.LoginAttemptExpiration.Seconds()))
		},
	})
}

// redisLoginAttemptLimiter keeps the failed-attempt counters in Redis.
// A Redis outage fails open: attempts proceed uncounted rather than
// locking every caller out.
func redisLoginAttemptLimiter(config *RateLimitConfig, store *services.RedisService) fiber.Handler {
	limit := int64(config.LoginAttemptMax)
	window := config.LoginAttemptExpiration

	return func(c *fiber.Ctx) error {
		key := "karen:ratelimit:login:" + c.IP()
		ctx := c.Context()

		if n, err := store.Exists(ctx, key); err == nil && n > 0 {
			if raw, err := store.Get(ctx, key); err == nil {
				if count, perr := strconv.ParseInt(raw, 10, 64); perr == nil && count >= limit {
					retryAfter := int(window.Seconds())
					if ttl, terr := store.TTL(ctx, key); terr == nil && ttl > 0 {
						retryAfter = int(ttl.Seconds())
					}
					log.Printf("🚫 [RATE-LIMIT] Login attempt limit reached for IP: %s", c.IP())
					return loginAttemptLimited(c, retryAfter)
				}
			}
		}

		err := c.Next()

		// Only failed attempts consume budget
		if err != nil || c.Response().StatusCode() >= fiber.StatusBadRequest {
			if _, _, cerr := store.CheckRateLimit(ctx, key, limit, window); cerr != nil {
				log.Printf("⚠️ [RATE-LIMIT] Failed to record login attempt for %s: %v", c.IP(), cerr)
			}
		}
		return err
	}
}

func loginAttemptLimited(c *fiber.Ctx, retryAfter int) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": fiber.Map{
			"code":        "RATE_LIMITED",
			"message":     "Too many failed authentication attempts.",
			"details":     fiber.Map{"retry_after": retryAfter},
			"remediation": []string{"Wait 15 minutes before trying again. Use password reset if you forgot your credentials."},
		},
	})
}

// ExecuteRateLimiter for tool and plugin execution endpoints
func ExecuteRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ExecuteMax,
		Expiration: config.ExecuteExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" && userID != "anonymous" {
				return "exec:" + userID
			}
			return "exec-ip:" + c.IP()
		},
		LimitReached: rateLimitedResponse("Execution rate limit reached. Please wait before running more tools.", config.ExecuteExpiration),
	})
}

// ExportRateLimiter for analytics/privacy export generation
func ExportRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ExportMax,
		Expiration: config.ExportExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" && userID != "anonymous" {
				return "export:" + userID
			}
			return "export-ip:" + c.IP()
		},
		LimitReached: rateLimitedResponse("Export rate limit reached. Exports are expensive to generate; please wait.", config.ExportExpiration),
	})
}

func rateLimitedResponse(message string, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    "RATE_LIMITED",
				"message": message,
				"details": fiber.Map{"retry_after": int(window.Seconds())},
			},
		})
	}
}
