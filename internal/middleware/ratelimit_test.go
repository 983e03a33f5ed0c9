package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestLoginAttemptLimiterBlocksAfterFailures(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.LoginAttemptMax = 3
	config.LoginAttemptExpiration = time.Minute

	app := fiber.New()
	app.Post("/login", LoginAttemptRateLimiter(config, nil), func(c *fiber.Ctx) error {
		if c.Get("X-Test-Outcome") == "ok" {
			return c.SendStatus(200)
		}
		return c.SendStatus(401)
	})

	attempt := func(outcome string) int {
		req := httptest.NewRequest("POST", "/login", nil)
		req.Header.Set("X-Test-Outcome", outcome)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		return resp.StatusCode
	}

	// Successful attempts never consume budget
	for i := 0; i < 5; i++ {
		if code := attempt("ok"); code != 200 {
			t.Fatalf("successful attempt %d got %d", i, code)
		}
	}

	// Failures do
	for i := 0; i < 3; i++ {
		if code := attempt("fail"); code != 401 {
			t.Fatalf("failed attempt %d got %d, want 401", i, code)
		}
	}
	if code := attempt("fail"); code != 429 {
		t.Errorf("attempt past the budget got %d, want 429", code)
	}
	if code := attempt("ok"); code != 429 {
		t.Errorf("exhausted budget must also block good credentials, got %d", code)
	}
}
