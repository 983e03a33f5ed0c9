package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithRequest returns a logger with request context fields attached.
func WithRequest(requestID, method, path, userID string) *slog.Logger {
	return slog.With(
		"request_id", requestID,
		"method", method,
		"path", path,
		"user_id", userID,
	)
}

// WithJob returns a logger scoped to a background or training job.
func WithJob(logger *slog.Logger, jobID, jobKind string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		"job_id", jobID,
		"job_kind", jobKind,
	)
}
