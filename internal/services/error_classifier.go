package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"karen/internal/apierrors"
	"karen/internal/tools"
	"karen/pkg/auth"
)

// ProviderHTTPError reports a failed upstream call to an AI provider
type ProviderHTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("provider %s returned %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 200))
}

// ErrorClassifier converts arbitrary errors into structured API errors with
// remediation hints. It is wired into the fiber ErrorHandler so handlers can
// simply return errors.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify maps err to a structured API error. It never returns nil for a
// non-nil input.
func (ec *ErrorClassifier) Classify(err error) *apierrors.E {
	if err == nil {
		return nil
	}

	// Errors that already carry a code pass through untouched
	if apiErr := apierrors.From(err); apiErr != nil {
		return apiErr
	}

	if apiErr := classifySentinel(err); apiErr != nil {
		return apiErr
	}

	var providerErr *ProviderHTTPError
	if errors.As(err, &providerErr) {
		return classifyProvider(providerErr)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return classifyFiber(fiberErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.Wrap(apierrors.CodeTimeout, "The operation timed out", err).
			WithRemediation("Retry the request. Long-running operations may need a smaller input.")
	}
	if errors.Is(err, context.Canceled) {
		return apierrors.Wrap(apierrors.CodeInternal, "Request canceled", err)
	}

	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, redis.Nil) || errors.Is(err, mongo.ErrNoDocuments) {
		return apierrors.Wrap(apierrors.CodeNotFound, "Requested resource not found", err)
	}

	if apiErr := classifyByMessage(err); apiErr != nil {
		return apiErr
	}

	return apierrors.Internal(err)
}

// Handler returns the fiber ErrorHandler for the app. 5xx causes are logged
// server-side; clients only ever see the structured envelope.
func (ec *ErrorClassifier) Handler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		apiErr := ec.Classify(err)
		if apiErr.Status() >= 500 {
			log.Printf("❌ [ERROR] %s %s → %s: %v", c.Method(), c.Path(), apiErr.Code, err)
		}
		return apierrors.JSON(c, apiErr)
	}
}

// classifySentinel maps service and auth sentinel errors
func classifySentinel(err error) *apierrors.E {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return apierrors.NotFound("user")
	case errors.Is(err, ErrEmailTaken):
		return apierrors.New(apierrors.CodeConflict, "Email already registered").
			WithRemediation("Use a different email address or sign in to the existing account.")
	case errors.Is(err, ErrInvalidCredentials):
		return apierrors.New(apierrors.CodeAuthFailed, "Invalid email or password").
			WithRemediation("Check the email and password and try again.")
	case errors.Is(err, ErrUserDisabled):
		return apierrors.New(apierrors.CodeForbidden, "Account is disabled").
			WithRemediation("Contact an administrator to reactivate the account.")
	case errors.Is(err, ErrTOTPRequired):
		return apierrors.New(apierrors.CodeTOTPRequired, "Two-factor code required").
			WithDetail("totp_required", true).
			WithRemediation("Submit the 6-digit code from your authenticator app, or a backup code.")
	case errors.Is(err, ErrTOTPInvalid):
		return apierrors.New(apierrors.CodeTOTPInvalid, "Two-factor code is invalid").
			WithRemediation("Check the code in your authenticator app. Codes rotate every 30 seconds.")
	case errors.Is(err, ErrTOTPNotEnabled):
		return apierrors.New(apierrors.CodeConflict, "Two-factor authentication is not enabled")
	case errors.Is(err, ErrCryptoUnavailable):
		return apierrors.New(apierrors.CodeServiceUnavailable, "Secret encryption is not configured").
			WithRemediation("Set ENCRYPTION_MASTER_KEY on the server to enable this feature.")
	case errors.Is(err, ErrSessionNotFound):
		return apierrors.New(apierrors.CodeSessionExpired, "Session not found").
			WithRemediation("Sign in again.")
	case errors.Is(err, ErrSessionExpired):
		return apierrors.New(apierrors.CodeSessionExpired, "Session has expired").
			WithRemediation("Sign in again.")
	case errors.Is(err, ErrSessionRevoked), errors.Is(err, ErrRefreshReuse):
		return apierrors.New(apierrors.CodeSessionExpired, "Session has been revoked").
			WithRemediation("Sign in again. If you did not revoke this session, change your password.")
	case errors.Is(err, auth.ErrTokenExpired):
		return apierrors.New(apierrors.CodeSessionExpired, "Token has expired").
			WithRemediation("Refresh the session or sign in again.")
	case errors.Is(err, auth.ErrTokenMalformed), errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrWrongTokenType):
		return apierrors.New(apierrors.CodeTokenInvalid, "Token is invalid")
	case errors.Is(err, ErrConversationNotFound):
		return apierrors.NotFound("conversation")
	case errors.Is(err, ErrStoreUnavailable):
		return apierrors.New(apierrors.CodeServiceUnavailable, "Conversation storage is offline").
			WithRemediation("Configure MONGODB_URI and restart the server.")
	case errors.Is(err, ErrPDFDisabled):
		return apierrors.New(apierrors.CodeValidation, "PDF export is disabled on this server").
			WithRemediation("Request another format, or set PDF_EXPORT_ENABLED=true with chromium installed.")
	case errors.Is(err, ErrModelNotFound):
		return apierrors.New(apierrors.CodeModelUnavailable, "Model not found or not available").
			WithRemediation("List /api/models for the currently available model IDs.")
	case errors.Is(err, ErrNoModelsAvailable):
		return apierrors.New(apierrors.CodeModelUnavailable, "No models are available").
			WithRemediation("Register a provider and refresh its models, then retry.")
	case errors.Is(err, ErrProviderNotFound):
		return apierrors.NotFound("provider")
	case errors.Is(err, ErrMemoryNotFound):
		return apierrors.NotFound("memory")
	case errors.Is(err, ErrPluginNotFound):
		return apierrors.New(apierrors.CodePluginNotFound, "Plugin not found").
			WithRemediation("List /api/plugins for the installed plugins.")
	case errors.Is(err, ErrPluginDisabled):
		return apierrors.New(apierrors.CodePluginDisabled, "Plugin is disabled").
			WithRemediation("An administrator can enable the plugin via POST /api/plugins/:name/enable.")
	case errors.Is(err, ErrPluginRuntimeOff):
		return apierrors.New(apierrors.CodeServiceUnavailable, "The plugin sandbox runtime is not configured").
			WithRemediation("Set PLUGIN_RUNTIME_URL on the server to run sandboxed plugins.")
	case errors.Is(err, tools.ErrToolNotFound):
		return apierrors.New(apierrors.CodeNotFound, "Tool not found").
			WithRemediation("List /api/tools for the available tool names.")
	case errors.Is(err, ErrDatasetNotFound):
		return apierrors.NotFound("dataset")
	case errors.Is(err, ErrDatasetInUse):
		return apierrors.New(apierrors.CodeConflict, "Dataset is referenced by an active training job").
			WithRemediation("Cancel or wait for the running job before deleting the dataset.")
	case errors.Is(err, ErrTrainingJobNotFound):
		return apierrors.NotFound("training job")
	case errors.Is(err, ErrJobNotCancellable):
		return apierrors.New(apierrors.CodeConflict, "Training job has already finished")
	case errors.Is(err, ErrScheduleNotFound):
		return apierrors.NotFound("training schedule")
	}

	var argsErr *PluginArgsError
	if errors.As(err, &argsErr) {
		e := apierrors.New(apierrors.CodeValidation, "Plugin arguments failed validation").
			WithRemediation("Fix the listed arguments and retry. GET the plugin for its parameter schema.")
		for k, v := range argsErr.Problems {
			e = e.WithDetail(k, v)
		}
		return e
	}
	return nil
}

// classifyProvider turns upstream provider failures into actionable errors
func classifyProvider(perr *ProviderHTTPError) *apierrors.E {
	base := apierrors.Wrap(apierrors.CodeExecutionFailed, "", perr).
		WithDetail("provider", perr.Provider).
		WithDetail("provider_status", perr.StatusCode)

	switch {
	case perr.StatusCode == 401 || perr.StatusCode == 403:
		base.Message = "The provider rejected the configured API key"
		return base.WithRemediation("Update the API key for this provider in the provider settings.")
	case perr.StatusCode == 404:
		base.Code = apierrors.CodeModelUnavailable
		base.Message = "The requested model was not found at the provider"
		return base.WithRemediation("Refresh the model list or pick a different model.")
	case perr.StatusCode == 429:
		base.Code = apierrors.CodeRateLimited
		base.Message = "The provider is rate-limiting requests"
		return base.WithRemediation("Wait a moment and retry. Persistent limits may require a plan upgrade at the provider.")
	case perr.StatusCode == 402 || containsAnyFold(perr.Body, "quota", "billing", "insufficient_quota", "payment"):
		base.Message = "The provider account has reached its spending limit"
		return base.WithRemediation("Add credits or upgrade the plan at the provider's dashboard.")
	case perr.StatusCode >= 500:
		base.Message = "The provider is temporarily unavailable"
		return base.WithRemediation("Retry shortly. Check the provider's status page if the problem persists.")
	case perr.StatusCode == 400:
		base.Message = "The provider rejected the request"
		return base.WithRemediation("The prompt may be too long or contain unsupported content. Try a shorter prompt.")
	default:
		base.Message = fmt.Sprintf("The provider returned an unexpected status %d", perr.StatusCode)
		return base
	}
}

// classifyFiber maps framework errors (route not found, body limits) onto
// the taxonomy
func classifyFiber(ferr *fiber.Error) *apierrors.E {
	switch ferr.Code {
	case fiber.StatusNotFound:
		return apierrors.New(apierrors.CodeNotFound, "Route not found")
	case fiber.StatusMethodNotAllowed:
		return apierrors.New(apierrors.CodeValidation, "Method not allowed")
	case fiber.StatusRequestEntityTooLarge:
		return apierrors.New(apierrors.CodePayloadTooLarge, "Request body too large").
			WithRemediation("Reduce the upload size or split it into smaller parts.")
	case fiber.StatusBadRequest:
		return apierrors.New(apierrors.CodeValidation, ferr.Message)
	case fiber.StatusTooManyRequests:
		return apierrors.New(apierrors.CodeRateLimited, "Too many requests")
	default:
		if ferr.Code >= 400 && ferr.Code < 500 {
			return apierrors.New(apierrors.CodeValidation, ferr.Message)
		}
		return apierrors.Internal(ferr)
	}
}

// classifyByMessage applies string heuristics for driver errors that carry
// no typed sentinel
func classifyByMessage(err error) *apierrors.E {
	msg := err.Error()

	switch {
	case containsAnyFold(msg, "connection refused", "no such host", "connection reset", "broken pipe", "network is unreachable"):
		return apierrors.Wrap(apierrors.CodeServiceUnavailable, "A backing service is unreachable", err).
			WithRemediation("Check that the database, Redis and provider endpoints are running and reachable.")
	case containsAnyFold(msg, "database is locked", "too many connections", "connection pool"):
		return apierrors.Wrap(apierrors.CodeServiceUnavailable, "The database is busy", err).
			WithRemediation("Retry the request in a few seconds.")
	case containsAnyFold(msg, "unique constraint", "duplicate key"):
		return apierrors.Wrap(apierrors.CodeConflict, "A record with these values already exists", err)
	case containsAnyFold(msg, "unexpected end of json", "invalid character", "cannot unmarshal", "unmarshal"):
		return apierrors.Wrap(apierrors.CodeValidation, "Request body is not valid JSON", err).
			WithRemediation("Check the request body syntax and field types.")
	case containsAnyFold(msg, "timeout", "timed out", "deadline exceeded"):
		return apierrors.Wrap(apierrors.CodeTimeout, "The operation timed out", err).
			WithRemediation("Retry the request.")
	case containsAnyFold(msg, "certificate", "tls:", "x509:"):
		return apierrors.Wrap(apierrors.CodeServiceUnavailable, "TLS error reaching a backing service", err).
			WithRemediation("Check certificates and proxy configuration on the server.")
	}
	return nil
}

// containsAnyFold reports whether s contains any substring, case-insensitive
func containsAnyFold(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
