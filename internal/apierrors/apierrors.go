package apierrors

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Code identifies an API error class. Every code maps to exactly one HTTP
// status via StatusFor; handlers and middleware never hand-pick statuses.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeTokenMissing       Code = "TOKEN_MISSING"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeSessionExpired     Code = "SESSION_EXPIRED"
	CodeAuthFailed         Code = "AUTHENTICATION_FAILED"
	CodeTOTPRequired       Code = "TOTP_REQUIRED"
	CodeTOTPInvalid        Code = "TOTP_INVALID"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodePluginNotFound     Code = "PLUGIN_NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePluginDisabled     Code = "PLUGIN_DISABLED"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTimeout            Code = "TIMEOUT"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeModelUnavailable   Code = "MODEL_UNAVAILABLE"
	CodeExecutionFailed    Code = "EXECUTION_FAILED"
)

// statusTable is the single source of truth for code → HTTP status.
var statusTable = map[Code]int{
	CodeValidation:         fiber.StatusBadRequest,
	CodeTokenMissing:       fiber.StatusUnauthorized,
	CodeTokenInvalid:       fiber.StatusUnauthorized,
	CodeSessionExpired:     fiber.StatusUnauthorized,
	CodeAuthFailed:         fiber.StatusUnauthorized,
	CodeTOTPRequired:       fiber.StatusUnauthorized,
	CodeTOTPInvalid:        fiber.StatusUnauthorized,
	CodeForbidden:          fiber.StatusForbidden,
	CodeNotFound:           fiber.StatusNotFound,
	CodePluginNotFound:     fiber.StatusNotFound,
	CodeConflict:           fiber.StatusConflict,
	CodePluginDisabled:     fiber.StatusConflict,
	CodePayloadTooLarge:    fiber.StatusRequestEntityTooLarge,
	CodeRateLimited:        fiber.StatusTooManyRequests,
	CodeTimeout:            fiber.StatusGatewayTimeout,
	CodeInternal:           fiber.StatusInternalServerError,
	CodeServiceUnavailable: fiber.StatusServiceUnavailable,
	CodeModelUnavailable:   fiber.StatusServiceUnavailable,
	CodeExecutionFailed:    fiber.StatusBadGateway,
}

// StatusFor returns the HTTP status for a code. Unknown codes are treated
// as internal errors rather than leaking a zero status.
func StatusFor(code Code) int {
	if status, ok := statusTable[code]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// E is a structured API error: a stable machine code, a human message,
// optional per-field details and remediation hints for the client.
type E struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Remediation []string       `json:"remediation,omitempty"`
	cause       error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *E) Unwrap() error { return e.cause }

// Status returns the HTTP status this error maps to.
func (e *E) Status() int { return StatusFor(e.Code) }

// WithDetail attaches a named detail value and returns the error for chaining.
func (e *E) WithDetail(key string, value any) *E {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRemediation appends remediation hints shown to API consumers.
func (e *E) WithRemediation(hints ...string) *E {
	e.Remediation = append(e.Remediation, hints...)
	return e
}

// New builds an error with the given code and message.
func New(code Code, message string) *E {
	return &E{Code: code, Message: message}
}

// Newf builds an error with a formatted message.
func Newf(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error that keeps cause available for errors.Is/As while
// presenting only code+message on the wire.
func Wrap(code Code, message string, cause error) *E {
	return &E{Code: code, Message: message, cause: cause}
}

// Validation builds a 400 error carrying per-field problems.
func Validation(message string, fields map[string]any) *E {
	return &E{Code: CodeValidation, Message: message, Details: fields}
}

// NotFound builds a 404 error naming the missing resource.
func NotFound(resource string) *E {
	return &E{
		Code:    CodeNotFound,
		Message: resource + " not found",
		Details: map[string]any{"resource": resource},
	}
}

// Internal wraps an unexpected failure without exposing its text on the wire.
func Internal(cause error) *E {
	return &E{Code: CodeInternal, Message: "internal server error", cause: cause}
}

// From extracts an *E from err, or nil when err carries no API error.
func From(err error) *E {
	var apiErr *E
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// JSON writes err as the standard error envelope. Non-API errors are
// masked as INTERNAL_ERROR so driver/provider details never reach clients.
func JSON(c *fiber.Ctx, err error) error {
	apiErr := From(err)
	if apiErr == nil {
		apiErr = Internal(err)
	}
	return c.Status(apiErr.Status()).JSON(fiber.Map{"error": apiErr})
}
