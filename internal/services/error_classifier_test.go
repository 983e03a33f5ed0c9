package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/pkg/auth"
)

func TestClassifySentinels(t *testing.T) {
	ec := NewErrorClassifier()

	tests := []struct {
		name       string
		err        error
		wantCode   apierrors.Code
		wantStatus int
	}{
		{"user not found", ErrUserNotFound, apierrors.CodeNotFound, fiber.StatusNotFound},
		{"email taken", ErrEmailTaken, apierrors.CodeConflict, fiber.StatusConflict},
		{"bad credentials", ErrInvalidCredentials, apierrors.CodeAuthFailed, fiber.StatusUnauthorized},
		{"disabled account", ErrUserDisabled, apierrors.CodeForbidden, fiber.StatusForbidden},
		{"totp required", ErrTOTPRequired, apierrors.CodeTOTPRequired, fiber.StatusUnauthorized},
		{"totp invalid", ErrTOTPInvalid, apierrors.CodeTOTPInvalid, fiber.StatusUnauthorized},
		{"session revoked", ErrSessionRevoked, apierrors.CodeSessionExpired, fiber.StatusUnauthorized},
		{"refresh reuse", ErrRefreshReuse, apierrors.CodeSessionExpired, fiber.StatusUnauthorized},
		{"expired token", auth.ErrTokenExpired, apierrors.CodeSessionExpired, fiber.StatusUnauthorized},
		{"malformed token", auth.ErrTokenMalformed, apierrors.CodeTokenInvalid, fiber.StatusUnauthorized},
		{"wrapped sentinel", fmt.Errorf("login: %w", ErrInvalidCredentials), apierrors.CodeAuthFailed, fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ec.Classify(tt.err)
			if got == nil {
				t.Fatal("expected a classified error")
			}
			if got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Status() != tt.wantStatus {
				t.Errorf("status = %d, want %d", got.Status(), tt.wantStatus)
			}
		})
	}
}

func TestClassifyTOTPRequiredCarriesDetail(t *testing.T) {
	ec := NewErrorClassifier()

	got := ec.Classify(ErrTOTPRequired)
	if got.Details["totp_required"] != true {
		t.Errorf("expected totp_required detail, got %v", got.Details)
	}
	if len(got.Remediation) == 0 {
		t.Error("expected remediation hints")
	}
}

func TestClassifyProviderErrors(t *testing.T) {
	ec := NewErrorClassifier()

	tests := []struct {
		name     string
		status   int
		body     string
		wantCode apierrors.Code
	}{
		{"bad key", 401, "invalid api key", apierrors.CodeExecutionFailed},
		{"missing model", 404, "model does not exist", apierrors.CodeModelUnavailable},
		{"rate limited", 429, "slow down", apierrors.CodeRateLimited},
		{"quota", 402, "insufficient_quota", apierrors.CodeExecutionFailed},
		{"provider down", 503, "upstream overloaded", apierrors.CodeExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &ProviderHTTPError{Provider: "openai", StatusCode: tt.status, Body: tt.body}
			got := ec.Classify(err)
			if got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Details["provider"] != "openai" {
				t.Errorf("expected provider detail, got %v", got.Details)
			}
		})
	}
}

func TestClassifyContextAndDriverErrors(t *testing.T) {
	ec := NewErrorClassifier()

	tests := []struct {
		name     string
		err      error
		wantCode apierrors.Code
	}{
		{"deadline", context.DeadlineExceeded, apierrors.CodeTimeout},
		{"no rows", sql.ErrNoRows, apierrors.CodeNotFound},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), apierrors.CodeServiceUnavailable},
		{"locked", errors.New("database is locked"), apierrors.CodeServiceUnavailable},
		{"duplicate", errors.New("ERROR: duplicate key value violates unique constraint"), apierrors.CodeConflict},
		{"bad json", errors.New("invalid character 'x' looking for beginning of value"), apierrors.CodeValidation},
		{"unknown", errors.New("something odd"), apierrors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ec.Classify(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
		})
	}
}

func TestClassifyPassesThroughAPIErrors(t *testing.T) {
	ec := NewErrorClassifier()

	original := apierrors.New(apierrors.CodePluginDisabled, "Plugin is disabled")
	got := ec.Classify(fmt.Errorf("enable check: %w", original))
	if got != original {
		t.Errorf("expected the original API error to pass through, got %v", got)
	}
}

func TestClassifyFiberErrors(t *testing.T) {
	ec := NewErrorClassifier()

	got := ec.Classify(fiber.ErrNotFound)
	if got.Code != apierrors.CodeNotFound {
		t.Errorf("code = %s, want %s", got.Code, apierrors.CodeNotFound)
	}

	got = ec.Classify(fiber.ErrRequestEntityTooLarge)
	if got.Code != apierrors.CodePayloadTooLarge {
		t.Errorf("code = %s, want %s", got.Code, apierrors.CodePayloadTooLarge)
	}
}

func TestClassifyNil(t *testing.T) {
	ec := NewErrorClassifier()
	if got := ec.Classify(nil); got != nil {
		t.Errorf("expected nil for nil input, got %v", got)
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	ec := NewErrorClassifier()

	got := ec.Classify(errors.New("pq: password authentication failed for user"))
	if got.Code != apierrors.CodeInternal {
		t.Fatalf("code = %s, want %s", got.Code, apierrors.CodeInternal)
	}
	if got.Message != "internal server error" {
		t.Errorf("message %q leaks cause text", got.Message)
	}
}
