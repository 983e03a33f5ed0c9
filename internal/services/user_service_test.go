package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"karen/internal/config"
	"karen/internal/crypto"
	"karen/internal/database"
	"karen/internal/models"
)

const testEncryptionKey = "3f8a2b1c4d5e6f708192a3b4c5d6e7f80123456789abcdef0123456789abcdef"

func newTestUserService(t *testing.T) *UserService {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	enc, err := crypto.NewEncryptionService(testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to create encryption service: %v", err)
	}

	return NewUserService(db, enc, &config.Config{TOTPIssuer: "KarenTest"})
}

func TestRegisterFirstUserIsAdmin(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, "alice@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if first.Role != models.RoleAdmin {
		t.Errorf("first user role = %q, want %q", first.Role, models.RoleAdmin)
	}

	second, err := svc.Register(ctx, "bob@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if second.Role != models.RoleUser {
		t.Errorf("second user role = %q, want %q", second.Role, models.RoleUser)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "not-an-email", "Sup3rSecr3t!"); err == nil {
		t.Error("expected error for invalid email")
	}
	if _, err := svc.Register(ctx, "weak@example.com", "short"); err == nil {
		t.Error("expected error for weak password")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dup@example.com", "Sup3rSecr3t!"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	_, err := svc.Register(ctx, "DUP@example.com", "Sup3rSecr3t!")
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "carol@example.com", "Sup3rSecr3t!"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	user, err := svc.Authenticate(ctx, "carol@example.com", "Sup3rSecr3t!", "")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.LastLoginAt == nil {
		t.Error("expected LastLoginAt to be set after login")
	}

	if _, err := svc.Authenticate(ctx, "carol@example.com", "WrongPass1!", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@example.com", "Sup3rSecr3t!", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateDisabledAccount(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "dave@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := svc.Deactivate(ctx, user.ID); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	if _, err := svc.Authenticate(ctx, "dave@example.com", "Sup3rSecr3t!", ""); !errors.Is(err, ErrUserDisabled) {
		t.Errorf("expected ErrUserDisabled, got %v", err)
	}
}

func TestTOTPLifecycle(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "eve@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	setup, err := svc.BeginTOTPEnrollment(ctx, user.ID)
	if err != nil {
		t.Fatalf("enrollment failed: %v", err)
	}
	if setup.Secret == "" || setup.OTPAuthURL == "" {
		t.Fatal("expected secret and otpauth URL")
	}

	// Login stays single-factor until the first code is confirmed
	if _, err := svc.Authenticate(ctx, "eve@example.com", "Sup3rSecr3t!", ""); err != nil {
		t.Fatalf("pre-confirmation login failed: %v", err)
	}

	if _, err := svc.ConfirmTOTP(ctx, user.ID, "000000"); !errors.Is(err, ErrTOTPInvalid) {
		t.Errorf("expected ErrTOTPInvalid for bad confirmation code, got %v", err)
	}

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	backupCodes, err := svc.ConfirmTOTP(ctx, user.ID, code)
	if err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}
	if len(backupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(backupCodes))
	}

	// Password alone no longer suffices
	if _, err := svc.Authenticate(ctx, "eve@example.com", "Sup3rSecr3t!", ""); !errors.Is(err, ErrTOTPRequired) {
		t.Errorf("expected ErrTOTPRequired, got %v", err)
	}

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "eve@example.com", "Sup3rSecr3t!", code); err != nil {
		t.Fatalf("TOTP login failed: %v", err)
	}

	// Backup codes work exactly once
	if _, err := svc.Authenticate(ctx, "eve@example.com", "Sup3rSecr3t!", backupCodes[0]); err != nil {
		t.Fatalf("backup code login failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "eve@example.com", "Sup3rSecr3t!", backupCodes[0]); !errors.Is(err, ErrTOTPInvalid) {
		t.Errorf("reused backup code: expected ErrTOTPInvalid, got %v", err)
	}
}

func TestDisableTOTP(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "frank@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := svc.DisableTOTP(ctx, user.ID, "123456"); !errors.Is(err, ErrTOTPNotEnabled) {
		t.Errorf("expected ErrTOTPNotEnabled, got %v", err)
	}

	setup, err := svc.BeginTOTPEnrollment(ctx, user.ID)
	if err != nil {
		t.Fatalf("enrollment failed: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	if _, err := svc.ConfirmTOTP(ctx, user.ID, code); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}
	if err := svc.DisableTOTP(ctx, user.ID, code); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	// Back to single factor
	if _, err := svc.Authenticate(ctx, "frank@example.com", "Sup3rSecr3t!", ""); err != nil {
		t.Fatalf("post-disable login failed: %v", err)
	}
}

func TestUpdateCredentials(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "grace@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	newEmail := "grace2@example.com"
	newPassword := "An0therSecr3t!"

	if _, err := svc.UpdateCredentials(ctx, user.ID, &models.UpdateCredentialsRequest{
		CurrentPassword: "WrongPass1!",
		NewEmail:        &newEmail,
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong current password: expected ErrInvalidCredentials, got %v", err)
	}

	updated, err := svc.UpdateCredentials(ctx, user.ID, &models.UpdateCredentialsRequest{
		CurrentPassword: "Sup3rSecr3t!",
		NewEmail:        &newEmail,
		NewPassword:     &newPassword,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Email != newEmail {
		t.Errorf("email = %q, want %q", updated.Email, newEmail)
	}

	if _, err := svc.Authenticate(ctx, newEmail, newPassword, ""); err != nil {
		t.Fatalf("login with new credentials failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx, newEmail, "Sup3rSecr3t!", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old password should be rejected, got %v", err)
	}
}

func TestSetRoleAndList(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "henry@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := svc.SetRole(ctx, user.ID, "superuser"); err == nil {
		t.Error("expected error for unknown role")
	}
	if err := svc.SetRole(ctx, "missing", models.RoleAdmin); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if err := svc.SetRole(ctx, user.ID, models.RoleUser); err != nil {
		t.Fatalf("set role failed: %v", err)
	}

	users, err := svc.ListUsers(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Role != models.RoleUser {
		t.Errorf("role = %q, want %q", users[0].Role, models.RoleUser)
	}
}

func TestEffectiveRoleOverride(t *testing.T) {
	svc := newTestUserService(t)
	svc.config.AdminUserIDs = []string{"override-id"}

	regular := &models.User{ID: "someone", Role: models.RoleUser}
	if got := svc.EffectiveRole(regular); got != models.RoleUser {
		t.Errorf("role = %q, want %q", got, models.RoleUser)
	}

	promoted := &models.User{ID: "override-id", Role: models.RoleUser}
	if got := svc.EffectiveRole(promoted); got != models.RoleAdmin {
		t.Errorf("role = %q, want %q", got, models.RoleAdmin)
	}
}

func TestDeleteUser(t *testing.T) {
	svc := newTestUserService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "iris@example.com", "Sup3rSecr3t!")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.GetByID(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound after delete, got %v", err)
	}
	if err := svc.DeleteUser(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("second delete: expected ErrUserNotFound, got %v", err)
	}
}
