package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"karen/internal/config"
	"karen/internal/crypto"
	"karen/internal/database"
	"karen/internal/models"
	"karen/pkg/auth"
)

// User service errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserDisabled       = errors.New("account disabled")
	ErrTOTPRequired       = errors.New("totp code required")
	ErrTOTPInvalid        = errors.New("totp code invalid")
	ErrTOTPNotEnabled     = errors.New("totp not enabled")
	ErrCryptoUnavailable  = errors.New("encryption not configured")
)

// UserService handles user accounts, credentials and TOTP enrollment
type UserService struct {
	db     *database.DB
	crypto *crypto.EncryptionService // may be nil, disables TOTP enrollment
	config *config.Config
}

// NewUserService creates a new user service
func NewUserService(db *database.DB, cryptoService *crypto.EncryptionService, cfg *config.Config) *UserService {
	return &UserService{
		db:     db,
		crypto: cryptoService,
		config: cfg,
	}
}

// Register creates a new user account. The very first account becomes admin.
func (s *UserService) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email address")
	}

	if err := auth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := models.RoleUser
	count, err := s.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		role = models.RoleAdmin
		log.Printf("👑 [USER] First account %s registered as admin", email)
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, role, totp_enabled, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.Role, false, true, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Authenticate verifies email/password and, when enabled, the TOTP code.
// A missing code on a TOTP-enabled account returns ErrTOTPRequired so the
// client can prompt for the second factor.
func (s *UserService) Authenticate(ctx context.Context, email, password, totpCode string) (*models.User, error) {
	user, err := s.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrUserNotFound) {
		// Burn a hash comparison so unknown emails cost the same as bad passwords
		auth.VerifyPassword("argon2id$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := auth.VerifyPassword(user.PasswordHash, password)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	if user.TOTPEnabled {
		if totpCode == "" {
			return nil, ErrTOTPRequired
		}
		if err := s.verifySecondFactor(ctx, user, totpCode); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, now, user.ID); err != nil {
		log.Printf("⚠️ [USER] Failed to record login time for %s: %v", user.ID, err)
	}
	user.LastLoginAt = &now

	return user, nil
}

// GetByID retrieves a user by ID
func (s *UserService) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(ctx,
		`SELECT id, email, password_hash, role, totp_enabled, totp_secret, is_active, created_at, updated_at, last_login_at
		 FROM users WHERE id = ?`, userID))
}

// GetByEmail retrieves a user by email
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(ctx,
		`SELECT id, email, password_hash, role, totp_enabled, totp_secret, is_active, created_at, updated_at, last_login_at
		 FROM users WHERE email = ?`, email))
}

// UpdateCredentials changes email and/or password after verifying the
// current password
func (s *UserService) UpdateCredentials(ctx context.Context, userID string, req *models.UpdateCredentialsRequest) (*models.User, error) {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	ok, err := auth.VerifyPassword(user.PasswordHash, req.CurrentPassword)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()

	if req.NewEmail != nil {
		email := strings.ToLower(strings.TrimSpace(*req.NewEmail))
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("invalid email address")
		}
		if _, err := s.db.Exec(ctx, `UPDATE users SET email = ?, updated_at = ? WHERE id = ?`, email, now, userID); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrEmailTaken
			}
			return nil, fmt.Errorf("failed to update email: %w", err)
		}
		user.Email = email
	}

	if req.NewPassword != nil {
		if err := auth.ValidatePassword(*req.NewPassword); err != nil {
			return nil, err
		}
		hash, err := auth.HashPassword(*req.NewPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		if _, err := s.db.Exec(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, now, userID); err != nil {
			return nil, fmt.Errorf("failed to update password: %w", err)
		}
		user.PasswordHash = hash
	}

	user.UpdatedAt = now
	return user, nil
}

// BeginTOTPEnrollment generates a pending TOTP secret. The account keeps
// totp_enabled = false until ConfirmTOTP proves the authenticator works.
func (s *UserService) BeginTOTPEnrollment(ctx context.Context, userID string) (*models.TOTPSetupResponse, error) {
	if s.crypto == nil {
		return nil, ErrCryptoUnavailable
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := auth.GenerateTOTPSecret(s.config.TOTPIssuer, user.Email)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.crypto.EncryptString(userID, key.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`UPDATE users SET totp_secret = ?, totp_enabled = ?, updated_at = ? WHERE id = ?`,
		encrypted, false, time.Now().UTC(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to store TOTP secret: %w", err)
	}

	return &models.TOTPSetupResponse{
		Secret:     key.Secret,
		OTPAuthURL: key.OTPAuthURL,
	}, nil
}

// ConfirmTOTP verifies the first code and enables TOTP, returning one-time
// backup codes
func (s *UserService) ConfirmTOTP(ctx context.Context, userID, code string) ([]string, error) {
	if s.crypto == nil {
		return nil, ErrCryptoUnavailable
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TOTPSecret == "" {
		return nil, ErrTOTPNotEnabled
	}

	secret, err := s.crypto.DecryptString(userID, user.TOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt TOTP secret: %w", err)
	}

	if !auth.ValidateTOTPCode(code, secret) {
		return nil, ErrTOTPInvalid
	}

	codes, err := auth.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE users SET totp_enabled = ?, updated_at = ? WHERE id = ?`), true, now, userID); err != nil {
		return nil, fmt.Errorf("failed to enable TOTP: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM totp_backup_codes WHERE user_id = ?`), userID); err != nil {
		return nil, fmt.Errorf("failed to clear backup codes: %w", err)
	}

	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO totp_backup_codes (user_id, code_hash, created_at) VALUES (?, ?, ?)`),
			userID, auth.HashBackupCode(code), now); err != nil {
			return nil, fmt.Errorf("failed to store backup code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit TOTP enrollment: %w", err)
	}

	log.Printf("🔒 [USER] TOTP enabled for user %s", userID)
	return codes, nil
}

// DisableTOTP turns off the second factor after verifying a valid code
func (s *UserService) DisableTOTP(ctx context.Context, userID, code string) error {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotEnabled
	}

	if err := s.verifySecondFactor(ctx, user, code); err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET totp_enabled = ?, totp_secret = NULL, updated_at = ? WHERE id = ?`),
		false, now, userID); err != nil {
		return fmt.Errorf("failed to disable TOTP: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM totp_backup_codes WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit TOTP disable: %w", err)
	}

	log.Printf("🔓 [USER] TOTP disabled for user %s", userID)
	return nil
}

// verifySecondFactor accepts a live TOTP code or an unused backup code
func (s *UserService) verifySecondFactor(ctx context.Context, user *models.User, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrTOTPRequired
	}

	// 6-digit codes go to the authenticator check
	if len(code) == 6 && s.crypto != nil && user.TOTPSecret != "" {
		secret, err := s.crypto.DecryptString(user.ID, user.TOTPSecret)
		if err != nil {
			return fmt.Errorf("failed to decrypt TOTP secret: %w", err)
		}
		if auth.ValidateTOTPCode(code, secret) {
			return nil
		}
		return ErrTOTPInvalid
	}

	// Longer codes may be backup codes
	if s.consumeBackupCode(ctx, user.ID, code) {
		return nil
	}

	return ErrTOTPInvalid
}

// consumeBackupCode marks a matching unused backup code as spent
func (s *UserService) consumeBackupCode(ctx context.Context, userID, code string) bool {
	rows, err := s.db.Query(ctx,
		`SELECT id, code_hash FROM totp_backup_codes WHERE user_id = ? AND used_at IS NULL`, userID)
	if err != nil {
		log.Printf("⚠️ [USER] Backup code lookup failed for %s: %v", userID, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			continue
		}
		if auth.VerifyBackupCode(code, hash) {
			rows.Close()
			if _, err := s.db.Exec(ctx,
				`UPDATE totp_backup_codes SET used_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
				log.Printf("⚠️ [USER] Failed to mark backup code used: %v", err)
				return false
			}
			log.Printf("🔑 [USER] Backup code consumed for user %s", userID)
			return true
		}
	}

	return false
}

// EffectiveRole resolves the user's role, honoring the configured admin
// user ID overrides
func (s *UserService) EffectiveRole(user *models.User) string {
	for _, id := range s.config.AdminUserIDs {
		if id == user.ID {
			return models.RoleAdmin
		}
	}
	return user.Role
}

// SetRole changes a user's role (admin operation)
func (s *UserService) SetRole(ctx context.Context, userID, role string) error {
	if role != models.RoleAdmin && role != models.RoleUser {
		return fmt.Errorf("unknown role %q", role)
	}

	result, err := s.db.Exec(ctx,
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`, role, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers pages through all accounts (admin operation)
func (s *UserService) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, email, password_hash, role, totp_enabled, totp_secret, is_active, created_at, updated_at, last_login_at
		 FROM users ORDER BY created_at LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// CountUsers returns the total number of accounts
func (s *UserService) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Deactivate disables an account without deleting its data
func (s *UserService) Deactivate(ctx context.Context, userID string) error {
	result, err := s.db.Exec(ctx,
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`, false, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser removes the account row and its backup codes. Used by the
// privacy erasure flow after dependent data is gone.
func (s *UserService) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM totp_backup_codes WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}

	result, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM users WHERE id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}

	return tx.Commit()
}

// scanUser reads a single user row
func (s *UserService) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user       models.User
		totpSecret sql.NullString
		lastLogin  sql.NullTime
	)

	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role,
		&user.TOTPEnabled, &totpSecret, &user.IsActive,
		&user.CreatedAt, &user.UpdatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}

	user.TOTPSecret = totpSecret.String
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}

// scanUserRow reads a user from a multi-row result
func scanUserRow(rows *sql.Rows) (*models.User, error) {
	var (
		user       models.User
		totpSecret sql.NullString
		lastLogin  sql.NullTime
	)

	err := rows.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role,
		&user.TOTPEnabled, &totpSecret, &user.IsActive,
		&user.CreatedAt, &user.UpdatedAt, &lastLogin)
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}

	user.TOTPSecret = totpSecret.String
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}

// isUniqueViolation detects duplicate-key errors across both dialects
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
