package models

import "time"

// User represents a user account in the auth system
type User struct {
	ID           string `json:"id"`    // UUID
	Email        string `json:"email"`
	PasswordHash string `json:"-"` // Argon2id hash, never exposed in API
	Role         string `json:"role"` // "admin" or "user"

	// TOTP second factor
	TOTPEnabled bool   `json:"totp_enabled"`
	TOTPSecret  string `json:"-"` // AES-256-GCM encrypted, base64

	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Role constants
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// RegisterRequest is the request body for creating an account
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the request body for password login. TOTPCode is required
// only when the account has TOTP enabled.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// UpdateCredentialsRequest changes email and/or password. CurrentPassword is
// always required.
type UpdateCredentialsRequest struct {
	CurrentPassword string  `json:"current_password"`
	NewEmail        *string `json:"new_email,omitempty"`
	NewPassword     *string `json:"new_password,omitempty"`
}

// UserResponse is the API response for user data
type UserResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	TOTPEnabled bool       `json:"totp_enabled"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// ToResponse converts User to UserResponse
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Role:        u.Role,
		TOTPEnabled: u.TOTPEnabled,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// TOTPSetupResponse is returned when TOTP enrollment starts. The secret and
// otpauth URL are shown exactly once.
type TOTPSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

// TOTPVerifyRequest confirms TOTP enrollment or disables it
type TOTPVerifyRequest struct {
	Code string `json:"code"`
}

// TOTPEnableResponse carries the one-time backup codes issued on enrollment
type TOTPEnableResponse struct {
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backup_codes"`
}
