package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/pquerna/otp/totp"
)

// Number of backup codes issued when TOTP is enabled
const backupCodeCount = 10

// TOTPKey holds a freshly generated TOTP enrollment
type TOTPKey struct {
	Secret     string
	OTPAuthURL string
}

// GenerateTOTPSecret generates a new TOTP secret for a user
func GenerateTOTPSecret(issuer, accountName string) (*TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		SecretSize:  32,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	return &TOTPKey{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
	}, nil
}

// ValidateTOTPCode checks a 6-digit code against the secret
func ValidateTOTPCode(code, secret string) bool {
	return totp.Validate(code, secret)
}

// GenerateBackupCodes generates one-time recovery codes
func GenerateBackupCodes() ([]string, error) {
	codes := make([]string, backupCodeCount)

	for i := 0; i < backupCodeCount; i++ {
		bytes := make([]byte, 6)
		if _, err := rand.Read(bytes); err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}

		codes[i] = base64.URLEncoding.EncodeToString(bytes)[:8]
	}

	return codes, nil
}

// HashBackupCode hashes a backup code for storage. Codes are high-entropy
// random strings, so a plain SHA-256 digest is sufficient.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// VerifyBackupCode compares a candidate code against a stored hash
func VerifyBackupCode(code, storedHash string) bool {
	sum := sha256.Sum256([]byte(code))
	candidate := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}
