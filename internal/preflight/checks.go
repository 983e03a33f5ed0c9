package preflight

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"karen/internal/config"
	"karen/internal/crypto"
	"karen/internal/database"
)

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// Checker performs pre-flight checks before server starts
type Checker struct {
	db  *database.DB
	cfg *config.Config
}

// NewChecker creates a new preflight checker
func NewChecker(db *database.DB, cfg *config.Config) *Checker {
	return &Checker{db: db, cfg: cfg}
}

// RunAll runs all preflight checks and returns results
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := []CheckResult{
		c.checkDatabaseConnection(ctx),
		c.checkDatabaseSchema(ctx),
		c.checkDataDirectory(),
		c.checkJWTSecret(),
		c.checkEncryptionKey(),
	}

	// Print summary
	passed := 0
	failed := 0
	warnings := 0

	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("\n📊 Pre-flight summary: %d passed, %d failed, %d warnings\n", passed, failed, warnings)

	return results
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}

// checkDatabaseConnection verifies database connectivity
func (c *Checker) checkDatabaseConnection(ctx context.Context) CheckResult {
	if err := c.db.Ping(ctx); err != nil {
		return CheckResult{
			Name:    "Database Connection",
			Status:  "fail",
			Message: "Cannot connect to database",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Database Connection",
		Status:  "pass",
		Message: fmt.Sprintf("Database connection successful (%s)", c.db.Dialect()),
	}
}

// checkDatabaseSchema verifies all required tables exist
func (c *Checker) checkDatabaseSchema(ctx context.Context) CheckResult {
	requiredTables := []string{
		"users",
		"totp_backup_codes",
		"providers",
		"provider_model_filters",
		"models",
		"plugin_states",
		"datasets",
		"training_jobs",
		"training_schedules",
	}

	for _, table := range requiredTables {
		exists, err := c.tableExists(ctx, table)
		if err != nil || !exists {
			return CheckResult{
				Name:    "Database Schema",
				Status:  "fail",
				Message: fmt.Sprintf("Required table '%s' not found", table),
				Error:   err,
			}
		}
	}

	return CheckResult{
		Name:    "Database Schema",
		Status:  "pass",
		Message: fmt.Sprintf("All %d required tables exist", len(requiredTables)),
	}
}

func (c *Checker) tableExists(ctx context.Context, table string) (bool, error) {
	var count int
	var query string
	switch c.db.Dialect() {
	case database.DialectPostgres:
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?`
	default:
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	if err := c.db.QueryRow(ctx, query, table).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// checkDataDirectory verifies the data directory exists and is writable
func (c *Checker) checkDataDirectory() CheckResult {
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return CheckResult{
			Name:    "Data Directory",
			Status:  "fail",
			Message: fmt.Sprintf("Cannot create data directory %s", c.cfg.DataDir),
			Error:   err,
		}
	}

	probe := filepath.Join(c.cfg.DataDir, ".write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Name:    "Data Directory",
			Status:  "fail",
			Message: fmt.Sprintf("Data directory %s is not writable", c.cfg.DataDir),
			Error:   err,
		}
	}
	os.Remove(probe)

	return CheckResult{
		Name:    "Data Directory",
		Status:  "pass",
		Message: fmt.Sprintf("Data directory %s is writable", c.cfg.DataDir),
	}
}

// checkJWTSecret enforces a real signing secret outside development
func (c *Checker) checkJWTSecret() CheckResult {
	if c.cfg.JWTSecret == "" {
		if c.cfg.IsProduction() {
			return CheckResult{
				Name:    "JWT Secret",
				Status:  "fail",
				Message: "JWT_SECRET must be set in production",
			}
		}
		return CheckResult{
			Name:    "JWT Secret",
			Status:  "warning",
			Message: "JWT_SECRET not set, auth is running in development fallback mode",
		}
	}

	if len(c.cfg.JWTSecret) < 32 {
		if c.cfg.IsProduction() {
			return CheckResult{
				Name:    "JWT Secret",
				Status:  "fail",
				Message: "JWT_SECRET is too short, use at least 32 characters",
			}
		}
		return CheckResult{
			Name:    "JWT Secret",
			Status:  "warning",
			Message: "JWT_SECRET is shorter than 32 characters",
		}
	}

	return CheckResult{
		Name:    "JWT Secret",
		Status:  "pass",
		Message: "JWT secret configured",
	}
}

// checkEncryptionKey validates ENCRYPTION_MASTER_KEY when present. The key
// is optional, but a malformed one would break provider key storage and
// TOTP secrets at runtime.
func (c *Checker) checkEncryptionKey() CheckResult {
	if c.cfg.EncryptionMasterKey == "" {
		return CheckResult{
			Name:    "Encryption Key",
			Status:  "warning",
			Message: "ENCRYPTION_MASTER_KEY not set, provider API keys and TOTP are disabled",
		}
	}

	if _, err := crypto.NewEncryptionService(c.cfg.EncryptionMasterKey); err != nil {
		return CheckResult{
			Name:    "Encryption Key",
			Status:  "fail",
			Message: "ENCRYPTION_MASTER_KEY is invalid",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Encryption Key",
		Status:  "pass",
		Message: "Encryption master key configured",
	}
}
