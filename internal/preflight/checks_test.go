package preflight

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"karen/internal/config"
	"karen/internal/database"
)

func newTestDB(t *testing.T, initialize bool) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "preflight.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if initialize {
		if err := db.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
	}
	return db
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "development",
		DataDir:     t.TempDir(),
		JWTSecret:   strings.Repeat("k", 48),
	}
}

func resultByName(results []CheckResult, name string) *CheckResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestRunAllHealthy(t *testing.T) {
	db := newTestDB(t, true)
	checker := NewChecker(db, testConfig(t))

	results := checker.RunAll(context.Background())

	if HasFailures(results) {
		for _, r := range results {
			if r.Status == "fail" {
				t.Errorf("unexpected failure: %s: %s (%v)", r.Name, r.Message, r.Error)
			}
		}
	}
}

func TestSchemaCheckFailsWithoutTables(t *testing.T) {
	db := newTestDB(t, false)
	checker := NewChecker(db, testConfig(t))

	results := checker.RunAll(context.Background())

	schema := resultByName(results, "Database Schema")
	if schema == nil {
		t.Fatal("schema check missing from results")
	}
	if schema.Status != "fail" {
		t.Errorf("expected fail on empty database, got %s", schema.Status)
	}
	if !HasFailures(results) {
		t.Error("HasFailures must report the schema failure")
	}
}

func TestJWTSecretMissingInProduction(t *testing.T) {
	db := newTestDB(t, true)
	cfg := testConfig(t)
	cfg.Environment = "production"
	cfg.JWTSecret = ""

	results := NewChecker(db, cfg).RunAll(context.Background())

	secret := resultByName(results, "JWT Secret")
	if secret == nil {
		t.Fatal("JWT secret check missing from results")
	}
	if secret.Status != "fail" {
		t.Errorf("expected fail for missing production secret, got %s", secret.Status)
	}
}

func TestJWTSecretShortIsWarningInDevelopment(t *testing.T) {
	db := newTestDB(t, true)
	cfg := testConfig(t)
	cfg.JWTSecret = "short"

	results := NewChecker(db, cfg).RunAll(context.Background())

	secret := resultByName(results, "JWT Secret")
	if secret == nil {
		t.Fatal("JWT secret check missing from results")
	}
	if secret.Status != "warning" {
		t.Errorf("expected warning for short dev secret, got %s", secret.Status)
	}
	if HasFailures(results) {
		t.Error("a warning must not count as a failure")
	}
}

func TestEncryptionKeyValidation(t *testing.T) {
	db := newTestDB(t, true)

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"unset", "", "warning"},
		{"malformed", "not-hex", "fail"},
		{"wrong length", "abcd", "fail"},
		{"valid", strings.Repeat("ab", 32), "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.EncryptionMasterKey = tt.key

			results := NewChecker(db, cfg).RunAll(context.Background())
			enc := resultByName(results, "Encryption Key")
			if enc == nil {
				t.Fatal("encryption key check missing from results")
			}
			if enc.Status != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, enc.Status, enc.Message)
			}
		})
	}
}

func TestDataDirectoryCreated(t *testing.T) {
	db := newTestDB(t, true)
	cfg := testConfig(t)
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	results := NewChecker(db, cfg).RunAll(context.Background())

	dir := resultByName(results, "Data Directory")
	if dir == nil {
		t.Fatal("data directory check missing from results")
	}
	if dir.Status != "pass" {
		t.Errorf("expected the data dir to be created, got %s: %s", dir.Status, dir.Message)
	}
}
