package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"karen/internal/crypto"
	"karen/internal/database"
	"karen/internal/models"
)

func newTestProviderService(t *testing.T) (*ProviderService, *database.DB) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	cryptoService, err := crypto.NewEncryptionService(testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to create crypto service: %v", err)
	}

	return NewProviderService(db, cryptoService), db
}

func boolPtr(b bool) *bool { return &b }

func TestProviderCreateAndGet(t *testing.T) {
	svc, _ := newTestProviderService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.CreateProviderRequest{
		Name:    "ollama",
		Kind:    models.ProviderKindOllama,
		BaseURL: "http://localhost:11434/v1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == 0 {
		t.Error("expected a non-zero provider ID")
	}
	if !created.Enabled {
		t.Error("providers should default to enabled")
	}

	byID, err := svc.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if byID.Name != "ollama" || byID.Kind != models.ProviderKindOllama {
		t.Errorf("unexpected provider: %+v", byID)
	}

	byName, err := svc.GetByName(ctx, "ollama")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if byName == nil || byName.ID != created.ID {
		t.Errorf("GetByName returned %+v, want ID %d", byName, created.ID)
	}

	missing, err := svc.GetByName(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("GetByName for missing provider errored: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing provider, got %+v", missing)
	}

	if _, err := svc.GetByID(ctx, 99999); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestProviderCreateValidation(t *testing.T) {
	svc, _ := newTestProviderService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &models.CreateProviderRequest{BaseURL: "http://x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "x"}); err == nil {
		t.Error("expected error for missing base URL")
	}

	if _, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "dup", BaseURL: "http://a"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "dup", BaseURL: "http://b"}); err == nil {
		t.Error("expected error for duplicate provider name")
	}
}

func TestProviderAPIKeyEncryption(t *testing.T) {
	svc, _ := newTestProviderService(t)
	ctx := context.Background()

	const plainKey = "sk-test-1234567890abcdef"
	created, err := svc.Create(ctx, &models.CreateProviderRequest{
		Name:    "openai",
		Kind:    models.ProviderKindOpenAI,
		BaseURL: "https://api.openai.com/v1",
		APIKey:  plainKey,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.APIKey == plainKey {
		t.Error("API key should not be stored in plaintext")
	}
	if created.APIKey == "" {
		t.Error("API key should be stored")
	}

	decrypted, err := svc.DecryptedAPIKey(created)
	if err != nil {
		t.Fatalf("DecryptedAPIKey failed: %v", err)
	}
	if decrypted != plainKey {
		t.Errorf("decrypted key = %q, want %q", decrypted, plainKey)
	}

	resp := svc.MaskedResponse(created)
	if !resp.APIKeySet {
		t.Error("APIKeySet should be true")
	}
	if resp.APIKeyTail != "cdef" {
		t.Errorf("APIKeyTail = %q, want %q", resp.APIKeyTail, "cdef")
	}
}

func TestProviderUpdate(t *testing.T) {
	svc, _ := newTestProviderService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.CreateProviderRequest{
		Name:    "local",
		Kind:    models.ProviderKindLocal,
		BaseURL: "http://localhost:8080/v1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	newURL := "http://localhost:9090/v1"
	updated, err := svc.Update(ctx, created.ID, &models.UpdateProviderRequest{
		BaseURL: &newURL,
		Enabled: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.BaseURL != newURL {
		t.Errorf("BaseURL = %q, want %q", updated.BaseURL, newURL)
	}
	if updated.Enabled {
		t.Error("provider should be disabled after update")
	}
	if updated.Name != "local" {
		t.Errorf("Name changed unexpectedly to %q", updated.Name)
	}

	enabledOnly, err := svc.List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(enabledOnly) != 0 {
		t.Errorf("expected no enabled providers, got %d", len(enabledOnly))
	}
	all, err := svc.List(ctx, true)
	if err != nil {
		t.Fatalf("List(all) failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 provider total, got %d", len(all))
	}
}

func TestProviderSetDefault(t *testing.T) {
	svc, _ := newTestProviderService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "a", BaseURL: "http://a"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	second, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "b", BaseURL: "http://b"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if err := svc.SetDefault(ctx, first.ID); err != nil {
		t.Fatalf("SetDefault(first) failed: %v", err)
	}
	if err := svc.SetDefault(ctx, second.ID); err != nil {
		t.Fatalf("SetDefault(second) failed: %v", err)
	}

	a, _ := svc.GetByID(ctx, first.ID)
	b, _ := svc.GetByID(ctx, second.ID)
	if a.IsDefault {
		t.Error("first provider should no longer be default")
	}
	if !b.IsDefault {
		t.Error("second provider should be default")
	}

	if err := svc.SetDefault(ctx, 99999); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestProviderDeleteCascades(t *testing.T) {
	svc, db := newTestProviderService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "doomed", BaseURL: "http://x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO models (id, provider_id, name, context_length, supports_tools, is_visible, fetched_at)
		 VALUES (?, ?, ?, ?, ?, TRUE, ?)`,
		"doomed-model", created.ID, "doomed-model", 4096, false, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to insert model: %v", err)
	}
	if err := svc.SyncFilters(ctx, created.ID, []models.ModelFilter{{Pattern: "*", Action: "include"}}); err != nil {
		t.Fatalf("SyncFilters failed: %v", err)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := svc.GetByID(ctx, created.ID); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound after delete, got %v", err)
	}

	var modelCount int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM models WHERE provider_id = ?`, created.ID).Scan(&modelCount); err != nil {
		t.Fatalf("count models: %v", err)
	}
	if modelCount != 0 {
		t.Errorf("expected models deleted with provider, found %d", modelCount)
	}

	if err := svc.Delete(ctx, created.ID); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound on second delete, got %v", err)
	}
}

func TestProviderFilters(t *testing.T) {
	svc, db := newTestProviderService(t)
	ctx := context.Background()

	provider, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "openai", BaseURL: "http://x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	seedModels := []string{"gpt-4o", "gpt-4o-mini", "gpt-4o-preview", "whisper-1"}
	for _, name := range seedModels {
		_, err := db.Exec(ctx,
			`INSERT INTO models (id, provider_id, name, context_length, supports_tools, is_visible, fetched_at)
			 VALUES (?, ?, ?, 0, FALSE, TRUE, ?)`,
			name, provider.ID, name, time.Now().UTC())
		if err != nil {
			t.Fatalf("insert model %s: %v", name, err)
		}
	}

	filters := []models.ModelFilter{
		{Pattern: "gpt-*", Action: "include", Priority: 0},
		{Pattern: "*-preview", Action: "exclude", Priority: 10},
	}
	if err := svc.SyncFilters(ctx, provider.ID, filters); err != nil {
		t.Fatalf("SyncFilters failed: %v", err)
	}
	if err := svc.ApplyFilters(ctx, provider.ID); err != nil {
		t.Fatalf("ApplyFilters failed: %v", err)
	}

	visibility := map[string]bool{}
	rows, err := db.Query(ctx, `SELECT id, is_visible FROM models WHERE provider_id = ?`, provider.ID)
	if err != nil {
		t.Fatalf("query visibility: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var visible bool
		if err := rows.Scan(&id, &visible); err != nil {
			t.Fatalf("scan: %v", err)
		}
		visibility[id] = visible
	}

	want := map[string]bool{
		"gpt-4o":         true,
		"gpt-4o-mini":    true,
		"gpt-4o-preview": false, // exclude has higher priority, applies last
		"whisper-1":      false, // not matched by any include
	}
	for id, visible := range want {
		if visibility[id] != visible {
			t.Errorf("model %s visible = %v, want %v", id, visibility[id], visible)
		}
	}

	// Clearing all filters restores visibility
	if err := svc.SyncFilters(ctx, provider.ID, nil); err != nil {
		t.Fatalf("SyncFilters(nil) failed: %v", err)
	}
	if err := svc.ApplyFilters(ctx, provider.ID); err != nil {
		t.Fatalf("ApplyFilters after clear failed: %v", err)
	}
	var hidden int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM models WHERE provider_id = ? AND is_visible = FALSE`, provider.ID).Scan(&hidden); err != nil {
		t.Fatalf("count hidden: %v", err)
	}
	if hidden != 0 {
		t.Errorf("expected all models visible with no filters, %d hidden", hidden)
	}
}

func TestProviderFiltersRejectUnknownAction(t *testing.T) {
	svc, _ := newTestProviderService(t)
	ctx := context.Background()

	provider, err := svc.Create(ctx, &models.CreateProviderRequest{Name: "p", BaseURL: "http://x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = svc.SyncFilters(ctx, provider.ID, []models.ModelFilter{{Pattern: "*", Action: "allow"}})
	if err == nil {
		t.Error("expected error for unknown filter action")
	}
}

func TestProviderApplySeed(t *testing.T) {
	svc, db := newTestProviderService(t)
	ctx := context.Background()

	t.Setenv("KAREN_TEST_SEED_KEY", "sk-seeded-key-000111")

	seed := &models.ProviderSeedFile{
		Providers: []models.ProviderSeed{
			{
				Name:      "anthropic",
				Kind:      models.ProviderKindAnthropic,
				BaseURL:   "https://api.anthropic.com/v1",
				APIKeyEnv: "KAREN_TEST_SEED_KEY",
				Enabled:   true,
				Models: []models.ModelSeed{
					{Name: "claude-sonnet", DisplayName: "Claude Sonnet", ContextLength: 200000, SupportsTools: true},
				},
			},
		},
	}

	if err := svc.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("ApplySeed failed: %v", err)
	}

	provider, err := svc.GetByName(ctx, "anthropic")
	if err != nil || provider == nil {
		t.Fatalf("seeded provider missing: %v", err)
	}
	key, err := svc.DecryptedAPIKey(provider)
	if err != nil {
		t.Fatalf("DecryptedAPIKey failed: %v", err)
	}
	if key != "sk-seeded-key-000111" {
		t.Errorf("seeded key = %q", key)
	}

	var modelCount int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM models WHERE provider_id = ?`, provider.ID).Scan(&modelCount); err != nil {
		t.Fatalf("count models: %v", err)
	}
	if modelCount != 1 {
		t.Errorf("expected 1 seeded model, got %d", modelCount)
	}

	// Re-applying is an upsert, not a duplicate
	seed.Providers[0].BaseURL = "https://api.anthropic.com/v2"
	if err := svc.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("second ApplySeed failed: %v", err)
	}

	count, err := svc.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 provider after re-seed, got %d", count)
	}
	provider, _ = svc.GetByName(ctx, "anthropic")
	if provider.BaseURL != "https://api.anthropic.com/v2" {
		t.Errorf("BaseURL not updated on re-seed: %q", provider.BaseURL)
	}
}
