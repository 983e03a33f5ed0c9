package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"karen/internal/database"
	"karen/internal/models"
)

type capturedUsage struct {
	events []*models.UsageEvent
}

func (c *capturedUsage) Record(_ context.Context, event *models.UsageEvent) {
	c.events = append(c.events, event)
}

func newTestModelService(t *testing.T) (*ModelService, *ProviderService, *database.DB) {
	t.Helper()
	providers, db := newTestProviderService(t)
	return NewModelService(db, providers, ""), providers, db
}

func seedModel(t *testing.T, db *database.DB, id string, providerID int, visible bool, contextLength int) {
	t.Helper()
	_, err := db.Exec(context.Background(),
		`INSERT INTO models (id, provider_id, name, display_name, context_length, supports_tools, is_visible, fetched_at)
		 VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`,
		id, providerID, id, id, contextLength, visible, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed model %s: %v", id, err)
	}
}

func TestModelListVisibility(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	enabled, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "up", BaseURL: "http://up"})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	disabled, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "down", BaseURL: "http://down", Enabled: boolPtr(false)})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	seedModel(t, db, "visible-model", enabled.ID, true, 8192)
	seedModel(t, db, "hidden-model", enabled.ID, false, 8192)
	seedModel(t, db, "orphaned-model", disabled.ID, true, 8192)

	list, err := svc.List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "visible-model" {
		t.Errorf("List = %+v, want only visible-model", list)
	}
	if list[0].ProviderName != "up" {
		t.Errorf("ProviderName = %q, want up", list[0].ProviderName)
	}

	all, err := svc.List(ctx, true)
	if err != nil {
		t.Fatalf("List(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) returned %d models, want 3", len(all))
	}

	if _, err := svc.GetByID(ctx, "hidden-model"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("hidden model lookup = %v, want ErrModelNotFound", err)
	}
	if _, err := svc.GetByID(ctx, "orphaned-model"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("disabled-provider model lookup = %v, want ErrModelNotFound", err)
	}
}

func TestResolveModelDefaultChain(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	cloud, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "cloud", Kind: models.ProviderKindOpenAI, BaseURL: "http://cloud"})
	if err != nil {
		t.Fatalf("create cloud: %v", err)
	}
	local, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "ollama", Kind: models.ProviderKindOllama, BaseURL: "http://local"})
	if err != nil {
		t.Fatalf("create local: %v", err)
	}

	seedModel(t, db, "cloud-big", cloud.ID, true, 128000)
	seedModel(t, db, "local-small", local.ID, true, 8192)

	// No default set: local kind wins over cloud
	picked, err := svc.resolveModel(ctx, "")
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if picked.ID != "local-small" {
		t.Errorf("picked %s, want local-small", picked.ID)
	}

	// Default provider outranks the local preference
	if err := providers.SetDefault(ctx, cloud.ID); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	picked, err = svc.resolveModel(ctx, "")
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if picked.ID != "cloud-big" {
		t.Errorf("picked %s, want cloud-big", picked.ID)
	}

	// Explicit IDs bypass the chain
	picked, err = svc.resolveModel(ctx, "local-small")
	if err != nil {
		t.Fatalf("resolveModel(explicit) failed: %v", err)
	}
	if picked.ID != "local-small" {
		t.Errorf("picked %s, want local-small", picked.ID)
	}
}

func TestResolveModelEmptyCatalog(t *testing.T) {
	svc, _, _ := newTestModelService(t)

	_, err := svc.resolveModel(context.Background(), "")
	if !errors.Is(err, ErrNoModelsAvailable) {
		t.Errorf("expected ErrNoModelsAvailable, got %v", err)
	}
}

func TestChatCompletion(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	var gotAuth string
	var gotPayload openAIChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-123",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	}))
	defer server.Close()

	provider, err := providers.Create(ctx, &models.CreateProviderRequest{
		Name: "fake", BaseURL: server.URL, APIKey: "sk-fake-key",
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	seedModel(t, db, "fake-model", provider.ID, true, 8192)

	usage := &capturedUsage{}
	svc.SetUsageRecorder(usage)

	resp, err := svc.Chat(ctx, "user-1", &models.ChatRequest{
		ModelID:  "fake-model",
		Messages: []models.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content != "Hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 16 {
		t.Errorf("Usage = %+v, want 16 total tokens", resp.Usage)
	}
	if resp.ModelID != "fake-model" {
		t.Errorf("ModelID = %q", resp.ModelID)
	}

	if gotAuth != "Bearer sk-fake-key" {
		t.Errorf("Authorization = %q, key not decrypted for the wire", gotAuth)
	}
	if gotPayload.Model != "fake-model" || gotPayload.Stream {
		t.Errorf("payload = %+v", gotPayload)
	}

	if len(usage.events) != 1 {
		t.Fatalf("recorded %d usage events, want 1", len(usage.events))
	}
	event := usage.events[0]
	if event.Kind != models.UsageKindChat || !event.Success || event.PromptTokens != 12 {
		t.Errorf("usage event = %+v", event)
	}
}

func TestChatProviderFailure(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "flaky", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	seedModel(t, db, "flaky-model", provider.ID, true, 8192)

	usage := &capturedUsage{}
	svc.SetUsageRecorder(usage)

	_, err = svc.Chat(ctx, "user-1", &models.ChatRequest{
		ModelID:  "flaky-model",
		Messages: []models.ChatMessage{{Role: "user", Content: "Hi"}},
	})

	var provErr *ProviderHTTPError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderHTTPError, got %v", err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", provErr.StatusCode)
	}
	if provErr.Provider != "flaky" {
		t.Errorf("Provider = %q", provErr.Provider)
	}

	if len(usage.events) != 1 || usage.events[0].Success {
		t.Errorf("failure should record an unsuccessful usage event, got %+v", usage.events)
	}
	if providers.IsHealthy(provider.ID) {
		t.Error("failed completion should mark the provider unhealthy")
	}
}

func TestResolveModelSkipsUnhealthyProvider(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	primary, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "primary", Kind: models.ProviderKindOllama, BaseURL: "http://primary"})
	if err != nil {
		t.Fatalf("create primary: %v", err)
	}
	backup, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "backup", Kind: models.ProviderKindOpenAI, BaseURL: "http://backup"})
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	seedModel(t, db, "primary-model", primary.ID, true, 32000)
	seedModel(t, db, "backup-model", backup.ID, true, 8192)

	// Local kind ranks first while both providers are healthy
	picked, err := svc.resolveModel(ctx, "")
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if picked.ID != "primary-model" {
		t.Fatalf("picked %s, want primary-model", picked.ID)
	}

	// A failing provider drops out of the chain
	providers.MarkHealth(primary.ID, errors.New("connection refused"))
	picked, err = svc.resolveModel(ctx, "")
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if picked.ID != "backup-model" {
		t.Errorf("picked %s, want backup-model while primary is down", picked.ID)
	}
	if !picked.Healthy {
		t.Error("picked model should carry its provider's health")
	}

	// With every provider down the top candidate is retried anyway
	providers.MarkHealth(backup.ID, errors.New("connection refused"))
	picked, err = svc.resolveModel(ctx, "")
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if picked.ID != "primary-model" {
		t.Errorf("picked %s, want primary-model as last resort", picked.ID)
	}

	// Recovery puts the provider back in rotation
	providers.MarkHealth(primary.ID, nil)
	picked, err = svc.resolveModel(ctx, "")
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if picked.ID != "primary-model" || !picked.Healthy {
		t.Errorf("picked %s (healthy=%v), want healthy primary-model after recovery", picked.ID, picked.Healthy)
	}
}

func TestModelListCarriesProviderHealth(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	provider, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "watched", BaseURL: "http://watched"})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	seedModel(t, db, "watched-model", provider.ID, true, 8192)

	list, err := svc.List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || !list[0].Healthy {
		t.Errorf("never-contacted provider should report healthy, got %+v", list)
	}

	providers.MarkHealth(provider.ID, errors.New("boom"))
	list, err = svc.List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].Healthy {
		t.Error("model should report unhealthy after a provider failure")
	}

	health := providers.Health(provider.ID)
	if health.Healthy || health.LastError != "boom" || health.CheckedAt.IsZero() {
		t.Errorf("Health = %+v", health)
	}
}

func TestChatRequiresMessages(t *testing.T) {
	svc, _, _ := newTestModelService(t)

	_, err := svc.Chat(context.Background(), "user-1", &models.ChatRequest{ModelID: "x"})
	if err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestRefreshProvider(t *testing.T) {
	svc, providers, db := newTestModelService(t)
	ctx := context.Background()

	advertised := []string{"alpha", "beta"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		data := make([]map[string]any, 0, len(advertised))
		for _, id := range advertised {
			data = append(data, map[string]any{"id": id, "object": "model"})
		}
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	}))
	defer server.Close()

	provider, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "disco", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	count, err := svc.RefreshProvider(ctx, provider)
	if err != nil {
		t.Fatalf("RefreshProvider failed: %v", err)
	}
	if count != 2 {
		t.Errorf("discovered %d models, want 2", count)
	}

	// A second refresh with fewer advertised models prunes the stale one
	advertised = []string{"alpha"}
	if _, err := svc.RefreshProvider(ctx, provider); err != nil {
		t.Fatalf("second RefreshProvider failed: %v", err)
	}

	var remaining int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM models WHERE provider_id = ?`, provider.ID).Scan(&remaining); err != nil {
		t.Fatalf("count models: %v", err)
	}
	if remaining != 1 {
		t.Errorf("%d models after prune, want 1", remaining)
	}
	if _, err := svc.GetByID(ctx, "alpha"); err != nil {
		t.Errorf("alpha should survive the prune: %v", err)
	}
}

func TestRefreshProviderHTTPError(t *testing.T) {
	svc, providers, _ := newTestModelService(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	provider, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "locked", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	_, err = svc.RefreshProvider(ctx, provider)
	var provErr *ProviderHTTPError
	if !errors.As(err, &provErr) || provErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 ProviderHTTPError, got %v", err)
	}
}

func TestEmbed(t *testing.T) {
	_, providers, db := newTestModelService(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "test-embed" {
			t.Errorf("embedding model = %v", req["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer server.Close()

	if _, err := providers.Create(ctx, &models.CreateProviderRequest{Name: "embedder", BaseURL: server.URL}); err != nil {
		t.Fatalf("create provider: %v", err)
	}

	svc := NewModelService(db, providers, "test-embed")
	vec, err := svc.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("vector = %v", vec)
	}
}

func TestEmbedDisabledWithoutModel(t *testing.T) {
	svc, _, _ := newTestModelService(t)

	if _, err := svc.Embed(context.Background(), "text"); err == nil {
		t.Error("expected error when embedding model is not configured")
	}
}
