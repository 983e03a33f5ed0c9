package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"karen/internal/database"
	"karen/internal/models"
)

// ErrModelNotFound is returned when a model ID is unknown or hidden
var ErrModelNotFound = errors.New("model not found")

// ErrNoModelsAvailable is returned when no provider has a usable model
var ErrNoModelsAvailable = errors.New("no models available")

// UsageRecorder receives usage events from the chat pipeline.
// Implemented by AnalyticsService; a nil recorder disables recording.
type UsageRecorder interface {
	Record(ctx context.Context, event *models.UsageEvent)
}

// ModelService manages the model catalog and runs chat completions
// against OpenAI-compatible provider endpoints
type ModelService struct {
	db             *database.DB
	providers      *ProviderService
	conversations  *ConversationService // may be nil, disables persistence
	memory         *MemoryService       // may be nil, disables memory injection
	usage          UsageRecorder        // may be nil
	client         *http.Client
	embeddingModel string // empty disables embeddings
}

// NewModelService creates a new model service
func NewModelService(db *database.DB, providers *ProviderService, embeddingModel string) *ModelService {
	return &ModelService{
		db:             db,
		providers:      providers,
		client:         &http.Client{Timeout: 60 * time.Second},
		embeddingModel: embeddingModel,
	}
}

// SetConversationService wires conversation persistence into the chat pipeline
func (s *ModelService) SetConversationService(conversations *ConversationService) {
	s.conversations = conversations
}

// SetMemoryService wires memory injection into the chat pipeline
func (s *ModelService) SetMemoryService(memory *MemoryService) {
	s.memory = memory
}

// SetUsageRecorder wires usage event recording into the chat pipeline
func (s *ModelService) SetUsageRecorder(usage UsageRecorder) {
	s.usage = usage
}

const modelColumns = `m.id, m.provider_id, p.name, m.name, m.display_name, m.context_length, m.supports_tools, m.is_visible, m.fetched_at`

// List returns catalog models joined with their provider.
// Hidden models and models of disabled providers are excluded unless includeHidden.
func (s *ModelService) List(ctx context.Context, includeHidden bool) ([]models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models m JOIN providers p ON m.provider_id = p.id`
	if !includeHidden {
		query += ` WHERE m.is_visible = TRUE AND p.enabled = TRUE`
	}
	query += ` ORDER BY p.name, m.name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var list []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		m.Healthy = s.providers.IsHealthy(m.ProviderID)
		list = append(list, *m)
	}
	return list, rows.Err()
}

// GetByID returns one visible model of an enabled provider
func (s *ModelService) GetByID(ctx context.Context, id string) (*models.Model, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM models m JOIN providers p ON m.provider_id = p.id
		 WHERE m.id = ? AND m.is_visible = TRUE AND p.enabled = TRUE`, id)

	var m models.Model
	var displayName sql.NullString
	err := row.Scan(&m.ID, &m.ProviderID, &m.ProviderName, &m.Name, &displayName,
		&m.ContextLength, &m.SupportsTools, &m.IsVisible, &m.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	m.DisplayName = displayName.String
	m.Healthy = s.providers.IsHealthy(m.ProviderID)
	return &m, nil
}

// Count returns the number of catalog models
func (s *ModelService) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM models`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count models: %w", err)
	}
	return count, nil
}

// RefreshProvider re-discovers a provider's models from its /models endpoint
// and re-applies the provider's visibility filters. Returns the model count.
func (s *ModelService) RefreshProvider(ctx context.Context, provider *models.Provider) (int, error) {
	log.Printf("🔄 [MODEL] Fetching models from provider: %s", provider.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.BaseURL+"/models", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	apiKey, err := s.providers.DecryptedAPIKey(provider)
	if err != nil {
		return 0, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.providers.MarkHealth(provider.ID, err)
		return 0, fmt.Errorf("failed to reach provider %s: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		httpErr := &ProviderHTTPError{Provider: provider.Name, StatusCode: resp.StatusCode, Body: string(body)}
		s.providers.MarkHealth(provider.ID, httpErr)
		return 0, httpErr
	}
	s.providers.MarkHealth(provider.ID, nil)

	var parsed models.OpenAIModelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse models response from %s: %w", provider.Name, err)
	}

	now := time.Now().UTC()
	count := 0
	for _, entry := range parsed.Data {
		if entry.ID == "" {
			continue
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO models (id, provider_id, name, display_name, context_length, supports_tools, is_visible, fetched_at)
			 VALUES (?, ?, ?, ?, 0, FALSE, TRUE, ?)
			 ON CONFLICT (id) DO UPDATE SET
				provider_id = excluded.provider_id,
				name = excluded.name,
				fetched_at = excluded.fetched_at`,
			entry.ID, provider.ID, entry.ID, entry.ID, now)
		if err != nil {
			log.Printf("⚠️ [MODEL] Failed to upsert model %s: %v", entry.ID, err)
			continue
		}
		count++
	}

	// Drop models the provider no longer advertises
	if count > 0 {
		if _, err := s.db.Exec(ctx,
			`DELETE FROM models WHERE provider_id = ? AND fetched_at < ?`, provider.ID, now); err != nil {
			log.Printf("⚠️ [MODEL] Failed to prune stale models for %s: %v", provider.Name, err)
		}
	}

	if err := s.providers.ApplyFilters(ctx, provider.ID); err != nil {
		return count, err
	}

	log.Printf("✅ [MODEL] Discovered %d models from %s", count, provider.Name)
	return count, nil
}

// RefreshAll re-discovers models from every enabled provider.
// Individual provider failures are logged, not fatal.
func (s *ModelService) RefreshAll(ctx context.Context) (int, error) {
	providers, err := s.providers.List(ctx, false)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range providers {
		n, err := s.RefreshProvider(ctx, &providers[i])
		if err != nil {
			log.Printf("⚠️ [MODEL] Refresh failed for %s: %v", providers[i].Name, err)
			continue
		}
		total += n
	}
	return total, nil
}

// openAIChatRequest is the wire format for OpenAI-compatible completions
type openAIChatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Stream      bool                 `json:"stream"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
}

// openAIChatResponse is the wire format of a completion result
type openAIChatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat runs one completion. The model is resolved from the request or
// falls back to the default chain; memory facts are injected when asked
// for; the exchange is persisted when a conversation ID is given.
func (s *ModelService) Chat(ctx context.Context, userID string, req *models.ChatRequest) (*models.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	model, err := s.resolveModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}

	provider, err := s.providers.GetByID(ctx, model.ProviderID)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled {
		return nil, ErrModelNotFound
	}

	messages := req.Messages
	if req.IncludeMemory && s.memory != nil {
		messages = s.injectMemory(ctx, userID, messages)
	}

	started := time.Now()
	result, err := s.complete(ctx, provider, model.Name, messages, req.Temperature, req.MaxTokens)
	latency := time.Since(started).Milliseconds()
	s.providers.MarkHealth(provider.ID, err)

	s.recordChatUsage(ctx, userID, req, model.ID, result, latency, err == nil)
	if err != nil {
		return nil, err
	}

	response := &models.ChatResponse{
		ID:             result.ID,
		ModelID:        model.ID,
		ConversationID: req.ConversationID,
		Content:        result.Choices[0].Message.Content,
		FinishReason:   result.Choices[0].FinishReason,
		LatencyMS:      latency,
	}
	if result.Usage != nil {
		response.Usage = &models.TokenUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	if response.ID == "" {
		response.ID = uuid.New().String()
	}

	if req.ConversationID != "" && s.conversations != nil {
		s.persistExchange(ctx, userID, req, model.ID, response)
	}

	return response, nil
}

// complete POSTs to the provider's /chat/completions endpoint
func (s *ModelService) complete(ctx context.Context, provider *models.Provider, modelName string, messages []models.ChatMessage, temperature *float64, maxTokens *int) (*openAIChatResponse, error) {
	payload := openAIChatRequest{
		Model:       modelName,
		Messages:    messages,
		Stream:      false,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	apiKey, err := s.providers.DecryptedAPIKey(provider)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderHTTPError{Provider: provider.Name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse completion from %s: %w", provider.Name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices from %s", provider.Name)
	}

	return &parsed, nil
}

// resolveModel returns the requested model or walks the default chain:
// the default provider's models first, then local providers, then anything
// visible. Models of providers whose last request failed are skipped; when
// every candidate is unhealthy the first one is tried anyway so a stale
// health mark cannot brick chat.
func (s *ModelService) resolveModel(ctx context.Context, modelID string) (*models.Model, error) {
	if modelID != "" {
		return s.GetByID(ctx, modelID)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+modelColumns+` FROM models m JOIN providers p ON m.provider_id = p.id
		 WHERE m.is_visible = TRUE AND p.enabled = TRUE
		 ORDER BY
			CASE WHEN p.is_default THEN 0 ELSE 1 END,
			CASE WHEN p.kind IN ('ollama', 'local') THEN 0 ELSE 1 END,
			m.context_length DESC, m.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to pick default model: %w", err)
	}
	defer rows.Close()

	var fallback *models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		if s.providers.IsHealthy(m.ProviderID) {
			m.Healthy = true
			return m, nil
		}
		if fallback == nil {
			fallback = m
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to pick default model: %w", err)
	}
	if fallback != nil {
		log.Printf("⚠️ [MODEL] No healthy provider, retrying %s on %s", fallback.Name, fallback.ProviderName)
		return fallback, nil
	}
	return nil, ErrNoModelsAvailable
}

// injectMemory prepends a system message carrying relevant memory facts
func (s *ModelService) injectMemory(ctx context.Context, userID string, messages []models.ChatMessage) []models.ChatMessage {
	query := lastUserContent(messages)
	if query == "" {
		return messages
	}

	results, err := s.memory.Search(ctx, userID, &models.MemorySearchRequest{Query: query, Limit: 5})
	if err != nil || len(results) == 0 {
		if err != nil {
			log.Printf("⚠️ [MODEL] Memory lookup failed, continuing without: %v", err)
		}
		return messages
	}

	var sb strings.Builder
	sb.WriteString("Relevant facts you remember about this user:\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Fact.Content)
		sb.WriteString("\n")
	}

	injected := make([]models.ChatMessage, 0, len(messages)+1)
	injected = append(injected, models.ChatMessage{Role: models.MessageRoleSystem, Content: sb.String()})
	injected = append(injected, messages...)
	return injected
}

// persistExchange appends the last user turn and the assistant reply
// to the conversation. Persistence failures never fail the chat.
func (s *ModelService) persistExchange(ctx context.Context, userID string, req *models.ChatRequest, modelID string, response *models.ChatResponse) {
	if content := lastUserContent(req.Messages); content != "" {
		_, err := s.conversations.AppendMessage(ctx, userID, req.ConversationID, &models.AddMessageRequest{
			Role:    models.MessageRoleUser,
			Content: content,
		})
		if err != nil {
			log.Printf("⚠️ [MODEL] Failed to persist user message: %v", err)
		}
	}

	_, err := s.conversations.AppendMessage(ctx, userID, req.ConversationID, &models.AddMessageRequest{
		Role:    models.MessageRoleAssistant,
		Content: response.Content,
		ModelID: modelID,
		Usage:   response.Usage,
	})
	if err != nil {
		log.Printf("⚠️ [MODEL] Failed to persist assistant message: %v", err)
	}
}

// recordChatUsage emits a usage event for analytics
func (s *ModelService) recordChatUsage(ctx context.Context, userID string, req *models.ChatRequest, modelID string, result *openAIChatResponse, latencyMS int64, success bool) {
	if s.usage == nil {
		return
	}

	event := &models.UsageEvent{
		UserID:         userID,
		Kind:           models.UsageKindChat,
		ConversationID: req.ConversationID,
		ModelID:        modelID,
		LatencyMS:      latencyMS,
		Success:        success,
		CreatedAt:      time.Now().UTC(),
	}
	if result != nil && result.Usage != nil {
		event.PromptTokens = result.Usage.PromptTokens
		event.CompletionTokens = result.Usage.CompletionTokens
	}
	s.usage.Record(ctx, event)
}

// openAIEmbeddingResponse is the wire format of an embeddings result
type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed produces an embedding vector for memory search.
// Requires a configured embedding model and a default or any enabled provider.
func (s *ModelService) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embeddingModel == "" {
		return nil, fmt.Errorf("embedding model not configured")
	}

	provider, err := s.embeddingProvider(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"model": s.embeddingModel, "input": text}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+"/embeddings", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	apiKey, err := s.providers.DecryptedAPIKey(provider)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.providers.MarkHealth(provider.ID, err)
		return nil, fmt.Errorf("embeddings request to %s failed: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderHTTPError{Provider: provider.Name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings from %s: %w", provider.Name, err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned from %s", provider.Name)
	}

	return parsed.Data[0].Embedding, nil
}

// embeddingProvider picks the default provider, or the first enabled one
func (s *ModelService) embeddingProvider(ctx context.Context) (*models.Provider, error) {
	providers, err := s.providers.List(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no enabled providers")
	}
	for i := range providers {
		if providers[i].IsDefault {
			return &providers[i], nil
		}
	}
	return &providers[0], nil
}

// lastUserContent returns the content of the most recent user message
func lastUserContent(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.MessageRoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// scanModel reads a model row from a provider-joined query
func scanModel(rows *sql.Rows) (*models.Model, error) {
	var m models.Model
	var displayName sql.NullString
	err := rows.Scan(&m.ID, &m.ProviderID, &m.ProviderName, &m.Name, &displayName,
		&m.ContextLength, &m.SupportsTools, &m.IsVisible, &m.FetchedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}
	m.DisplayName = displayName.String
	return &m, nil
}
