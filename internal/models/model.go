package models

import "time"

// Model represents an LLM model from a provider
type Model struct {
	ID            string    `json:"id"`
	ProviderID    int       `json:"provider_id"`
	ProviderName  string    `json:"provider_name,omitempty"`
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name,omitempty"`
	ContextLength int       `json:"context_length,omitempty"`
	SupportsTools bool      `json:"supports_tools"`
	IsVisible     bool      `json:"is_visible"`
	Healthy       bool      `json:"healthy"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// OpenAIModelsResponse represents the response from OpenAI-compatible /v1/models endpoint
type OpenAIModelsResponse struct {
	Object string `json:"object"`
	Data   []struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// ChatRequest is the request body for a model completion
type ChatRequest struct {
	ModelID        string        `json:"model_id"`
	ConversationID string        `json:"conversation_id,omitempty"` // persist the exchange when set
	Messages       []ChatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	IncludeMemory  bool          `json:"include_memory,omitempty"` // inject stored memory facts
}

// ChatMessage is a single turn in a completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the completion result
type ChatResponse struct {
	ID             string      `json:"id"`
	ModelID        string      `json:"model_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content"`
	FinishReason   string      `json:"finish_reason,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	LatencyMS      int64       `json:"latency_ms"`
}

// ModelListResponse groups visible models with their provider status
type ModelListResponse struct {
	Models []Model `json:"models"`
	Count  int     `json:"count"`
}
