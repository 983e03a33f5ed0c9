package models

import "time"

// Provider represents an LLM API provider (OpenAI-compatible, Anthropic, local)
type Provider struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // "openai", "anthropic", "ollama", "local"
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"-"` // AES-256-GCM encrypted at rest, never serialized
	Enabled   bool      `json:"enabled"`
	IsDefault bool      `json:"is_default,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider kind constants
const (
	ProviderKindOpenAI    = "openai"
	ProviderKindAnthropic = "anthropic"
	ProviderKindOllama    = "ollama"
	ProviderKindLocal     = "local"
)

// ProviderHealth is the last observed reachability of a provider endpoint.
// A provider that was never contacted is considered healthy.
type ProviderHealth struct {
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// ProviderResponse is the API view of a provider. The key is masked to its
// last four characters.
type ProviderResponse struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	BaseURL   string    `json:"base_url"`
	APIKeySet bool      `json:"api_key_set"`
	APIKeyTail string   `json:"api_key_tail,omitempty"`
	Enabled   bool      `json:"enabled"`
	IsDefault bool      `json:"is_default,omitempty"`
	Health    ProviderHealth `json:"health"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateProviderRequest is the request body for registering a provider
type CreateProviderRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// UpdateProviderRequest is the request body for modifying a provider
type UpdateProviderRequest struct {
	Name    *string `json:"name,omitempty"`
	BaseURL *string `json:"base_url,omitempty"`
	APIKey  *string `json:"api_key,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// ProviderSeedFile represents the provider seed JSON file structure
type ProviderSeedFile struct {
	Providers []ProviderSeed `json:"providers"`
}

// ProviderSeed represents a provider configuration from the seed file
type ProviderSeed struct {
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	BaseURL   string         `json:"base_url"`
	APIKeyEnv string         `json:"api_key_env,omitempty"` // env var holding the key
	Enabled   bool           `json:"enabled"`
	Filters   []ModelFilter  `json:"filters,omitempty"`
	Models    []ModelSeed    `json:"models,omitempty"` // static model list for providers without discovery
}

// ModelFilter represents a visibility rule applied to discovered models
type ModelFilter struct {
	Pattern  string `json:"pattern"`
	Action   string `json:"action"`   // "include" or "exclude"
	Priority int    `json:"priority"` // Higher priority = applied first
}

// ModelSeed declares a model for providers that cannot be queried
type ModelSeed struct {
	Name          string `json:"name"`
	DisplayName   string `json:"display_name,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	SupportsTools bool   `json:"supports_tools,omitempty"`
}
