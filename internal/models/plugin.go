package models

import "time"

// PluginManifest is the on-disk plugin descriptor (manifest.yaml in each
// plugin directory)
type PluginManifest struct {
	Name        string        `yaml:"name" json:"name"`
	Version     string        `yaml:"version" json:"version"`
	Description string        `yaml:"description" json:"description"`
	Author      string        `yaml:"author,omitempty" json:"author,omitempty"`
	Entrypoint  string        `yaml:"entrypoint" json:"entrypoint"` // command or handler name in the runtime
	Runtime     string        `yaml:"runtime,omitempty" json:"runtime,omitempty"` // "sandbox" (default) or "builtin"
	Timeout     int           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Parameters  []PluginParam `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	RequiredRole string       `yaml:"required_role,omitempty" json:"required_role,omitempty"` // "admin" restricts execution
}

// PluginParam describes one accepted argument
type PluginParam struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"` // "string", "number", "boolean", "object"
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// Plugin is the registry view of a discovered plugin: manifest plus
// enablement state
type Plugin struct {
	Manifest  PluginManifest `json:"manifest"`
	Dir       string         `json:"-"` // source directory, not exposed
	Enabled   bool           `json:"enabled"`
	LoadedAt  time.Time      `json:"loaded_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by,omitempty"` // admin user ID of last enable/disable
}

// PluginListResponse is the /api/plugins listing
type PluginListResponse struct {
	Plugins []Plugin `json:"plugins"`
	Count   int      `json:"count"`
}

// PluginExecuteRequest is the request body for running a plugin
type PluginExecuteRequest struct {
	Args           map[string]any `json:"args,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// PluginExecuteResponse is the execution result
type PluginExecuteResponse struct {
	Plugin     string `json:"plugin"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
