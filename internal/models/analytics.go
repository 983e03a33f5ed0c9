package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UsageEvent is one recorded API interaction, stored in MongoDB
type UsageEvent struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID           string             `bson:"userId" json:"user_id"`
	Kind             string             `bson:"kind" json:"kind"`
	ConversationID   string             `bson:"conversationId,omitempty" json:"conversation_id,omitempty"`
	ModelID          string             `bson:"modelId,omitempty" json:"model_id,omitempty"`
	PluginName       string             `bson:"pluginName,omitempty" json:"plugin_name,omitempty"`
	PromptTokens     int                `bson:"promptTokens,omitempty" json:"prompt_tokens,omitempty"`
	CompletionTokens int                `bson:"completionTokens,omitempty" json:"completion_tokens,omitempty"`
	LatencyMS        int64              `bson:"latencyMs,omitempty" json:"latency_ms,omitempty"`
	Success          bool               `bson:"success" json:"success"`
	CreatedAt        time.Time          `bson:"createdAt" json:"created_at"`
}

// Usage event kind constants
const (
	UsageKindChat      = "chat"
	UsageKindPlugin    = "plugin"
	UsageKindTool      = "tool"
	UsageKindTraining  = "training"
	UsageKindLogin     = "login"
	UsageKindExport    = "export"
)

// UsageSummary aggregates a user's activity over a window
type UsageSummary struct {
	UserID           string         `json:"user_id"`
	WindowDays       int            `json:"window_days"`
	TotalRequests    int64          `json:"total_requests"`
	TotalChats       int64          `json:"total_chats"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	AvgLatencyMS     float64        `json:"avg_latency_ms"`
	ByKind           map[string]int64 `json:"by_kind"`
	ByModel          map[string]int64 `json:"by_model,omitempty"`
}

// DailyUsage is one bucket of the usage timeseries
type DailyUsage struct {
	Date     string `bson:"_id" json:"date"` // YYYY-MM-DD
	Requests int64  `bson:"requests" json:"requests"`
	Tokens   int64  `bson:"tokens" json:"tokens"`
}

// SystemStats is the admin-only system overview
type SystemStats struct {
	Uptime          string    `json:"uptime"`
	TotalUsers      int64     `json:"total_users"`
	ActiveSessions  int64     `json:"active_sessions"`
	TotalRequests   int64     `json:"total_requests"`
	RequestsPerMin  float64   `json:"requests_per_min"`
	MemoryAllocMB   uint64    `json:"memory_alloc_mb"`
	Goroutines      int       `json:"goroutines"`
	GeneratedAt     time.Time `json:"generated_at"`
}
