package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryFact is a single extracted fact about a user, stored in MongoDB
type MemoryFact struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID         string             `bson:"userId" json:"user_id"`
	ConversationID string             `bson:"conversationId,omitempty" json:"conversation_id,omitempty"` // Source conversation (optional)

	Content     string   `bson:"content" json:"content"`
	ContentHash string   `bson:"contentHash" json:"-"` // normalized-content hash for deduplication
	Category    string   `bson:"category" json:"category"` // "personal_info", "preferences", "context", "fact"
	Tags        []string `bson:"tags,omitempty" json:"tags,omitempty"`

	// Embedding for similarity search. Kept alongside the document so the
	// in-process vector index can be rebuilt on startup.
	Embedding []float32 `bson:"embedding,omitempty" json:"-"`

	// Relevance scoring
	Score          float64    `bson:"score" json:"score"` // 0.0-1.0, decays when unused
	AccessCount    int64      `bson:"accessCount" json:"access_count"`
	LastAccessedAt *time.Time `bson:"lastAccessedAt,omitempty" json:"last_accessed_at,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`
}

// Memory category constants
const (
	MemoryCategoryPersonalInfo = "personal_info"
	MemoryCategoryPreferences  = "preferences"
	MemoryCategoryContext      = "context"
	MemoryCategoryFact         = "fact"
)

// MemorySearchRequest queries the user's memory facts
type MemorySearchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"` // default 5, max 50
}

// MemorySearchResult is one scored hit
type MemorySearchResult struct {
	Fact       MemoryFact `json:"fact"`
	Similarity float64    `json:"similarity"`
}

// CreateMemoryRequest adds a fact directly (bypassing extraction)
type CreateMemoryRequest struct {
	Content  string   `json:"content"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}
