package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation represents a chat thread stored in MongoDB
type Conversation struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID        string             `bson:"userId" json:"user_id"`
	Title         string             `bson:"title" json:"title"`
	ModelID       string             `bson:"modelId,omitempty" json:"model_id,omitempty"`
	SystemPrompt  string             `bson:"systemPrompt,omitempty" json:"system_prompt,omitempty"`
	Messages      []Message          `bson:"messages" json:"messages"`
	Tags          []string           `bson:"tags,omitempty" json:"tags,omitempty"`
	Archived      bool               `bson:"archived" json:"archived"`
	CreatedAt     time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updatedAt" json:"updated_at"`
	LastMessageAt *time.Time         `bson:"lastMessageAt,omitempty" json:"last_message_at,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	ID        string            `bson:"id" json:"id"`
	Role      string            `bson:"role" json:"role"` // "user", "assistant" or "system"
	Content   string            `bson:"content" json:"content"`
	ModelID   string            `bson:"modelId,omitempty" json:"model_id,omitempty"`
	ToolCalls []MessageToolCall `bson:"toolCalls,omitempty" json:"tool_calls,omitempty"`
	Usage     *TokenUsage       `bson:"usage,omitempty" json:"usage,omitempty"`
	Timestamp time.Time         `bson:"timestamp" json:"timestamp"`
}

// MessageToolCall records a tool invocation made while producing a message
type MessageToolCall struct {
	ToolName string `bson:"toolName" json:"tool_name"`
	Args     string `bson:"args,omitempty" json:"args,omitempty"`     // JSON-encoded arguments
	Result   string `bson:"result,omitempty" json:"result,omitempty"` // truncated result preview
	IsError  bool   `bson:"isError,omitempty" json:"is_error,omitempty"`
}

// TokenUsage tracks token counts for a single completion
type TokenUsage struct {
	PromptTokens     int `bson:"promptTokens" json:"prompt_tokens"`
	CompletionTokens int `bson:"completionTokens" json:"completion_tokens"`
	TotalTokens      int `bson:"totalTokens" json:"total_tokens"`
}

// Message role constants
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// CreateConversationRequest is the request body for creating a conversation
type CreateConversationRequest struct {
	Title        string `json:"title,omitempty"`
	ModelID      string `json:"model_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// UpdateConversationRequest is the request body for renaming/tagging/archiving
type UpdateConversationRequest struct {
	Title    *string   `json:"title,omitempty"`
	ModelID  *string   `json:"model_id,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Archived *bool     `json:"archived,omitempty"`
}

// AddMessageRequest is the request body for appending a message
type AddMessageRequest struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ModelID   string            `json:"model_id,omitempty"`
	ToolCalls []MessageToolCall `json:"tool_calls,omitempty"`
	Usage     *TokenUsage       `json:"usage,omitempty"`
}

// ConversationListItem is a summary for listing conversations
type ConversationListItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	ModelID       string     `json:"model_id,omitempty"`
	MessageCount  int        `json:"message_count"`
	Tags          []string   `json:"tags,omitempty"`
	Archived      bool       `json:"archived"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ToListItem converts a Conversation to ConversationListItem
func (c *Conversation) ToListItem() ConversationListItem {
	return ConversationListItem{
		ID:            c.ID.Hex(),
		Title:         c.Title,
		ModelID:       c.ModelID,
		MessageCount:  len(c.Messages),
		Tags:          c.Tags,
		Archived:      c.Archived,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		LastMessageAt: c.LastMessageAt,
	}
}

// ConversationListResponse pages through a user's conversations
type ConversationListResponse struct {
	Conversations []ConversationListItem `json:"conversations"`
	Total         int64                  `json:"total"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// Conversation export formats
const (
	ExportFormatJSON     = "json"
	ExportFormatMarkdown = "markdown"
	ExportFormatHTML     = "html"
	ExportFormatPDF      = "pdf"
)
