package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"karen/internal/database"
	"karen/internal/models"
)

// Conversation service errors
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStoreUnavailable     = errors.New("conversation storage unavailable")
)

const defaultConversationTitle = "New Conversation"

// ConversationService manages chat threads in MongoDB
type ConversationService struct {
	db         *database.MongoDB
	collection *mongo.Collection
}

// NewConversationService creates a new conversation service. db may be nil
// when MongoDB is not configured; operations then fail with
// ErrStoreUnavailable.
func NewConversationService(db *database.MongoDB) *ConversationService {
	svc := &ConversationService{db: db}
	if db != nil {
		svc.collection = db.Collection(database.CollectionConversations)
	}
	return svc
}

func (s *ConversationService) available() error {
	if s.collection == nil {
		return ErrStoreUnavailable
	}
	return nil
}

// Create starts a new conversation for the user
func (s *ConversationService) Create(ctx context.Context, userID string, req *models.CreateConversationRequest) (*models.Conversation, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultConversationTitle
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		UserID:       userID,
		Title:        title,
		ModelID:      req.ModelID,
		SystemPrompt: req.SystemPrompt,
		Messages:     []models.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result, err := s.collection.InsertOne(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.ID = result.InsertedID.(primitive.ObjectID)

	return conv, nil
}

// Get fetches one conversation with its messages, scoped to the owner
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	objectID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}

	var conv models.Conversation
	err = s.collection.FindOne(ctx, bson.M{"_id": objectID, "userId": userID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return &conv, nil
}

// ListConversationsOptions filters and pages the conversation list
type ListConversationsOptions struct {
	Limit    int
	Offset   int
	Archived *bool
	Tag      string
	Search   string
}

// List returns a page of conversation summaries, newest activity first
func (s *ConversationService) List(ctx context.Context, userID string, opts ListConversationsOptions) (*models.ConversationListResponse, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	if opts.Limit < 1 || opts.Limit > 100 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	filter := bson.M{"userId": userID}
	if opts.Archived != nil {
		filter["archived"] = *opts.Archived
	}
	if opts.Tag != "" {
		filter["tags"] = opts.Tag
	}
	if opts.Search != "" {
		filter["title"] = bson.M{"$regex": primitive.Regex{Pattern: escapeRegex(opts.Search), Options: "i"}}
	}

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit))

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	items := []models.ConversationListItem{}
	for cursor.Next(ctx) {
		var conv models.Conversation
		if err := cursor.Decode(&conv); err != nil {
			log.Printf("⚠️ [CONV] Failed to decode conversation: %v", err)
			continue
		}
		items = append(items, conv.ToListItem())
	}

	return &models.ConversationListResponse{
		Conversations: items,
		Total:         total,
		Limit:         opts.Limit,
		Offset:        opts.Offset,
	}, nil
}

// Update patches title, model, tags or the archived flag
func (s *ConversationService) Update(ctx context.Context, userID, conversationID string, req *models.UpdateConversationRequest) (*models.Conversation, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	objectID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}

	set := bson.M{"updatedAt": time.Now().UTC()}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, fmt.Errorf("title cannot be empty")
		}
		set["title"] = title
	}
	if req.ModelID != nil {
		set["modelId"] = *req.ModelID
	}
	if req.Tags != nil {
		set["tags"] = *req.Tags
	}
	if req.Archived != nil {
		set["archived"] = *req.Archived
	}

	findOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var conv models.Conversation
	err = s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": objectID, "userId": userID},
		bson.M{"$set": set},
		findOpts).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	return &conv, nil
}

// AppendMessage adds a message and refreshes activity timestamps. The first
// user message replaces the default title.
func (s *ConversationService) AppendMessage(ctx context.Context, userID, conversationID string, req *models.AddMessageRequest) (*models.Message, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	if req.Role != models.MessageRoleUser && req.Role != models.MessageRoleAssistant && req.Role != models.MessageRoleSystem {
		return nil, fmt.Errorf("unknown message role %q", req.Role)
	}
	if strings.TrimSpace(req.Content) == "" && len(req.ToolCalls) == 0 {
		return nil, fmt.Errorf("message content is required")
	}

	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      req.Role,
		Content:   req.Content,
		ModelID:   req.ModelID,
		ToolCalls: req.ToolCalls,
		Usage:     req.Usage,
		Timestamp: now,
	}

	set := bson.M{
		"updatedAt":     now,
		"lastMessageAt": now,
	}
	if req.Role == models.MessageRoleUser && (conv.Title == defaultConversationTitle || conv.Title == "") {
		set["title"] = titleFromContent(req.Content)
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": conv.ID, "userId": userID},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$set":  set,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if result.MatchedCount == 0 {
		return nil, ErrConversationNotFound
	}

	return &msg, nil
}

// Delete removes one conversation
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if err := s.available(); err != nil {
		return err
	}

	objectID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return ErrConversationNotFound
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": objectID, "userId": userID})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrConversationNotFound
	}

	return nil
}

// DeleteAllForUser removes every conversation the user owns. Used by the
// privacy erasure flow.
func (s *ConversationService) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if err := s.available(); err != nil {
		return 0, err
	}

	result, err := s.collection.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}

	if result.DeletedCount > 0 {
		log.Printf("🗑️ [CONV] Deleted %d conversations for user %s", result.DeletedCount, userID)
	}
	return result.DeletedCount, nil
}

// AllForUser streams every conversation the user owns, oldest first. Used by
// the privacy export flow.
func (s *ConversationService) AllForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	cursor, err := s.collection.Find(ctx, bson.M{"userId": userID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var convs []models.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

// CountForUser returns how many conversations the user owns
func (s *ConversationService) CountForUser(ctx context.Context, userID string) (int64, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	count, err := s.collection.CountDocuments(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

// titleFromContent derives a short title from the first user message
func titleFromContent(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexAny(title, "\r\n"); idx > 0 {
		title = title[:idx]
	}
	runes := []rune(title)
	if len(runes) > 60 {
		title = string(runes[:60]) + "..."
	}
	if title == "" {
		return defaultConversationTitle
	}
	return title
}

// escapeRegex neutralizes regex metacharacters in user-supplied search text
func escapeRegex(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
