package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"karen/internal/database"
	"karen/internal/models"
)

// ErrMemoryNotFound is returned when a fact does not exist or belongs to
// another user
var ErrMemoryNotFound = errors.New("memory not found")

// Embedder produces a vector for a piece of text. Implemented by the model
// service using an OpenAI-compatible embeddings endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryService stores and searches extracted user facts. Search prefers
// embedding similarity and falls back to keyword overlap when no vectors
// are available.
type MemoryService struct {
	db         *database.MongoDB
	collection *mongo.Collection
	embedder   Embedder // may be nil, search then uses keyword scoring
}

// NewMemoryService creates a new memory service
func NewMemoryService(db *database.MongoDB, embedder Embedder) *MemoryService {
	svc := &MemoryService{db: db, embedder: embedder}
	if db != nil {
		svc.collection = db.Collection(database.CollectionMemoryFacts)
	}
	return svc
}

func (s *MemoryService) available() error {
	if s.collection == nil {
		return ErrStoreUnavailable
	}
	return nil
}

// Create stores a fact, deduplicating on normalized content. Re-mentioning
// an existing fact boosts its score instead of inserting a duplicate.
func (s *MemoryService) Create(ctx context.Context, userID, conversationID string, req *models.CreateMemoryRequest) (*models.MemoryFact, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("memory content is required")
	}

	category := req.Category
	if category == "" {
		category = models.MemoryCategoryFact
	}

	hash := contentHash(content)

	// Duplicate content boosts the existing fact
	var existing models.MemoryFact
	err := s.collection.FindOne(ctx, bson.M{"userId": userID, "contentHash": hash}).Decode(&existing)
	if err == nil {
		return s.boostExisting(ctx, &existing, req.Tags)
	}
	if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to check duplicate: %w", err)
	}

	now := time.Now().UTC()
	fact := &models.MemoryFact{
		ID:             primitive.NewObjectID(),
		UserID:         userID,
		ConversationID: conversationID,
		Content:        content,
		ContentHash:    hash,
		Category:       category,
		Tags:           req.Tags,
		Score:          0.5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if s.embedder != nil {
		vector, err := s.embedder.Embed(ctx, content)
		if err != nil {
			log.Printf("⚠️ [MEMORY] Embedding failed, storing fact without vector: %v", err)
		} else {
			fact.Embedding = vector
		}
	}

	if _, err := s.collection.InsertOne(ctx, fact); err != nil {
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}

	log.Printf("✅ [MEMORY] Stored fact for user %s (category: %s)", userID, category)
	return fact, nil
}

// boostExisting merges tags and nudges the score up on a re-mention
func (s *MemoryService) boostExisting(ctx context.Context, fact *models.MemoryFact, newTags []string) (*models.MemoryFact, error) {
	tagSet := make(map[string]bool)
	for _, tag := range fact.Tags {
		tagSet[tag] = true
	}
	for _, tag := range newTags {
		tagSet[tag] = true
	}
	merged := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		merged = append(merged, tag)
	}
	sort.Strings(merged)

	score := math.Min(fact.Score+0.1, 1.0)

	var updated models.MemoryFact
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": fact.ID},
		bson.M{"$set": bson.M{"tags": merged, "score": score, "updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return nil, fmt.Errorf("failed to boost memory: %w", err)
	}

	log.Printf("🔄 [MEMORY] Boosted existing fact %s (score: %.2f)", updated.ID.Hex(), score)
	return &updated, nil
}

// Search returns the most relevant facts for a query, embedding-ranked when
// vectors exist, keyword-ranked otherwise. Returned facts get their access
// counters bumped.
func (s *MemoryService) Search(ctx context.Context, userID string, req *models.MemorySearchRequest) ([]models.MemorySearchResult, error) {
	if err := s.available(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit < 1 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}

	filter := bson.M{"userId": userID}
	if req.Category != "" {
		filter["category"] = req.Category
	}

	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}
	defer cursor.Close(ctx)

	var facts []models.MemoryFact
	if err := cursor.All(ctx, &facts); err != nil {
		return nil, fmt.Errorf("failed to decode memories: %w", err)
	}
	if len(facts) == 0 {
		return []models.MemorySearchResult{}, nil
	}

	var queryVector []float32
	if s.embedder != nil && strings.TrimSpace(req.Query) != "" {
		queryVector, err = s.embedder.Embed(ctx, req.Query)
		if err != nil {
			log.Printf("⚠️ [MEMORY] Query embedding failed, falling back to keywords: %v", err)
			queryVector = nil
		}
	}

	results := make([]models.MemorySearchResult, 0, len(facts))
	for _, fact := range facts {
		var similarity float64
		if queryVector != nil && len(fact.Embedding) > 0 {
			similarity = CosineSimilarity(queryVector, fact.Embedding)
		} else {
			similarity = keywordSimilarity(req.Query, fact.Content)
		}
		if similarity <= 0 {
			continue
		}
		results = append(results, models.MemorySearchResult{Fact: fact, Similarity: similarity})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Fact.Score > results[j].Fact.Score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	s.touchAccessed(ctx, results)
	return results, nil
}

// touchAccessed bumps access counters for facts that were just surfaced
func (s *MemoryService) touchAccessed(ctx context.Context, results []models.MemorySearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]primitive.ObjectID, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Fact.ID)
	}

	now := time.Now().UTC()
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{
			"$inc": bson.M{"accessCount": 1},
			"$set": bson.M{"lastAccessedAt": now},
		})
	if err != nil {
		log.Printf("⚠️ [MEMORY] Failed to bump access counters: %v", err)
	}
}

// List returns the user's facts, newest first
func (s *MemoryService) List(ctx context.Context, userID, category string, limit int) ([]models.MemoryFact, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	filter := bson.M{"userId": userID}
	if category != "" {
		filter["category"] = category
	}

	cursor, err := s.collection.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer cursor.Close(ctx)

	facts := []models.MemoryFact{}
	if err := cursor.All(ctx, &facts); err != nil {
		return nil, fmt.Errorf("failed to decode memories: %w", err)
	}
	return facts, nil
}

// Delete removes one fact
func (s *MemoryService) Delete(ctx context.Context, userID, factID string) error {
	if err := s.available(); err != nil {
		return err
	}

	objectID, err := primitive.ObjectIDFromHex(factID)
	if err != nil {
		return ErrMemoryNotFound
	}

	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": objectID, "userId": userID})
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

// DeleteAllForUser removes every fact the user owns. Used by the privacy
// erasure flow.
func (s *MemoryService) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if err := s.available(); err != nil {
		return 0, err
	}

	result, err := s.collection.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete memories: %w", err)
	}
	return result.DeletedCount, nil
}

// CountForUser returns how many facts the user owns
func (s *MemoryService) CountForUser(ctx context.Context, userID string) (int64, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	count, err := s.collection.CountDocuments(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return count, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// keywordSimilarity scores by word overlap between query and content
func keywordSimilarity(query, content string) float64 {
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		// Empty query lists everything with a neutral score
		return 0.01
	}

	contentWords := make(map[string]bool)
	for _, w := range tokenize(content) {
		contentWords[w] = true
	}

	matched := 0
	for _, w := range queryWords {
		if contentWords[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			words = append(words, f)
		}
	}
	return words
}

// contentHash normalizes and hashes content for deduplication
func contentHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
