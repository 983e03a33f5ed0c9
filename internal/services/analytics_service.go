package services

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"karen/internal/database"
	"karen/internal/models"
)

// usageRetention is how long usage events are kept in MongoDB
const usageRetention = 90 * 24 * time.Hour

// recentBufferSize caps the in-memory event buffer
const recentBufferSize = 512

// AnalyticsService records usage events and answers usage queries.
// Events go to MongoDB when configured; a small in-memory buffer keeps
// recent activity available either way and feeds the request-rate stat.
type AnalyticsService struct {
	db        *database.MongoDB // may be nil, Mongo persistence is then off
	startedAt time.Time

	mu     sync.Mutex
	recent []models.UsageEvent // newest last, capped at recentBufferSize
	total  int64               // events recorded since process start
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(mongoDB *database.MongoDB) *AnalyticsService {
	return &AnalyticsService{
		db:        mongoDB,
		startedAt: time.Now(),
	}
}

func (s *AnalyticsService) collection() *mongo.Collection {
	return s.db.Database().Collection(database.CollectionUsageEvents)
}

// EnsureIndexes creates the usage event indexes, including the
// retention TTL on createdAt
func (s *AnalyticsService) EnsureIndexes(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	ttl := int32(usageRetention.Seconds())
	_, err := s.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "createdAt", Value: -1}}},
		{
			Keys:    bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(ttl),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create usage indexes: %w", err)
	}

	log.Println("✅ [ANALYTICS] Usage event indexes created")
	return nil
}

// Record stores one usage event. Failures are logged, never surfaced:
// analytics must not break the request that produced the event.
func (s *AnalyticsService) Record(ctx context.Context, event *models.UsageEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.recent = append(s.recent, *event)
	if len(s.recent) > recentBufferSize {
		s.recent = s.recent[len(s.recent)-recentBufferSize:]
	}
	s.total++
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	if _, err := s.collection().InsertOne(ctx, event); err != nil {
		log.Printf("⚠️ [ANALYTICS] Failed to record %s event: %v", event.Kind, err)
	}
}

// CountForUser returns how many usage events are stored for the user
func (s *AnalyticsService) CountForUser(ctx context.Context, userID string) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	return s.collection().CountDocuments(ctx, bson.M{"userId": userID})
}

// PurgeUser removes all stored usage events for the user and scrubs the
// in-memory buffer. Used by account deletion.
func (s *AnalyticsService) PurgeUser(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	kept := s.recent[:0]
	for _, ev := range s.recent {
		if ev.UserID != userID {
			kept = append(kept, ev)
		}
	}
	s.recent = kept
	s.mu.Unlock()

	if s.db == nil {
		return 0, nil
	}
	result, err := s.collection().DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage events: %w", err)
	}
	return result.DeletedCount, nil
}

// Summary aggregates a user's activity over the window
func (s *AnalyticsService) Summary(ctx context.Context, userID string, windowDays int) (*models.UsageSummary, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	if windowDays > 365 {
		windowDays = 365
	}
	start := time.Now().UTC().AddDate(0, 0, -windowDays)

	summary := &models.UsageSummary{
		UserID:     userID,
		WindowDays: windowDays,
		ByKind:     map[string]int64{},
		ByModel:    map[string]int64{},
	}

	if s.db == nil {
		s.bufferSummary(userID, start, summary)
		return summary, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"userId": userID, "createdAt": bson.M{"$gte": start}}}},
		{{Key: "$group", Value: bson.M{
			"_id":              "$kind",
			"requests":         bson.M{"$sum": 1},
			"promptTokens":     bson.M{"$sum": "$promptTokens"},
			"completionTokens": bson.M{"$sum": "$completionTokens"},
			"totalLatency":     bson.M{"$sum": "$latencyMs"},
		}}},
	}

	cursor, err := s.collection().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to read usage aggregation: %w", err)
	}

	var totalLatency int64
	for _, result := range results {
		kind, _ := result["_id"].(string)
		requests := extractInt64(result, "requests")
		summary.ByKind[kind] = requests
		summary.TotalRequests += requests
		summary.PromptTokens += extractInt64(result, "promptTokens")
		summary.CompletionTokens += extractInt64(result, "completionTokens")
		totalLatency += extractInt64(result, "totalLatency")
		if kind == models.UsageKindChat {
			summary.TotalChats = requests
		}
	}
	if summary.TotalRequests > 0 {
		summary.AvgLatencyMS = float64(totalLatency) / float64(summary.TotalRequests)
	}

	modelPipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"userId":    userID,
			"createdAt": bson.M{"$gte": start},
			"modelId":   bson.M{"$ne": ""},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$modelId", "requests": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.M{"requests": -1}}},
	}
	modelCursor, err := s.collection().Aggregate(ctx, modelPipeline)
	if err != nil {
		log.Printf("⚠️ [ANALYTICS] Per-model breakdown failed: %v", err)
		return summary, nil
	}
	var modelResults []bson.M
	if err := modelCursor.All(ctx, &modelResults); err != nil {
		log.Printf("⚠️ [ANALYTICS] Per-model breakdown failed: %v", err)
		return summary, nil
	}
	for _, result := range modelResults {
		if modelID, ok := result["_id"].(string); ok && modelID != "" {
			summary.ByModel[modelID] = extractInt64(result, "requests")
		}
	}

	return summary, nil
}

// bufferSummary folds the in-memory buffer when Mongo is off
func (s *AnalyticsService) bufferSummary(userID string, start time.Time, summary *models.UsageSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalLatency int64
	for i := range s.recent {
		e := &s.recent[i]
		if e.UserID != userID || e.CreatedAt.Before(start) {
			continue
		}
		summary.TotalRequests++
		summary.ByKind[e.Kind]++
		summary.PromptTokens += int64(e.PromptTokens)
		summary.CompletionTokens += int64(e.CompletionTokens)
		totalLatency += e.LatencyMS
		if e.Kind == models.UsageKindChat {
			summary.TotalChats++
		}
		if e.ModelID != "" {
			summary.ByModel[e.ModelID]++
		}
	}
	if summary.TotalRequests > 0 {
		summary.AvgLatencyMS = float64(totalLatency) / float64(summary.TotalRequests)
	}
}

// Daily returns the user's request/token timeseries with zero-filled gaps
func (s *AnalyticsService) Daily(ctx context.Context, userID string, days int) ([]models.DailyUsage, error) {
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}
	start := time.Now().UTC().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	byDate := map[string]models.DailyUsage{}

	if s.db != nil {
		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: bson.M{"userId": userID, "createdAt": bson.M{"$gte": start}}}},
			{{Key: "$group", Value: bson.M{
				"_id":      bson.M{"$dateToString": bson.M{"format": "%Y-%m-%d", "date": "$createdAt"}},
				"requests": bson.M{"$sum": 1},
				"tokens":   bson.M{"$sum": bson.M{"$add": bson.A{"$promptTokens", "$completionTokens"}}},
			}}},
			{{Key: "$sort", Value: bson.M{"_id": 1}}},
		}

		cursor, err := s.collection().Aggregate(ctx, pipeline)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate daily usage: %w", err)
		}
		var results []bson.M
		if err := cursor.All(ctx, &results); err != nil {
			return nil, fmt.Errorf("failed to read daily usage: %w", err)
		}
		for _, result := range results {
			date, _ := result["_id"].(string)
			byDate[date] = models.DailyUsage{
				Date:     date,
				Requests: extractInt64(result, "requests"),
				Tokens:   extractInt64(result, "tokens"),
			}
		}
	} else {
		s.mu.Lock()
		for i := range s.recent {
			e := &s.recent[i]
			if e.UserID != userID || e.CreatedAt.Before(start) {
				continue
			}
			date := e.CreatedAt.Format("2006-01-02")
			bucket := byDate[date]
			bucket.Date = date
			bucket.Requests++
			bucket.Tokens += int64(e.PromptTokens + e.CompletionTokens)
			byDate[date] = bucket
		}
		s.mu.Unlock()
	}

	// zero-fill the full range so charts do not skip quiet days
	series := make([]models.DailyUsage, 0, days)
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		if bucket, ok := byDate[date]; ok {
			series = append(series, bucket)
		} else {
			series = append(series, models.DailyUsage{Date: date})
		}
	}
	return series, nil
}

// Recent returns the user's latest events, newest first
func (s *AnalyticsService) Recent(ctx context.Context, userID string, limit int) ([]models.UsageEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		events := []models.UsageEvent{}
		for i := len(s.recent) - 1; i >= 0 && len(events) < limit; i-- {
			if s.recent[i].UserID == userID {
				events = append(events, s.recent[i])
			}
		}
		return events, nil
	}

	opts := options.Find().SetSort(bson.M{"createdAt": -1}).SetLimit(int64(limit))
	cursor, err := s.collection().Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer cursor.Close(ctx)

	events := []models.UsageEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// SystemStats builds the admin overview. User and session counts come
// from the caller since they live in other stores.
func (s *AnalyticsService) SystemStats(totalUsers, activeSessions int64) *models.SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	total := s.total
	perMin := s.requestsLastMinuteLocked()
	s.mu.Unlock()

	return &models.SystemStats{
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		TotalUsers:     totalUsers,
		ActiveSessions: activeSessions,
		TotalRequests:  total,
		RequestsPerMin: perMin,
		MemoryAllocMB:  mem.Alloc / (1024 * 1024),
		Goroutines:     runtime.NumGoroutine(),
		GeneratedAt:    time.Now().UTC(),
	}
}

// requestsLastMinuteLocked counts buffered events from the last minute.
// The buffer is append-ordered so the scan stops at the first old event.
func (s *AnalyticsService) requestsLastMinuteLocked() float64 {
	cutoff := time.Now().UTC().Add(-time.Minute)
	count := 0
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].CreatedAt.Before(cutoff) {
			break
		}
		count++
	}
	return float64(count)
}

// ExportXLSX renders the user's events from the window as a spreadsheet
func (s *AnalyticsService) ExportXLSX(ctx context.Context, userID string, days int) ([]byte, error) {
	if days <= 0 {
		days = 30
	}
	start := time.Now().UTC().AddDate(0, 0, -days)

	var events []models.UsageEvent
	if s.db != nil {
		opts := options.Find().SetSort(bson.M{"createdAt": 1})
		cursor, err := s.collection().Find(ctx,
			bson.M{"userId": userID, "createdAt": bson.M{"$gte": start}}, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		defer cursor.Close(ctx)
		if err := cursor.All(ctx, &events); err != nil {
			return nil, fmt.Errorf("failed to read events: %w", err)
		}
	} else {
		s.mu.Lock()
		for i := range s.recent {
			if s.recent[i].UserID == userID && !s.recent[i].CreatedAt.Before(start) {
				events = append(events, s.recent[i])
			}
		}
		s.mu.Unlock()
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	headers := []string{"Timestamp", "Kind", "Model", "Plugin", "Conversation", "Prompt Tokens", "Completion Tokens", "Latency (ms)", "Success"}
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(sheet, cell, header)
	}

	for i, e := range events {
		values := []any{
			e.CreatedAt.Format(time.RFC3339),
			e.Kind,
			e.ModelID,
			e.PluginName,
			e.ConversationID,
			e.PromptTokens,
			e.CompletionTokens,
			e.LatencyMS,
			e.Success,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return nil, err
			}
			f.SetCellValue(sheet, cell, value)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render spreadsheet: %w", err)
	}
	return buf.Bytes(), nil
}

// extractInt64 reads an aggregation value that may decode as int32, int64 or float64
func extractInt64(result bson.M, key string) int64 {
	switch v := result[key].(type) {
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
