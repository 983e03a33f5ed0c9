package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Well-known cache namespaces
const (
	CacheNamespaceResponses = "responses"
	CacheNamespaceModels    = "models"
	CacheNamespaceScrape    = "scrape"
)

const cacheKeyPrefix = "karen:cache:"

// CacheStats reports cache effectiveness for the stats endpoint
type CacheStats struct {
	Backend      string  `json:"backend"` // "redis" or "memory"
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	LocalEntries int     `json:"local_entries"`
}

// CacheService is a namespaced key-value cache. Redis is the primary store
// when configured; an in-process cache serves as L1 and as the fallback when
// Redis is absent.
type CacheService struct {
	redis *RedisService // may be nil
	local *cache.Cache

	hits   atomic.Int64
	misses atomic.Int64
	mu     sync.RWMutex
}

var (
	cacheServiceInstance *CacheService
	cacheServiceOnce     sync.Once
)

// NewCacheService creates a cache service. redisService may be nil.
func NewCacheService(redisService *RedisService) *CacheService {
	s := &CacheService{
		redis: redisService,
		local: cache.New(5*time.Minute, 10*time.Minute),
	}

	if redisService != nil {
		log.Println("📦 [CACHE] Cache service initialized (redis + memory L1)")
	} else {
		log.Println("📦 [CACHE] Cache service initialized (memory only)")
	}

	return s
}

// GetCacheService returns the singleton cache service
func GetCacheService() *CacheService {
	cacheServiceOnce.Do(func() {
		cacheServiceInstance = NewCacheService(GetRedisService())
	})
	return cacheServiceInstance
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get retrieves a cached value
func (s *CacheService) Get(ctx context.Context, namespace, key string) (string, bool) {
	localKey := cacheKey(namespace, key)

	if value, found := s.local.Get(localKey); found {
		s.hits.Add(1)
		return value.(string), true
	}

	if s.redis != nil {
		value, err := s.redis.Get(ctx, cacheKeyPrefix+localKey)
		if err == nil {
			s.hits.Add(1)
			// Refill L1 so repeated reads skip the round trip
			s.local.Set(localKey, value, cache.DefaultExpiration)
			return value, true
		}
		if !errors.Is(err, redis.Nil) {
			log.Printf("⚠️ [CACHE] Redis get failed for %s: %v", localKey, err)
		}
	}

	s.misses.Add(1)
	return "", false
}

// Set stores a value with a TTL. A zero TTL uses the default 5 minutes.
func (s *CacheService) Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	localKey := cacheKey(namespace, key)
	s.local.Set(localKey, value, ttl)

	if s.redis != nil {
		if err := s.redis.Set(ctx, cacheKeyPrefix+localKey, value, ttl); err != nil {
			log.Printf("⚠️ [CACHE] Redis set failed for %s: %v", localKey, err)
			return err
		}
	}

	return nil
}

// Delete removes a single entry
func (s *CacheService) Delete(ctx context.Context, namespace, key string) error {
	localKey := cacheKey(namespace, key)
	s.local.Delete(localKey)

	if s.redis != nil {
		return s.redis.Delete(ctx, cacheKeyPrefix+localKey)
	}
	return nil
}

// FlushNamespace removes every entry in a namespace and returns the count
func (s *CacheService) FlushNamespace(ctx context.Context, namespace string) (int64, error) {
	var removed int64

	prefix := namespace + ":"
	for key := range s.local.Items() {
		if strings.HasPrefix(key, prefix) {
			s.local.Delete(key)
			removed++
		}
	}

	if s.redis != nil {
		keys, err := s.redis.ScanKeys(ctx, cacheKeyPrefix+prefix+"*")
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := s.redis.Delete(ctx, keys...); err != nil {
				return removed, err
			}
			removed = int64(len(keys))
		}
	}

	log.Printf("🗑️ [CACHE] Flushed namespace %s (%d entries)", namespace, removed)
	return removed, nil
}

// FlushAll clears the entire cache
func (s *CacheService) FlushAll(ctx context.Context) error {
	s.local.Flush()

	if s.redis != nil {
		keys, err := s.redis.ScanKeys(ctx, cacheKeyPrefix+"*")
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.redis.Delete(ctx, keys...); err != nil {
				return err
			}
		}
	}

	log.Println("🗑️ [CACHE] Flushed all namespaces")
	return nil
}

// Stats returns hit/miss counters since startup
func (s *CacheService) Stats() CacheStats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	backend := "memory"
	if s.redis != nil {
		backend = "redis"
	}

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Backend:      backend,
		Hits:         hits,
		Misses:       misses,
		HitRate:      hitRate,
		LocalEntries: s.local.ItemCount(),
	}
}
