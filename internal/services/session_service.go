package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"karen/internal/models"
	"karen/pkg/auth"
)

// Session store errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionExpired  = errors.New("session expired")
	ErrRefreshReuse    = errors.New("refresh token reuse detected")
)

// Redis key prefixes
const (
	sessionKeyPrefix     = "karen:session:"
	userSessionsPrefix   = "karen:user-sessions:"
	rotatedKeyPrefix     = "karen:rotated:"
	refreshLockPrefix    = "karen:refresh-lock:"
)

// rotationGrace is how long a superseded refresh token still resolves to the
// pair that replaced it. Browsers firing parallel requests after an access
// token expires all race the refresh endpoint; the losers must receive the
// winner's pair instead of tripping reuse detection.
const rotationGrace = 60 * time.Second

// rotatedPair is the cached result of a rotation, keyed by the old JTI
type rotatedPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	RefreshJTI   string    `json:"refresh_jti"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionService manages login sessions and refresh token rotation.
// Redis is the primary store; without it, or after Redis degrades, the
// service runs on mutex-guarded in-process maps (single instance only).
// Every Redis operation is retried once; a second failure flips the
// store into degraded mode for the rest of the process lifetime and
// existing Redis sessions are lost (users sign in again).
type SessionService struct {
	tokens *auth.TokenService
	redis  *RedisService // may be nil

	degraded atomic.Bool // set when Redis fails a retried operation

	mu           sync.RWMutex
	sessions     map[string]*models.Session // fallback store, by session ID
	userSessions map[string]map[string]bool // fallback index, userID -> set of session IDs
	rotated      map[string]rotatedPair     // fallback grace map, by old JTI

	rotateMu sync.Mutex // serializes fallback-mode rotations, never held with mu
}

// NewSessionService creates the session service. redisService may be nil.
func NewSessionService(tokens *auth.TokenService, redisService *RedisService) *SessionService {
	s := &SessionService{
		tokens:       tokens,
		redis:        redisService,
		sessions:     make(map[string]*models.Session),
		userSessions: make(map[string]map[string]bool),
		rotated:      make(map[string]rotatedPair),
	}

	if redisService != nil {
		log.Println("🔐 [SESSION] Session store initialized (redis)")
	} else {
		log.Println("🔐 [SESSION] Session store initialized (in-memory fallback)")
	}

	return s
}

// Tokens exposes the token service for middleware verification
func (s *SessionService) Tokens() *auth.TokenService {
	return s.tokens
}

// useRedis reports whether the Redis backend is active
func (s *SessionService) useRedis() bool {
	return s.redis != nil && !s.degraded.Load()
}

// redisOp runs one Redis operation, retrying once. A second failure logs
// and degrades the store to in-process memory. redis.Nil is a miss, not
// a failure.
func (s *SessionService) redisOp(name string, op func() error) error {
	err := op()
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if err = op(); err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if s.degraded.CompareAndSwap(false, true) {
		log.Printf("💔 [SESSION] Redis %s failed after retry, degrading to the in-memory store: %v", name, err)
	}
	return err
}

// Create starts a new session for a user and issues its first token pair
func (s *SessionService) Create(ctx context.Context, user *models.User, userAgent, ip string) (*models.Session, *auth.TokenPair, error) {
	sessionID := uuid.New().String()

	pair, err := s.tokens.IssuePair(user.ID, user.Email, user.Role, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:         sessionID,
		UserID:     user.ID,
		RefreshJTI: pair.RefreshJTI,
		UserAgent:  userAgent,
		IPAddress:  ip,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.tokens.RefreshTokenExpiry),
	}

	if err := s.save(ctx, session); err != nil {
		return nil, nil, err
	}

	return session, pair, nil
}

// Refresh validates a refresh token, rotates the pair and returns the new
// one. A token superseded within the rotation grace window resolves to the
// pair that replaced it; anything older revokes the session.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, *auth.Claims, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	if session.RevokedAt != nil {
		return nil, nil, ErrSessionRevoked
	}
	if now.After(session.ExpiresAt) {
		return nil, nil, ErrSessionExpired
	}

	// Serialize rotations per session. Concurrent refreshers wait for the
	// winner, then pick up its pair from the grace map.
	unlock, acquired := s.lockSession(ctx, session.ID)
	if !acquired {
		if pair, ok := s.waitForRotation(ctx, claims.TokenID); ok {
			return pair, claims, nil
		}
		return nil, nil, fmt.Errorf("refresh contention on session %s", session.ID)
	}
	defer unlock()

	// Re-read under the lock: a parallel refresh may have rotated already
	session, err = s.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, err
	}

	if claims.TokenID != session.RefreshJTI {
		// Not the current token. Within the grace window this is a benign
		// race and the caller gets the already-minted pair.
		if pair, ok := s.lookupRotated(ctx, claims.TokenID); ok {
			return pair, claims, nil
		}

		// Outside the grace window a stale token means theft or replay.
		// Kill the whole session chain.
		log.Printf("🚨 [SESSION] Refresh token reuse for session %s (user %s), revoking", session.ID, session.UserID)
		if err := s.Revoke(ctx, session.ID); err != nil {
			log.Printf("⚠️ [SESSION] Failed to revoke session %s: %v", session.ID, err)
		}
		return nil, nil, ErrRefreshReuse
	}

	pair, err := s.tokens.IssuePair(claims.UserID, claims.Email, claims.Role, session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to rotate tokens: %w", err)
	}

	oldJTI := session.RefreshJTI
	session.RefreshJTI = pair.RefreshJTI
	session.LastSeenAt = now
	if err := s.save(ctx, session); err != nil {
		return nil, nil, err
	}

	s.storeRotated(ctx, oldJTI, pair)

	return pair, claims, nil
}

// Get loads a session by ID
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if s.useRedis() {
		var data string
		err := s.redisOp("GET", func() error {
			var opErr error
			data, opErr = s.redis.Get(ctx, sessionKeyPrefix+sessionID)
			return opErr
		})
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		if err == nil {
			var session models.Session
			if err := json.Unmarshal([]byte(data), &session); err != nil {
				return nil, fmt.Errorf("corrupt session record: %w", err)
			}
			return &session, nil
		}
		// Redis just degraded, serve from the in-memory store
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// ListForUser returns all live sessions for a user
func (s *SessionService) ListForUser(ctx context.Context, userID string) ([]models.Session, error) {
	now := time.Now().UTC()

	if s.useRedis() {
		var ids []string
		err := s.redisOp("SMEMBERS", func() error {
			var opErr error
			ids, opErr = s.redis.SMembers(ctx, userSessionsPrefix+userID)
			return opErr
		})
		if err == nil {
			sessions := make([]models.Session, 0, len(ids))
			for _, id := range ids {
				session, err := s.Get(ctx, id)
				if errors.Is(err, ErrSessionNotFound) {
					// Session TTL'd out of Redis; drop the stale index entry
					s.redis.SRem(ctx, userSessionsPrefix+userID, id)
					continue
				}
				if err != nil {
					return nil, err
				}
				if session.Active(now) {
					sessions = append(sessions, *session)
				}
			}
			return sessions, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []models.Session
	for id := range s.userSessions[userID] {
		if session, ok := s.sessions[id]; ok && session.Active(now) {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}

// Revoke marks a session revoked. The record stays until its natural expiry
// so late refresh attempts surface as "revoked" rather than "unknown".
func (s *SessionService) Revoke(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.RevokedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	session.RevokedAt = &now
	return s.save(ctx, session)
}

// RevokeAllForUser revokes every session of a user and returns the count
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	sessions, err := s.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, session := range sessions {
		if err := s.Revoke(ctx, session.ID); err != nil {
			return revoked, err
		}
		revoked++
	}

	log.Printf("🔐 [SESSION] Revoked %d sessions for user %s", revoked, userID)
	return revoked, nil
}

// Touch updates a session's last-seen timestamp, best effort
func (s *SessionService) Touch(ctx context.Context, sessionID string) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return
	}

	session.LastSeenAt = time.Now().UTC()
	if err := s.save(ctx, session); err != nil {
		log.Printf("⚠️ [SESSION] Touch failed for %s: %v", sessionID, err)
	}
}

// CountActive returns the number of unexpired, unrevoked sessions.
// Redis-backed counting scans the session keyspace; it is used by the
// admin stats endpoint, not hot paths.
func (s *SessionService) CountActive(ctx context.Context) int64 {
	now := time.Now().UTC()

	if s.useRedis() {
		var keys []string
		err := s.redisOp("SCAN", func() error {
			var opErr error
			keys, opErr = s.redis.ScanKeys(ctx, sessionKeyPrefix+"*")
			return opErr
		})
		if err == nil {
			var count int64
			for _, key := range keys {
				data, err := s.redis.Get(ctx, key)
				if err != nil {
					continue
				}
				var session models.Session
				if err := json.Unmarshal([]byte(data), &session); err != nil {
					continue
				}
				if session.Active(now) {
					count++
				}
			}
			return count
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, session := range s.sessions {
		if session.Active(now) {
			count++
		}
	}
	return count
}

// CleanupExpired prunes the in-memory fallback stores. Redis entries expire
// via TTL on their own. Returns the number of sessions removed.
func (s *SessionService) CleanupExpired(ctx context.Context) int {
	if s.useRedis() {
		return 0
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			if set, ok := s.userSessions[session.UserID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.userSessions, session.UserID)
				}
			}
			removed++
		}
	}

	for jti, entry := range s.rotated {
		if now.After(entry.ExpiresAt) {
			delete(s.rotated, jti)
		}
	}

	return removed
}

// save persists a session to the active backend
func (s *SessionService) save(ctx context.Context, session *models.Session) error {
	if s.useRedis() {
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		ttl := time.Until(session.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Minute
		}

		err = s.redisOp("SET", func() error {
			return s.redis.Set(ctx, sessionKeyPrefix+session.ID, data, ttl)
		})
		if err == nil {
			err = s.redisOp("SADD", func() error {
				_, opErr := s.redis.SAdd(ctx, userSessionsPrefix+session.UserID, session.ID)
				return opErr
			})
		}
		if err == nil {
			s.redis.Expire(ctx, userSessionsPrefix+session.UserID, s.tokens.RefreshTokenExpiry)
			return nil
		}
		// Redis just degraded, keep the session alive in memory
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.ID] = &copied
	if s.userSessions[session.UserID] == nil {
		s.userSessions[session.UserID] = make(map[string]bool)
	}
	s.userSessions[session.UserID][session.ID] = true
	return nil
}

// lockSession serializes refresh rotation per session
func (s *SessionService) lockSession(ctx context.Context, sessionID string) (func(), bool) {
	if s.useRedis() {
		lockKey := refreshLockPrefix + sessionID
		lockValue := uuid.New().String()

		var acquired bool
		err := s.redisOp("SETNX", func() error {
			var opErr error
			acquired, opErr = s.redis.AcquireLock(ctx, lockKey, lockValue, 5*time.Second)
			return opErr
		})
		if err == nil {
			if !acquired {
				return nil, false
			}
			return func() {
				if _, err := s.redis.ReleaseLock(ctx, lockKey, lockValue); err != nil {
					log.Printf("⚠️ [SESSION] Failed to release refresh lock for %s: %v", sessionID, err)
				}
			}, true
		}
		// Redis just degraded, serialize in process
	}

	s.rotateMu.Lock()
	return func() { s.rotateMu.Unlock() }, true
}

// waitForRotation polls the grace map while a concurrent rotation finishes
func (s *SessionService) waitForRotation(ctx context.Context, oldJTI string) (*auth.TokenPair, bool) {
	for i := 0; i < 10; i++ {
		if pair, ok := s.lookupRotated(ctx, oldJTI); ok {
			return pair, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, false
}

// storeRotated records old JTI -> new pair for the grace window
func (s *SessionService) storeRotated(ctx context.Context, oldJTI string, pair *auth.TokenPair) {
	entry := rotatedPair{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		RefreshJTI:   pair.RefreshJTI,
		ExpiresAt:    time.Now().UTC().Add(rotationGrace),
	}

	if s.useRedis() {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		err = s.redisOp("SET", func() error {
			return s.redis.Set(ctx, rotatedKeyPrefix+oldJTI, data, rotationGrace)
		})
		if err == nil {
			return
		}
		log.Printf("⚠️ [SESSION] Failed to store rotation for %s: %v", oldJTI, err)
	}

	s.mu.Lock()
	s.rotated[oldJTI] = entry
	s.mu.Unlock()
}

// lookupRotated resolves a superseded JTI to its replacement pair
func (s *SessionService) lookupRotated(ctx context.Context, oldJTI string) (*auth.TokenPair, bool) {
	if s.useRedis() {
		var data string
		err := s.redisOp("GET", func() error {
			var opErr error
			data, opErr = s.redis.Get(ctx, rotatedKeyPrefix+oldJTI)
			return opErr
		})
		if errors.Is(err, redis.Nil) {
			return nil, false
		}
		if err == nil {
			var entry rotatedPair
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				return nil, false
			}
			return &auth.TokenPair{
				AccessToken:  entry.AccessToken,
				RefreshToken: entry.RefreshToken,
				RefreshJTI:   entry.RefreshJTI,
			}, true
		}
	}

	s.mu.RLock()
	entry, ok := s.rotated[oldJTI]
	s.mu.RUnlock()

	if !ok || time.Now().UTC().After(entry.ExpiresAt) {
		return nil, false
	}
	return &auth.TokenPair{
		AccessToken:  entry.AccessToken,
		RefreshToken: entry.RefreshToken,
		RefreshJTI:   entry.RefreshJTI,
	}, true
}
