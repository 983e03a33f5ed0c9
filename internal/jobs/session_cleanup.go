package jobs

import (
	"context"
	"log"

	"karen/internal/services"
)

// SessionCleanupJob removes expired and revoked sessions from the session
// store. Redis-backed sessions expire on their own; this job covers the
// in-memory fallback and trims the per-user session sets.
type SessionCleanupJob struct {
	sessions *services.SessionService
}

// NewSessionCleanupJob creates a new session cleanup job
func NewSessionCleanupJob(sessions *services.SessionService) *SessionCleanupJob {
	return &SessionCleanupJob{sessions: sessions}
}

// Run executes one cleanup sweep
func (j *SessionCleanupJob) Run(ctx context.Context) error {
	if j.sessions == nil {
		return nil
	}

	removed := j.sessions.CleanupExpired(ctx)
	if removed > 0 {
		log.Printf("🧹 [SESSIONS] Cleaned up %d expired sessions", removed)
	}
	return nil
}
