package models

import "time"

// Session represents a logged-in device. One session maps to one refresh
// token chain; rotation replaces the JTIs but keeps the session ID stable.
// Sessions are persisted as JSON (Redis) or in memory; API responses go
// through ToResponse, which omits the token internals.
type Session struct {
	ID         string     `json:"id"` // UUID, embedded in tokens as "sid"
	UserID     string     `json:"user_id"`
	RefreshJTI string     `json:"refresh_jti,omitempty"` // JTI of the currently valid refresh token
	UserAgent  string     `json:"user_agent,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the session can still mint tokens.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// TokenPair is the access/refresh pair returned by login and refresh
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"` // always "bearer"
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime in seconds
}

// LoginResponse is returned on successful authentication
type LoginResponse struct {
	TokenPair
	User UserResponse `json:"user"`
}

// RefreshRequest carries an explicit refresh token. The cookie is preferred;
// the body field exists for non-browser clients.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// SessionResponse is the API view of a session for the sessions list
type SessionResponse struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

// ToResponse converts Session to SessionResponse
func (s *Session) ToResponse(currentSID string) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		UserAgent:  s.UserAgent,
		IPAddress:  s.IPAddress,
		CreatedAt:  s.CreatedAt,
		LastSeenAt: s.LastSeenAt,
		ExpiresAt:  s.ExpiresAt,
		Current:    s.ID == currentSID,
	}
}
