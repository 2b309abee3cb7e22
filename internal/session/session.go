package session

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrAccountNotFound = errors.New("account not found")
)

// DefaultMaxAccounts is the per-browser account cap.
const DefaultMaxAccounts = 3

// DefaultLifetime is the absolute browser-session TTL.
const DefaultLifetime = 7 * 24 * time.Hour

// BrowserSession is the cookie-anchored container of up to N logged-in
// accounts for one browser.
type BrowserSession struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	// ActiveUserID is nil or the user of exactly one account session in
	// this browser session.
	ActiveUserID *string `json:"active_user_id,omitempty"`
	Version      int     `json:"version"`
}

// IsExpired checks the absolute bound.
func (s *BrowserSession) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AccountSession is one logged-in user within a browser session.
type AccountSession struct {
	ID                string         `json:"id"`
	BrowserSessionID  string         `json:"browser_session_id"`
	UserID            string         `json:"user_id"`
	SubjectType       string         `json:"subject_type"`
	SubjectProperties map[string]any `json:"subject_properties,omitempty"`
	ClientID          string         `json:"client_id"`
	// RefreshToken is the session-scoped opaque token. It shares only a
	// naming family with OAuth refresh tokens, which live under
	// oauth:refresh:* and rotate independently.
	RefreshToken    string    `json:"refresh_token,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	IsActive        bool      `json:"is_active"`
}

// CookiePayload is the plaintext of the encrypted session cookie.
type CookiePayload struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
	IssuedAt  int64  `json:"issuedAt"`
}

// Mirror is the SQL side of the dual-store. Writes through it are best
// effort; the KV store remains authoritative for hot-path reads.
type Mirror interface {
	UpsertBrowserSession(ctx context.Context, s *BrowserSession) error
	UpsertAccountSession(ctx context.Context, a *AccountSession) error
	DeleteAccountSession(ctx context.Context, browserSessionID, userID string) error
	// DeleteBrowserSession cascades to the session's account rows.
	DeleteBrowserSession(ctx context.Context, browserSessionID string) error
}
