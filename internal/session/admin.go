// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"fmt"
	"time"
)

// ActiveWindow is the recency cutoff used by activeOnly listings and the
// active-session statistic.
const ActiveWindow = 7 * 24 * time.Hour

// UserSessionRow joins an account session with its browser session for
// admin listings.
type UserSessionRow struct {
	BrowserSessionID string    `json:"browser_session_id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	ClientID         string    `json:"client_id"`
	SubjectType      string    `json:"subject_type"`
	IsActive         bool      `json:"is_active"`
	AuthenticatedAt  time.Time `json:"authenticated_at"`
	LastActivity     time.Time `json:"last_activity"`
	UserAgent        string    `json:"user_agent,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
}

// Stats aggregates session counts for a tenant or the whole deployment.
type Stats struct {
	TotalBrowserSessions  int `json:"totalBrowserSessions"`
	TotalAccountSessions  int `json:"totalAccountSessions"`
	ActiveSessionsLast24h int `json:"activeSessionsLast24h"`
	UniqueUsers           int `json:"uniqueUsers"`
}

// AdminStore is the SQL query surface behind the admin session service.
// Every method scopes by tenant_id; implementations must never widen that.
type AdminStore interface {
	ListUserSessions(ctx context.Context, userID, tenantID string, limit, offset int) ([]*UserSessionRow, error)
	ListTenantSessions(ctx context.Context, tenantID string, activeOnly bool, limit, offset int) ([]*BrowserSession, error)
	// DeleteBrowserSessionCascade removes a browser session and its account
	// rows, returning the number of account rows removed. ErrSessionNotFound
	// when no row matched.
	DeleteBrowserSessionCascade(ctx context.Context, sessionID, tenantID string) (int, error)
	// DeleteUserSessions removes every browser session holding an account
	// for userID, returning the number of browser sessions removed.
	DeleteUserSessions(ctx context.Context, userID, tenantID string) ([]string, error)
	ListExpiredSessions(ctx context.Context, olderThan time.Time, limit int) ([]*BrowserSession, error)
	DeleteExpiredSessions(ctx context.Context, olderThan time.Time) (int, error)
	SessionStats(ctx context.Context, tenantID string) (*Stats, error)
}

// AdminService answers enumeration and bulk-revocation queries the KV layout
// cannot express. It reads SQL exclusively and keeps the KV in step when
// revoking.
type AdminService struct {
	store    AdminStore
	sessions *Service
}

// NewAdminService creates the admin session service. sessions is used to
// propagate revocations into the KV.
func NewAdminService(store AdminStore, sessions *Service) *AdminService {
	return &AdminService{store: store, sessions: sessions}
}

// ListUserSessions lists a user's sessions within a tenant.
func (s *AdminService) ListUserSessions(ctx context.Context, userID, tenantID string, limit, offset int) ([]*UserSessionRow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListUserSessions(ctx, userID, tenantID, limit, offset)
}

// ListTenantSessions lists a tenant's browser sessions. activeOnly filters
// to sessions seen within ActiveWindow.
func (s *AdminService) ListTenantSessions(ctx context.Context, tenantID string, activeOnly bool, limit, offset int) ([]*BrowserSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListTenantSessions(ctx, tenantID, activeOnly, limit, offset)
}

// RevokeSession deletes one browser session (and its accounts) from both
// stores. Returns the number of account sessions revoked.
func (s *AdminService) RevokeSession(ctx context.Context, sessionID, tenantID string) (int, error) {
	accounts, err := s.store.DeleteBrowserSessionCascade(ctx, sessionID, tenantID)
	if err != nil {
		return 0, err
	}
	if err := s.sessions.DestroyBrowserSession(ctx, sessionID, tenantID); err != nil {
		// The SQL row is gone; a stale KV entry only survives until TTL.
		return accounts, fmt.Errorf("revoked in mirror but KV cleanup failed: %w", err)
	}
	return accounts, nil
}

// RevokeAllUserSessions kills every session holding the user. Returns the
// number of browser sessions revoked.
func (s *AdminService) RevokeAllUserSessions(ctx context.Context, userID, tenantID string) (int, error) {
	sessionIDs, err := s.store.DeleteUserSessions(ctx, userID, tenantID)
	if err != nil {
		return 0, err
	}
	for _, id := range sessionIDs {
		if err := s.sessions.DestroyBrowserSession(ctx, id, tenantID); err != nil {
			return len(sessionIDs), fmt.Errorf("revoked in mirror but KV cleanup failed: %w", err)
		}
	}
	return len(sessionIDs), nil
}

// GetExpiredSessions lists sessions idle longer than maxAge.
func (s *AdminService) GetExpiredSessions(ctx context.Context, maxAge time.Duration, limit int) ([]*BrowserSession, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListExpiredSessions(ctx, time.Now().Add(-maxAge), limit)
}

// CleanupExpiredSessions deletes sessions idle longer than maxAge from the
// mirror. KV entries expire on their own TTL.
func (s *AdminService) CleanupExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.DeleteExpiredSessions(ctx, time.Now().Add(-maxAge))
}

// GetSessionStats aggregates counts; tenantID empty means deployment-wide.
func (s *AdminService) GetSessionStats(ctx context.Context, tenantID string) (*Stats, error) {
	return s.store.SessionStats(ctx, tenantID)
}
