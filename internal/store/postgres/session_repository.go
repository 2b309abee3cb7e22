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

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openauth/openauth/internal/session"
)

// SessionRepository implements session.Mirror and session.AdminStore. The
// session-scoped refresh token is deliberately not mirrored: it lives only
// in the KV store.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// UpsertBrowserSession writes or refreshes a browser session row.
func (r *SessionRepository) UpsertBrowserSession(ctx context.Context, s *session.BrowserSession) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO browser_sessions (id, tenant_id, created_at, last_activity, expires_at, user_agent, ip_address, active_user_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at,
			active_user_id = EXCLUDED.active_user_id,
			version = EXCLUDED.version
	`,
		s.ID, s.TenantID, s.CreatedAt, s.LastActivity, s.ExpiresAt,
		s.UserAgent, s.IPAddress, s.ActiveUserID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert browser session: %w", err)
	}
	return nil
}

// UpsertAccountSession writes or refreshes an account row. The natural key
// is (browser_session_id, user_id): re-authenticating the same user in the
// same browser replaces the row.
func (r *SessionRepository) UpsertAccountSession(ctx context.Context, a *session.AccountSession) error {
	props, err := json.Marshal(a.SubjectProperties)
	if err != nil {
		return fmt.Errorf("failed to encode subject properties: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO account_sessions (id, browser_session_id, user_id, subject_type, subject_properties, client_id, authenticated_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (browser_session_id, user_id) DO UPDATE SET
			subject_type = EXCLUDED.subject_type,
			subject_properties = EXCLUDED.subject_properties,
			client_id = EXCLUDED.client_id,
			authenticated_at = EXCLUDED.authenticated_at,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active
	`,
		a.ID, a.BrowserSessionID, a.UserID, a.SubjectType, props,
		a.ClientID, a.AuthenticatedAt, a.ExpiresAt, a.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account session: %w", err)
	}
	return nil
}

// DeleteAccountSession removes one account from a browser session.
func (r *SessionRepository) DeleteAccountSession(ctx context.Context, browserSessionID, userID string) error {
	_, err := r.db.pool.Exec(ctx, `
		DELETE FROM account_sessions WHERE browser_session_id = $1 AND user_id = $2
	`, browserSessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete account session: %w", err)
	}
	return nil
}

// DeleteBrowserSession removes a browser session; account rows go with it
// through the foreign key cascade.
func (r *SessionRepository) DeleteBrowserSession(ctx context.Context, browserSessionID string) error {
	_, err := r.db.pool.Exec(ctx, `
		DELETE FROM browser_sessions WHERE id = $1
	`, browserSessionID)
	if err != nil {
		return fmt.Errorf("failed to delete browser session: %w", err)
	}
	return nil
}

// ListUserSessions lists a user's sessions within a tenant, most recent
// activity first.
func (r *SessionRepository) ListUserSessions(ctx context.Context, userID, tenantID string, limit, offset int) ([]*session.UserSessionRow, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT b.id, b.tenant_id, a.user_id, a.client_id, a.subject_type, a.is_active,
			a.authenticated_at, b.last_activity, b.user_agent, b.ip_address
		FROM account_sessions a
		JOIN browser_sessions b ON b.id = a.browser_session_id
		WHERE a.user_id = $1 AND b.tenant_id = $2
		ORDER BY b.last_activity DESC
		LIMIT $3 OFFSET $4
	`, userID, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.UserSessionRow
	for rows.Next() {
		var row session.UserSessionRow
		if err := rows.Scan(
			&row.BrowserSessionID, &row.TenantID, &row.UserID, &row.ClientID, &row.SubjectType,
			&row.IsActive, &row.AuthenticatedAt, &row.LastActivity, &row.UserAgent, &row.IPAddress,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user session: %w", err)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// ListTenantSessions lists browser sessions for a tenant. activeOnly limits
// the result to unexpired sessions seen within the active window.
func (r *SessionRepository) ListTenantSessions(ctx context.Context, tenantID string, activeOnly bool, limit, offset int) ([]*session.BrowserSession, error) {
	query := `
		SELECT id, tenant_id, created_at, last_activity, expires_at, user_agent, ip_address, active_user_id, version
		FROM browser_sessions
		WHERE tenant_id = $1
		ORDER BY last_activity DESC
		LIMIT $2 OFFSET $3
	`
	args := []any{tenantID, limit, offset}
	if activeOnly {
		query = `
			SELECT id, tenant_id, created_at, last_activity, expires_at, user_agent, ip_address, active_user_id, version
			FROM browser_sessions
			WHERE tenant_id = $1 AND expires_at > now() AND last_activity > $4
			ORDER BY last_activity DESC
			LIMIT $2 OFFSET $3
		`
		args = append(args, time.Now().Add(-session.ActiveWindow))
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant sessions: %w", err)
	}
	defer rows.Close()

	return scanBrowserSessions(rows)
}

// DeleteBrowserSessionCascade removes a browser session and reports how many
// account rows went with it.
func (r *SessionRepository) DeleteBrowserSessionCascade(ctx context.Context, sessionID, tenantID string) (int, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var accounts int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM account_sessions WHERE browser_session_id = $1
	`, sessionID).Scan(&accounts)
	if err != nil {
		return 0, fmt.Errorf("failed to count account sessions: %w", err)
	}

	result, err := tx.Exec(ctx, `
		DELETE FROM browser_sessions WHERE id = $1 AND tenant_id = $2
	`, sessionID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete browser session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return 0, session.ErrSessionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return accounts, nil
}

// DeleteUserSessions removes every browser session holding an account for
// the user, returning the removed session IDs.
func (r *SessionRepository) DeleteUserSessions(ctx context.Context, userID, tenantID string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		DELETE FROM browser_sessions
		WHERE tenant_id = $2 AND id IN (
			SELECT browser_session_id FROM account_sessions WHERE user_id = $1
		)
		RETURNING id
	`, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExpiredSessions pages through sessions whose absolute lifetime has
// passed, oldest first.
func (r *SessionRepository) ListExpiredSessions(ctx context.Context, olderThan time.Time, limit int) ([]*session.BrowserSession, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, created_at, last_activity, expires_at, user_agent, ip_address, active_user_id, version
		FROM browser_sessions
		WHERE expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	return scanBrowserSessions(rows)
}

// DeleteExpiredSessions removes all sessions expired before the cutoff.
func (r *SessionRepository) DeleteExpiredSessions(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM browser_sessions WHERE expires_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// SessionStats aggregates session counts. An empty tenantID aggregates the
// whole deployment.
func (r *SessionRepository) SessionStats(ctx context.Context, tenantID string) (*session.Stats, error) {
	var stats session.Stats
	err := r.db.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM browser_sessions b
				WHERE $1 = '' OR b.tenant_id = $1),
			(SELECT count(*) FROM account_sessions a
				JOIN browser_sessions b ON b.id = a.browser_session_id
				WHERE $1 = '' OR b.tenant_id = $1),
			(SELECT count(*) FROM browser_sessions b
				WHERE (b.last_activity > now() - interval '24 hours')
					AND ($1 = '' OR b.tenant_id = $1)),
			(SELECT count(DISTINCT a.user_id) FROM account_sessions a
				JOIN browser_sessions b ON b.id = a.browser_session_id
				WHERE $1 = '' OR b.tenant_id = $1)
	`, tenantID).Scan(
		&stats.TotalBrowserSessions, &stats.TotalAccountSessions,
		&stats.ActiveSessionsLast24h, &stats.UniqueUsers,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to collect session stats: %w", err)
	}
	return &stats, nil
}

func scanBrowserSessions(rows pgx.Rows) ([]*session.BrowserSession, error) {
	var out []*session.BrowserSession
	for rows.Next() {
		var s session.BrowserSession
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.CreatedAt, &s.LastActivity, &s.ExpiresAt,
			&s.UserAgent, &s.IPAddress, &s.ActiveUserID, &s.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan browser session: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
