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

package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/session"
)

// Admin session surfaces read from the SQL mirror; deployments running
// KV-only get a 503 here rather than partial answers.
func (h *Handler) requireMirror(w http.ResponseWriter) bool {
	if h.sessionAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "mirror_unavailable", "admin queries require the mirror database")
		return false
	}
	return true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// ListTenantSessions lists browser sessions for the tenant. ?active=true
// restricts to recently seen, unexpired sessions.
func (h *Handler) ListTenantSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireMirror(w) {
		return
	}
	limit, offset := pageParams(r)
	activeOnly := r.URL.Query().Get("active") == "true"

	sessions, err := h.sessionAdmin.ListTenantSessions(r.Context(), GetTenantID(r.Context()), activeOnly, limit, offset)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list tenant sessions", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*session.BrowserSession{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// SessionStats aggregates session counts for the tenant.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireMirror(w) {
		return
	}

	stats, err := h.sessionAdmin.GetSessionStats(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to collect session stats", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to collect stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// CleanupSessions sweeps sessions whose absolute lifetime has passed.
func (h *Handler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireMirror(w) {
		return
	}

	maxAge := time.Duration(0)
	if v, err := strconv.Atoi(r.URL.Query().Get("maxAgeHours")); err == nil && v > 0 {
		maxAge = time.Duration(v) * time.Hour
	}

	removed, err := h.sessionAdmin.CleanupExpiredSessions(r.Context(), maxAge)
	if err != nil {
		slog.ErrorContext(r.Context(), "session cleanup failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "cleanup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

// RevokeSession force-terminates one browser session.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireMirror(w) {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	accounts, err := h.sessionAdmin.RevokeSession(r.Context(), sessionID, GetTenantID(r.Context()))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		slog.ErrorContext(r.Context(), "failed to revoke session", logger.SessionID(sessionID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to revoke session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "accountsRemoved": accounts})
}

// ListUserSessions lists a user's sessions across devices.
func (h *Handler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireMirror(w) {
		return
	}
	limit, offset := pageParams(r)
	userID := chi.URLParam(r, "userID")

	rows, err := h.sessionAdmin.ListUserSessions(r.Context(), userID, GetTenantID(r.Context()), limit, offset)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list user sessions", logger.UserID(userID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list sessions")
		return
	}
	if rows == nil {
		rows = []*session.UserSessionRow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

// RevokeUserSessions terminates every session holding an account for the
// user, the "log me out everywhere" operation.
func (h *Handler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireMirror(w) {
		return
	}
	userID := chi.URLParam(r, "userID")

	revoked, err := h.sessionAdmin.RevokeAllUserSessions(r.Context(), userID, GetTenantID(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to revoke user sessions", logger.UserID(userID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to revoke sessions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "sessionsRevoked": revoked})
}

// TokenAuditHistory returns the recorded lifecycle of one token.
func (h *Handler) TokenAuditHistory(w http.ResponseWriter, r *http.Request) {
	if h.auditQueries == nil {
		respondError(w, http.StatusServiceUnavailable, "mirror_unavailable", "audit queries require the mirror database")
		return
	}
	limit, _ := pageParams(r)

	events := h.auditQueries.TokenHistory(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "tokenID"), limit)
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SubjectAuditHistory returns a subject's token activity.
func (h *Handler) SubjectAuditHistory(w http.ResponseWriter, r *http.Request) {
	if h.auditQueries == nil {
		respondError(w, http.StatusServiceUnavailable, "mirror_unavailable", "audit queries require the mirror database")
		return
	}
	limit, _ := pageParams(r)

	events := h.auditQueries.SubjectHistory(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "subject"), limit)
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// AuditSummary aggregates event counts per type since a cutoff.
func (h *Handler) AuditSummary(w http.ResponseWriter, r *http.Request) {
	if h.auditQueries == nil {
		respondError(w, http.StatusServiceUnavailable, "mirror_unavailable", "audit queries require the mirror database")
		return
	}

	sinceHours := 24
	if v, err := strconv.Atoi(r.URL.Query().Get("sinceHours")); err == nil && v > 0 {
		sinceHours = v
	}
	since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)

	summary := h.auditQueries.Summary(r.Context(), GetTenantID(r.Context()), since)
	respondJSON(w, http.StatusOK, map[string]any{"since": since, "counts": summary})
}
