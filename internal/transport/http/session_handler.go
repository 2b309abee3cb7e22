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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/oidc"
	"github.com/openauth/openauth/internal/session"
)

// accountView is the public shape of an account session. The
// session-scoped refresh token never leaves the server.
type accountView struct {
	UserID          string    `json:"userId"`
	SubjectType     string    `json:"subjectType"`
	Email           string    `json:"email,omitempty"`
	ClientID        string    `json:"clientId,omitempty"`
	IsActive        bool      `json:"isActive"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func toAccountView(a *session.AccountSession) accountView {
	return accountView{
		UserID:          a.UserID,
		SubjectType:     a.SubjectType,
		Email:           oidc.AccountEmail(a),
		ClientID:        a.ClientID,
		IsActive:        a.IsActive,
		AuthenticatedAt: a.AuthenticatedAt,
		ExpiresAt:       a.ExpiresAt,
	}
}

// SessionCheck answers "is this browser logged in" for first-party
// frontends on other origins, hence the credentialed CORS handling.
func (h *Handler) SessionCheck(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess := GetBrowserSession(r.Context())
	if sess == nil {
		respondJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	accounts, err := h.sessions.ListAccounts(r.Context(), sess.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list session accounts", logger.Error(err))
		respondJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	resp := map[string]any{
		"active":       len(accounts) > 0,
		"sessionId":    sess.ID,
		"tenantId":     sess.TenantID,
		"accountCount": len(accounts),
	}
	if sess.ActiveUserID != nil {
		resp["activeUserId"] = *sess.ActiveUserID
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListSessionAccounts returns the accounts attached to this browser.
func (h *Handler) ListSessionAccounts(w http.ResponseWriter, r *http.Request) {
	sess := GetBrowserSession(r.Context())

	accounts, err := h.sessions.ListAccounts(r.Context(), sess.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list session accounts", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list accounts")
		return
	}

	views := []accountView{}
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}

	resp := map[string]any{"accounts": views}
	if sess.ActiveUserID != nil {
		resp["activeUserId"] = *sess.ActiveUserID
	}
	respondJSON(w, http.StatusOK, resp)
}

// SwitchAccount makes another attached account the active one.
func (h *Handler) SwitchAccount(w http.ResponseWriter, r *http.Request) {
	sess := GetBrowserSession(r.Context())

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	err := h.sessions.SwitchActiveAccount(r.Context(), sess.ID, sess.TenantID, req.UserID)
	if err != nil {
		if errors.Is(err, session.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account_not_found", "no such account in this session")
			return
		}
		slog.ErrorContext(r.Context(), "failed to switch account", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to switch account")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "activeUserId": req.UserID})
}

// RemoveSessionAccount logs one account out of this browser. The browser
// session itself survives as long as other accounts remain.
func (h *Handler) RemoveSessionAccount(w http.ResponseWriter, r *http.Request) {
	sess := GetBrowserSession(r.Context())
	userID := chi.URLParam(r, "userID")

	err := h.sessions.RemoveAccount(r.Context(), sess.ID, sess.TenantID, userID)
	if err != nil {
		if errors.Is(err, session.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account_not_found", "no such account in this session")
			return
		}
		slog.ErrorContext(r.Context(), "failed to remove account", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to remove account")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Logout destroys the browser session and every attached account.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := GetBrowserSession(r.Context())

	if err := h.sessions.DestroyBrowserSession(r.Context(), sess.ID, sess.TenantID); err != nil {
		slog.ErrorContext(r.Context(), "failed to destroy session", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to log out")
		return
	}

	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
