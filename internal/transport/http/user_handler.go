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

	"github.com/go-chi/chi/v5"

	"github.com/openauth/openauth/internal/audit"
	"github.com/openauth/openauth/internal/identity"
	"github.com/openauth/openauth/internal/observability/logger"
)

// ListUsers pages through the tenant's users via the SQL mirror.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if h.userAdmin == nil {
		respondError(w, http.StatusServiceUnavailable, "mirror_unavailable", "user enumeration requires the mirror database")
		return
	}
	limit, offset := pageParams(r)
	tenantID := GetTenantID(r.Context())

	users, err := h.userAdmin.ListUsers(r.Context(), tenantID, limit, offset)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list users", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list users")
		return
	}
	total, err := h.userAdmin.CountUsers(r.Context(), tenantID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to count users", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list users")
		return
	}
	if users == nil {
		users = []*identity.User{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"users": users, "total": total})
}

// CreateUser provisions a user, optionally with a password credential.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string         `json:"email"`
		SubjectType string         `json:"subjectType"`
		Properties  map[string]any `json:"properties"`
		Password    string         `json:"password,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}

	tenantID := GetTenantID(r.Context())
	user, err := h.users.ProvisionUser(r.Context(), tenantID, req.Email, req.SubjectType, req.Properties)
	if err != nil {
		h.respondUserError(w, r, err)
		return
	}

	if req.Password != "" {
		if err := h.users.AddPassword(r.Context(), user.ID, req.Password); err != nil {
			// The user exists but is passwordless; the caller can retry
			// the credential separately.
			h.respondUserError(w, r, err)
			return
		}
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		EventType: audit.TypeGenerated,
		TenantID:  tenantID,
		Subject:   user.ID,
		IPAddress: getIPAddress(r),
		UserAgent: r.UserAgent(),
		Metadata:  map[string]any{"operation": "user_provisioned", "email": user.Email},
	})

	respondJSON(w, http.StatusCreated, user)
}

// GetUser returns one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondUserError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// UpdateUser replaces the user's subject properties.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	err := h.users.UpdateProperties(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "userID"), req.Properties)
	if err != nil {
		h.respondUserError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// DeleteUser soft-deletes a user. Their sessions and tokens are revoked
// separately through the admin session surface.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.users.DeleteUser(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "userID")); err != nil {
		h.respondUserError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) respondUserError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, identity.ErrUserAlreadyExists):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrWeakPassword):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		slog.ErrorContext(r.Context(), "user operation failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "user operation failed")
	}
}
