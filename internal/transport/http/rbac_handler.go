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
	"github.com/openauth/openauth/internal/rbac"
)

// CheckPermission answers a single permission question for resource
// servers.
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId"`
		ClientID   string `json:"clientId"`
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Permission == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId and permission are required")
		return
	}

	allowed, err := h.rbac.CheckPermission(r.Context(), GetTenantID(r.Context()), req.UserID, req.ClientID, req.Permission)
	if err != nil {
		slog.ErrorContext(r.Context(), "permission check failed", logger.Error(err), logger.UserID(req.UserID))
		respondError(w, http.StatusInternalServerError, "server_error", "permission check failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

// CheckPermissionsBatch answers several permission questions in one
// round trip.
func (h *Handler) CheckPermissionsBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string   `json:"userId"`
		ClientID    string   `json:"clientId"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || len(req.Permissions) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId and permissions are required")
		return
	}

	results, err := h.rbac.CheckPermissions(r.Context(), GetTenantID(r.Context()), req.UserID, req.ClientID, req.Permissions)
	if err != nil {
		slog.ErrorContext(r.Context(), "batch permission check failed", logger.Error(err), logger.UserID(req.UserID))
		respondError(w, http.StatusInternalServerError, "server_error", "permission check failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ResolvePermissions returns the effective permission set for a user and
// client.
func (h *Handler) ResolvePermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	clientID := r.URL.Query().Get("clientId")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	permissions, err := h.rbac.ResolvePermissions(r.Context(), GetTenantID(r.Context()), userID, clientID)
	if err != nil {
		slog.ErrorContext(r.Context(), "permission resolution failed", logger.Error(err), logger.UserID(userID))
		respondError(w, http.StatusInternalServerError, "server_error", "permission resolution failed")
		return
	}
	if permissions == nil {
		permissions = []string{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"permissions": permissions})
}

// ListRoles lists the tenant's roles.
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.rbac.ListRoles(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list roles", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list roles")
		return
	}
	if roles == nil {
		roles = []*rbac.Role{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// CreateRole creates a tenant role.
func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	role, err := h.rbac.CreateRole(r.Context(), GetTenantID(r.Context()), req.Name, req.Description, false)
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, role)
}

// UpdateRole renames a role or updates its description.
func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	role, err := h.rbac.UpdateRole(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "roleID"), req.Name, req.Description)
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, role)
}

// DeleteRole removes a role and its assignments.
func (h *Handler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.rbac.DeleteRole(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "roleID")); err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListPermissions lists an app's registered permissions.
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "clientId is required")
		return
	}

	permissions, err := h.rbac.ListPermissions(r.Context(), clientID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list permissions", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list permissions")
		return
	}
	if permissions == nil {
		permissions = []*rbac.Permission{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"permissions": permissions})
}

// CreatePermission registers an app-scoped permission.
func (h *Handler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
		Name     string `json:"name"`
		Resource string `json:"resource"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "clientId and name are required")
		return
	}

	perm, err := h.rbac.CreatePermission(r.Context(), req.ClientID, req.Name, req.Resource, req.Action)
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, perm)
}

// AssignPermissionToRole grants a permission through a role.
func (h *Handler) AssignPermissionToRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PermissionID string `json:"permissionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PermissionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "permissionId is required")
		return
	}

	err := h.rbac.AssignPermissionToRole(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "roleID"), req.PermissionID)
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RemovePermissionFromRole revokes a permission from a role.
func (h *Handler) RemovePermissionFromRole(w http.ResponseWriter, r *http.Request) {
	err := h.rbac.RemovePermissionFromRole(r.Context(), GetTenantID(r.Context()),
		chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"))
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// AssignRoleToUser grants a role, optionally with an expiry. The assigner
// is the admin token's subject; self-assignment and assigning system
// roles one does not hold are rejected by the service.
func (h *Handler) AssignRoleToUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoleID    string     `json:"roleId"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoleID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "roleId is required")
		return
	}

	assignedBy := ""
	if claims := GetAccessClaims(r.Context()); claims != nil {
		assignedBy = claims.Subject
	}

	err := h.rbac.AssignRoleToUser(r.Context(), GetTenantID(r.Context()),
		chi.URLParam(r, "userID"), req.RoleID, assignedBy, req.ExpiresAt)
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RemoveRoleFromUser revokes a role assignment.
func (h *Handler) RemoveRoleFromUser(w http.ResponseWriter, r *http.Request) {
	err := h.rbac.RemoveRoleFromUser(r.Context(), GetTenantID(r.Context()),
		chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondRBACError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) respondRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrRoleNotFound), errors.Is(err, rbac.ErrPermissionNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, rbac.ErrRoleAlreadyExists):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, rbac.ErrInvalidRoleName):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, rbac.ErrCannotModifySystemRole),
		errors.Is(err, rbac.ErrSelfAssignment),
		errors.Is(err, rbac.ErrPrivilegeEscalation):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		slog.ErrorContext(r.Context(), "rbac operation failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "rbac operation failed")
	}
}
