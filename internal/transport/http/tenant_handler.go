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

	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/tenant"
)

// ListTenants lists all tenants in the deployment.
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.ListTenants(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list tenants", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list tenants")
		return
	}
	if tenants == nil {
		tenants = []*tenant.Tenant{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

// CreateTenant registers a tenant with its domain mapping and branding.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var t tenant.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	created, err := h.tenants.CreateTenant(r.Context(), &t)
	if err != nil {
		h.respondTenantError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetTenant returns one tenant.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.respondTenantError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// UpdateTenant updates branding, settings, domain, or status.
func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	var t tenant.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	t.ID = chi.URLParam(r, "tenantID")

	updated, err := h.tenants.UpdateTenant(r.Context(), &t)
	if err != nil {
		h.respondTenantError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// DeleteTenant removes a tenant and its domain mapping.
func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := h.tenants.DeleteTenant(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.respondTenantError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) respondTenantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "tenant_not_found", err.Error())
	case errors.Is(err, tenant.ErrTenantAlreadyExists), errors.Is(err, tenant.ErrDomainTaken):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	default:
		slog.ErrorContext(r.Context(), "tenant operation failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "tenant operation failed")
	}
}
