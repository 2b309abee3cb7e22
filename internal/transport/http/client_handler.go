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

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/observability/logger"
)

// ListClients lists the tenant's registered OAuth clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.clients.ListClients(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list clients", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "failed to list clients")
		return
	}
	if clients == nil {
		clients = []*oauth2.Client{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// CreateClient registers an OAuth client. The plaintext secret appears
// exactly once, in this response.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		oauth2.Client
		Confidential bool `json:"confidential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if len(req.RedirectURIs) == 0 && req.Confidential == false {
		respondError(w, http.StatusBadRequest, "invalid_request", "redirect_uris are required for public clients")
		return
	}

	client := req.Client
	client.TenantID = GetTenantID(r.Context())

	secret, err := h.clients.CreateClient(r.Context(), &client, req.Confidential)
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}

	resp := map[string]any{"client": &client}
	if secret != "" {
		resp["client_secret"] = secret
	}
	respondJSON(w, http.StatusCreated, resp)
}

// GetClient returns one client.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.clients.GetClient(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "clientID"))
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// UpdateClient updates redirect URIs, scopes, grants, or TTL overrides.
func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var client oauth2.Client
	if err := json.NewDecoder(r.Body).Decode(&client); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	client.TenantID = GetTenantID(r.Context())
	client.ClientID = chi.URLParam(r, "clientID")

	if err := h.clients.UpdateClient(r.Context(), &client); err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, &client)
}

// DeleteClient soft-deletes a client; its tokens stop verifying at the
// next introspection against the client record.
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := h.clients.DeleteClient(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "clientID")); err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RotateClientSecret replaces the client secret, returning the new
// plaintext exactly once.
func (h *Handler) RotateClientSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := h.clients.RotateSecret(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "clientID"))
	if err != nil {
		h.respondClientError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"client_secret": secret})
}

func (h *Handler) respondClientError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, oauth2.ErrClientNotFound):
		respondError(w, http.StatusNotFound, "client_not_found", err.Error())
	case errors.Is(err, oauth2.ErrClientAlreadyExists):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	default:
		slog.ErrorContext(r.Context(), "client operation failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "server_error", "client operation failed")
	}
}
