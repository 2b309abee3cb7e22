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
	"net/http"

	"github.com/openauth/openauth/internal/oidc"
)

// Discovery serves /.well-known/openid-configuration (OIDC Discovery
// Section 4).
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, oidc.NewProviderMetadata(h.cfg.Issuer))
}

// AuthServerMetadata serves /.well-known/oauth-authorization-server
// (RFC 8414).
func (h *Handler) AuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, oidc.NewAuthServerMetadata(h.cfg.Issuer))
}

// JWKS serves the public key set for access-token verification. Retired
// keys stay in the set until their tokens age out.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, http.StatusOK, h.keyring.PublicJWKS())
}
