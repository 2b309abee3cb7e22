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

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/oidc"
)

// Token handles POST /token (RFC 6749 Section 3.2): authorization_code,
// refresh_token, and client_credentials grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondTokenError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed form body"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")

	// Support Basic Auth (RFC 6749 Section 2.3.1)
	if clientID == "" {
		if username, password, ok := r.BasicAuth(); ok {
			clientID = username
			clientSecret = password
		}
	}

	req := &oauth2.TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.Form.Get("code_verifier"), // RFC 7636 Section 4.5
		RefreshToken: r.Form.Get("refresh_token"), // RFC 6749 Section 6
		Scope:        r.Form.Get("scope"),
		TenantID:     GetTenantID(r.Context()),
		IPAddress:    getIPAddress(r),
		UserAgent:    r.UserAgent(),
	}

	resp, err := h.tokens.Exchange(r.Context(), req)
	if err != nil {
		slog.WarnContext(r.Context(), "token request failed",
			logger.Error(err),
			logger.GrantType(req.GrantType),
			logger.ClientID(req.ClientID),
		)
		h.respondTokenError(w, r, err)
		return
	}

	// Prevent caching (RFC 6749 Section 5.1)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	respondJSON(w, http.StatusOK, resp)
}

// UserInfo handles GET /userinfo (OIDC Core Section 5.3) from a verified
// bearer token.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="openauth"`)
		respondError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
		return
	}

	claims, err := h.tokens.VerifyAccessToken(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="openauth", error="invalid_token"`)
		respondError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
		return
	}

	respondJSON(w, http.StatusOK, oidc.UserInfo(claims))
}

// Revoke handles POST /revoke (RFC 7009). Access tokens land on the deny
// list; the response is 200 even for unknown tokens so callers cannot
// probe token validity.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondTokenError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed form body"))
		return
	}

	token := r.Form.Get("token")
	if token == "" {
		h.respondTokenError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "missing token"))
		return
	}

	if claims, err := h.tokens.VerifyAccessToken(r.Context(), token); err == nil {
		if err := h.tokens.Revoke(r.Context(), claims); err != nil {
			slog.ErrorContext(r.Context(), "failed to revoke token", logger.Error(err))
			h.respondTokenError(w, r, oauth2.NewError(oauth2.ErrServerError, "revocation failed"))
			return
		}
	}

	// RFC 7009 Section 2.2: 200 regardless of whether the token was valid.
	w.WriteHeader(http.StatusOK)
}

// respondTokenError serializes a protocol error (RFC 6749 Section 5.2).
func (h *Handler) respondTokenError(w http.ResponseWriter, r *http.Request, err error) {
	var protoErr *oauth2.Error
	if errors.As(err, &protoErr) {
		status := http.StatusBadRequest
		switch protoErr.Code {
		case oauth2.ErrInvalidClient:
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Basic realm="openauth"`)
		case oauth2.ErrServerError:
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, protoErr)
		return
	}

	slog.ErrorContext(r.Context(), "token endpoint internal error", logger.Error(err))
	respondJSON(w, http.StatusInternalServerError, oauth2.NewError(oauth2.ErrServerError, "internal server error"))
}
