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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/storage"
	"github.com/openauth/openauth/internal/tenant"
	"github.com/openauth/openauth/internal/theme"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.InfoContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// TenantMiddleware resolves the serving tenant from the request (custom
// domain, subdomain, path prefix, header, or query parameter) and attaches
// it, the resolved theme, and a tenant-scoped storage facade to the
// context. Requests that resolve to no servable tenant get a 404; no
// handler below this point runs without a tenant.
func (h *Handler) TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := h.resolver.Resolve(r.Context(), r)
		if err != nil {
			if errors.Is(err, tenant.ErrTenantNotFound) {
				respondError(w, http.StatusNotFound, "tenant_not_found", "no tenant serves this request")
				return
			}
			slog.ErrorContext(r.Context(), "tenant resolution failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "server_error", "tenant resolution failed")
			return
		}
		if !t.IsServable() {
			respondError(w, http.StatusNotFound, "tenant_not_found", "no tenant serves this request")
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey, t)
		ctx = theme.NewContext(ctx, h.themes.Resolve(ctx, t))
		if h.kv != nil {
			scoped := storage.WithPrefix(h.kv, storage.TenantPrefix(t.ID))
			ctx = context.WithValue(ctx, tenantStorageKey, storage.Storage(scoped))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionMiddleware decodes the encrypted session cookie and loads the
// browser session. A cookie that fails authentication, references a
// missing or expired session, or belongs to another tenant is treated as
// absent: the request proceeds unauthenticated with the cookie cleared.
func (h *Handler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := h.readSessionCookie(r)
		if payload == nil {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := GetTenantID(r.Context())
		if payload.TenantID != tenantID {
			h.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		sess, err := h.sessions.GetBrowserSession(r.Context(), payload.SessionID, tenantID)
		if err != nil {
			h.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		// Sliding activity window; failure here never blocks the request.
		if err := h.sessions.Touch(r.Context(), sess.ID, tenantID); err != nil {
			slog.WarnContext(r.Context(), "failed to touch session",
				logger.SessionID(sess.ID), logger.TenantID(tenantID), logger.Error(err))
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests without an authenticated browser session.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetBrowserSession(r.Context()) == nil {
			respondError(w, http.StatusUnauthorized, "not_authenticated", "a valid session is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireBearer admits any request carrying a verifiable token, whether
// an interactive access token or a machine token. Used by the RBAC check
// endpoints, which resource servers call with their own credentials.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
			return
		}

		if claims, err := h.tokens.VerifyAccessToken(r.Context(), token); err == nil {
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if _, err := oauth2.VerifyM2MToken(h.keyring, token, h.cfg.Issuer, ""); err == nil {
			next.ServeHTTP(w, r)
			return
		}

		respondError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
	})
}

// RequireAdmin gates the admin plane behind a bearer token carrying the
// admin permission. Both interactive access tokens and machine tokens are
// accepted; machine tokens must carry the permission as a scope.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
			return
		}

		if claims, err := h.tokens.VerifyAccessToken(r.Context(), token); err == nil {
			allowed := containsString(claims.Permissions, h.cfg.AdminPermission)
			if !allowed && h.rbac != nil {
				// Token minted before the grant; fall back to a live check.
				var checkErr error
				allowed, checkErr = h.rbac.CheckPermission(r.Context(),
					GetTenantID(r.Context()), claims.Subject, claims.ClientID, h.cfg.AdminPermission)
				if checkErr != nil {
					slog.ErrorContext(r.Context(), "admin permission check failed", logger.Error(checkErr))
				}
			}
			if !allowed {
				respondError(w, http.StatusForbidden, "forbidden", "admin permission required")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		m2m, err := oauth2.VerifyM2MToken(h.keyring, token, h.cfg.Issuer, "")
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
			return
		}
		if !containsString(strings.Fields(m2m.Scope), h.cfg.AdminPermission) {
			respondError(w, http.StatusForbidden, "forbidden", "admin scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRBAC answers 503 on the RBAC surface when the deployment runs
// without the SQL database that backs role storage.
func (h *Handler) requireRBAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.rbac == nil {
			respondError(w, http.StatusServiceUnavailable, "rbac_unavailable", "role management requires the mirror database")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
