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

// Package http is the transport layer: one chi router serving the OAuth
// protocol surface, the session API, RBAC checks, and the admin plane.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openauth/openauth/internal/audit"
	"github.com/openauth/openauth/internal/identity"
	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/oidc"
	"github.com/openauth/openauth/internal/provider"
	"github.com/openauth/openauth/internal/rbac"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/session"
	"github.com/openauth/openauth/internal/storage"
	"github.com/openauth/openauth/internal/tenant"
	"github.com/openauth/openauth/internal/theme"
)

// cookieAAD binds sealed session cookies to their purpose so a blob from
// another AEAD surface cannot be replayed as a cookie.
const cookieAAD = "openauth.session.cookie"

// UserDirectory is the SQL-backed enumeration surface for admin user
// listings. Nil when the deployment runs without a mirror database.
type UserDirectory interface {
	ListUsers(ctx context.Context, tenantID string, limit, offset int) ([]*identity.User, error)
	CountUsers(ctx context.Context, tenantID string) (int, error)
}

// Config holds transport configuration
type Config struct {
	Issuer          string
	CookieName      string
	CookieDomain    string
	CookieSecure    bool
	AdminPermission string
}

// Deps bundles the services the handler dispatches into.
type Deps struct {
	KV           storage.Storage
	Tenants      *tenant.Service
	Resolver     *tenant.Resolver
	Themes       *theme.Resolver
	Sessions     *session.Service
	SessionAdmin *session.AdminService
	Users        *identity.Service
	UserAdmin    UserDirectory
	Clients      *oauth2.ClientService
	Tokens       *oauth2.TokenService
	Authorize    *oidc.Service
	RBAC         *rbac.Service
	Providers    *provider.Registry
	Bridge       *provider.Bridge
	AuditLogger  audit.Logger
	AuditQueries *audit.QueryService
	Codec        *secrets.Codec
	Keyring      *secrets.Keyring
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	kv           storage.Storage
	tenants      *tenant.Service
	resolver     *tenant.Resolver
	themes       *theme.Resolver
	sessions     *session.Service
	sessionAdmin *session.AdminService
	users        *identity.Service
	userAdmin    UserDirectory
	clients      *oauth2.ClientService
	tokens       *oauth2.TokenService
	authorize    *oidc.Service
	rbac         *rbac.Service
	providers    *provider.Registry
	bridge       *provider.Bridge
	auditLogger  audit.Logger
	auditQueries *audit.QueryService
	codec        *secrets.Codec
	keyring      *secrets.Keyring
	cfg          Config
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps, cfg Config) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "openauth.session"
	}
	if cfg.AdminPermission == "" {
		cfg.AdminPermission = "admin:manage"
	}
	return &Handler{
		kv:           d.KV,
		tenants:      d.Tenants,
		resolver:     d.Resolver,
		themes:       d.Themes,
		sessions:     d.Sessions,
		sessionAdmin: d.SessionAdmin,
		users:        d.Users,
		userAdmin:    d.UserAdmin,
		clients:      d.Clients,
		tokens:       d.Tokens,
		authorize:    d.Authorize,
		rbac:         d.RBAC,
		providers:    d.Providers,
		bridge:       d.Bridge,
		auditLogger:  d.AuditLogger,
		auditQueries: d.AuditQueries,
		codec:        d.Codec,
		keyring:      d.Keyring,
		cfg:          cfg,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	// Discovery documents are tenant-agnostic (OIDC Discovery Section 4,
	// RFC 8414)
	r.Get("/.well-known/openid-configuration", h.Discovery)
	r.Get("/.well-known/oauth-authorization-server", h.AuthServerMetadata)
	r.Get("/.well-known/jwks.json", h.JWKS)

	// Everything below runs inside a resolved tenant
	r.Group(func(r chi.Router) {
		r.Use(h.TenantMiddleware)
		r.Use(h.SessionMiddleware)

		// OAuth protocol surface
		r.Get("/authorize", h.Authorize)
		r.Post("/token", h.Token)
		r.Get("/userinfo", h.UserInfo)
		r.Post("/revoke", h.Revoke)

		// Provider plugins register /{name}/authorize and /{name}/callback
		h.mountProviders(r)
		r.Get("/providers", h.ListProviders)

		// Session API for first-party frontends
		r.Route("/session", func(r chi.Router) {
			r.Get("/check", h.SessionCheck)
			r.Options("/check", h.SessionCheck)
			r.Group(func(r chi.Router) {
				r.Use(h.RequireSession)
				r.Get("/accounts", h.ListSessionAccounts)
				r.Post("/switch", h.SwitchAccount)
				r.Delete("/accounts/{userID}", h.RemoveSessionAccount)
				r.Delete("/all", h.Logout)
			})
		})

		// RBAC checks and administration
		r.Route("/rbac", func(r chi.Router) {
			r.Use(h.requireRBAC)
			r.Group(func(r chi.Router) {
				r.Use(h.RequireBearer)
				r.Post("/check", h.CheckPermission)
				r.Post("/check/batch", h.CheckPermissionsBatch)
				r.Get("/permissions", h.ResolvePermissions)
				r.Get("/roles", h.ListRoles)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.RequireAdmin)
				r.Post("/roles", h.CreateRole)
				r.Put("/roles/{roleID}", h.UpdateRole)
				r.Delete("/roles/{roleID}", h.DeleteRole)
				r.Post("/roles/{roleID}/permissions", h.AssignPermissionToRole)
				r.Delete("/roles/{roleID}/permissions/{permissionID}", h.RemovePermissionFromRole)
				r.Get("/permissions", h.ListPermissions)
				r.Post("/permissions", h.CreatePermission)
				r.Post("/users/{userID}/roles", h.AssignRoleToUser)
				r.Delete("/users/{userID}/roles/{roleID}", h.RemoveRoleFromUser)
			})
		})

		// Admin plane
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", h.ListTenantSessions)
				r.Get("/stats", h.SessionStats)
				r.Post("/cleanup", h.CleanupSessions)
				r.Delete("/{sessionID}", h.RevokeSession)
			})
			r.Route("/users/{userID}/sessions", func(r chi.Router) {
				r.Get("/", h.ListUserSessions)
				r.Delete("/", h.RevokeUserSessions)
				r.Delete("/{sessionID}", h.RevokeSession)
			})
			r.Route("/audit", func(r chi.Router) {
				r.Get("/tokens/{tokenID}", h.TokenAuditHistory)
				r.Get("/subjects/{subject}", h.SubjectAuditHistory)
				r.Get("/summary", h.AuditSummary)
			})
		})

		r.Route("/tenants", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Get("/{tenantID}", h.GetTenant)
			r.Put("/{tenantID}", h.UpdateTenant)
			r.Delete("/{tenantID}", h.DeleteTenant)
		})

		r.Route("/clients", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/", h.ListClients)
			r.Post("/", h.CreateClient)
			r.Get("/{clientID}", h.GetClient)
			r.Put("/{clientID}", h.UpdateClient)
			r.Delete("/{clientID}", h.DeleteClient)
			r.Post("/{clientID}/rotate-secret", h.RotateClientSecret)
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{userID}", h.GetUser)
			r.Put("/{userID}", h.UpdateUser)
			r.Delete("/{userID}", h.DeleteUser)
		})
	})

	return r
}

// mountProviders initializes every registered provider on the router.
func (h *Handler) mountProviders(r chi.Router) {
	if h.providers == nil {
		return
	}
	for _, name := range h.providers.Names() {
		p, err := h.providers.Get(name)
		if err != nil {
			continue
		}
		if err := p.Init(r, h.bridge); err != nil {
			panic("provider " + name + " failed to initialize: " + err.Error())
		}
	}
}

// ListProviders returns the configured authentication providers.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	out := []providerInfo{}
	for _, name := range h.providers.Names() {
		p, err := h.providers.Get(name)
		if err != nil {
			continue
		}
		out = append(out, providerInfo{Name: p.Name(), Type: p.Type()})
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "openauth",
	})
}

// Session cookie helpers. The cookie value is the AEAD-sealed
// session.CookiePayload; a blob that fails to open is treated as absent.
func (h *Handler) writeSessionCookie(w http.ResponseWriter, sess *session.BrowserSession) error {
	payload, err := json.Marshal(session.CookiePayload{
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		IssuedAt:  time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	sealed, err := h.codec.Seal(payload, cookieAAD)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    sealed,
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		Secure:   h.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	return nil
}

// WriteSessionCookie is the provider.CookieWriter for this handler's
// cookie configuration. The bridge calls it when a login creates a new
// browser session.
func (h *Handler) WriteSessionCookie(w http.ResponseWriter, sess *session.BrowserSession) error {
	return h.writeSessionCookie(w, sess)
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cfg.CookieDomain,
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (h *Handler) readSessionCookie(r *http.Request) *session.CookiePayload {
	cookie, err := r.Cookie(h.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	raw, err := h.codec.Open(cookie.Value, cookieAAD)
	if err != nil {
		return nil
	}
	var payload session.CookiePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return &payload
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
