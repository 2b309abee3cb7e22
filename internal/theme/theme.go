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

// Package theme composes the theme served to rendered pages from the
// priority chain: request tenant branding, issuer config, the default
// tenant's branding (cached), then the built-in fallback.
package theme

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openauth/openauth/internal/tenant"
)

// BuiltinTheme is the last-resort theme name.
const BuiltinTheme = "base"

const (
	cacheTTL         = time.Hour
	negativeCacheTTL = 30 * time.Second
)

// Resolver resolves the effective theme for a request.
type Resolver struct {
	configTheme     string
	defaultTenantID string
	tenants         *tenant.Service

	mu        sync.Mutex
	cached    string
	cachedAt  time.Time
	cacheMiss bool // last lookup failed; retry after negativeCacheTTL
}

// NewResolver creates a theme resolver. configTheme may be empty;
// defaultTenantID names the tenant whose branding backs the third chain link.
func NewResolver(configTheme, defaultTenantID string, tenants *tenant.Service) *Resolver {
	return &Resolver{
		configTheme:     configTheme,
		defaultTenantID: defaultTenantID,
		tenants:         tenants,
	}
}

// Resolve returns the theme for the request's tenant (may be nil).
func (r *Resolver) Resolve(ctx context.Context, t *tenant.Tenant) string {
	if t != nil && t.Branding.Theme != "" {
		return t.Branding.Theme
	}
	if r.configTheme != "" {
		return r.configTheme
	}
	if theme := r.defaultTenantTheme(ctx); theme != "" {
		return theme
	}
	return BuiltinTheme
}

// defaultTenantTheme reads the default tenant's branding through a one-hour
// single-slot cache. A failed lookup is cached too, with a short retry
// window, so a broken backend cannot stall every render.
func (r *Resolver) defaultTenantTheme(ctx context.Context) string {
	if r.defaultTenantID == "" {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ttl := cacheTTL
	if r.cacheMiss {
		ttl = negativeCacheTTL
	}
	if !r.cachedAt.IsZero() && time.Since(r.cachedAt) < ttl {
		return r.cached
	}

	t, err := r.tenants.GetTenant(ctx, r.defaultTenantID)
	if err != nil {
		slog.WarnContext(ctx, "default tenant theme lookup failed",
			"tenant_id", r.defaultTenantID, "error", err.Error())
		r.cached = ""
		r.cachedAt = time.Now()
		r.cacheMiss = true
		return ""
	}

	r.cached = t.Branding.Theme
	r.cachedAt = time.Now()
	r.cacheMiss = false
	return r.cached
}

type contextKey struct{}

// NewContext stores the resolved theme on the request context. Renderers
// read it from here; there is no process-global slot, so parallel requests
// cannot interleave themes.
func NewContext(ctx context.Context, theme string) context.Context {
	return context.WithValue(ctx, contextKey{}, theme)
}

// FromContext returns the resolved theme, or the builtin fallback.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKey{}).(string); ok && v != "" {
		return v
	}
	return BuiltinTheme
}
