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

package tenant

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ResolverConfig controls how a request maps to a tenant.
type ResolverConfig struct {
	// BaseDomain enables subdomain resolution: a host of
	// "acme.auth.example.com" with BaseDomain "auth.example.com"
	// resolves tenant "acme".
	BaseDomain string

	// PathPrefix enables path resolution: "/t/acme/authorize" with
	// PathPrefix "/t" resolves tenant "acme".
	PathPrefix string

	// HeaderName names the tenant header, e.g. "X-Tenant-ID".
	HeaderName string

	// QueryParam names the tenant query parameter, e.g. "tenant".
	QueryParam string

	// CustomDomains maps full hostnames to tenant IDs and wins over
	// every other rule.
	CustomDomains map[string]string

	// DefaultTenant, when set, serves requests no rule matched.
	DefaultTenant string
}

// Resolver maps incoming requests to tenants.
type Resolver struct {
	cfg     ResolverConfig
	tenants *Service
}

// NewResolver creates a resolver backed by the tenant store.
func NewResolver(cfg ResolverConfig, tenants *Service) *Resolver {
	return &Resolver{cfg: cfg, tenants: tenants}
}

// Resolve determines the tenant for a request. Order: custom-domain map,
// host suffix against BaseDomain, path prefix, header, query parameter,
// configured default. Returns ErrTenantNotFound when nothing matches or the
// matched tenant does not exist.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Tenant, error) {
	host := hostOnly(req.Host)

	if id, ok := r.cfg.CustomDomains[host]; ok {
		return r.tenants.GetTenant(ctx, id)
	}

	if t, err := r.tenants.GetTenantByDomain(ctx, host); err == nil {
		return t, nil
	}

	if r.cfg.BaseDomain != "" {
		if sub, ok := strings.CutSuffix(host, "."+r.cfg.BaseDomain); ok && sub != "" && !strings.Contains(sub, ".") {
			return r.tenants.GetTenant(ctx, sub)
		}
	}

	if r.cfg.PathPrefix != "" {
		if rest, ok := strings.CutPrefix(req.URL.Path, r.cfg.PathPrefix+"/"); ok {
			if id, _, _ := strings.Cut(rest, "/"); id != "" {
				return r.tenants.GetTenant(ctx, id)
			}
		}
	}

	if r.cfg.HeaderName != "" {
		if id := req.Header.Get(r.cfg.HeaderName); id != "" {
			return r.tenants.GetTenant(ctx, id)
		}
	}

	if r.cfg.QueryParam != "" {
		if id := req.URL.Query().Get(r.cfg.QueryParam); id != "" {
			return r.tenants.GetTenant(ctx, id)
		}
	}

	if r.cfg.DefaultTenant != "" {
		return r.tenants.GetTenant(ctx, r.cfg.DefaultTenant)
	}

	return nil, ErrTenantNotFound
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
