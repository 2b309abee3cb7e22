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

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/session"
	"github.com/openauth/openauth/internal/storage"
	"github.com/openauth/openauth/internal/tenant"
)

type contextKey string

const (
	tenantKey        contextKey = "tenant"
	tenantStorageKey contextKey = "tenant_storage"
	sessionKey       contextKey = "browser_session"
	claimsKey        contextKey = "access_claims"
)

// GetTenant retrieves the resolved tenant from context.
func GetTenant(ctx context.Context) *tenant.Tenant {
	if val, ok := ctx.Value(tenantKey).(*tenant.Tenant); ok {
		return val
	}
	return nil
}

// GetTenantID retrieves the resolved tenant's ID from context.
func GetTenantID(ctx context.Context) string {
	if t := GetTenant(ctx); t != nil {
		return t.ID
	}
	return ""
}

// GetTenantStorage retrieves the tenant-scoped storage facade. Every key
// read or written through it lives under the tenant's subtree, so request
// handlers reaching into the KV cannot cross tenants.
func GetTenantStorage(ctx context.Context) storage.Storage {
	if val, ok := ctx.Value(tenantStorageKey).(storage.Storage); ok {
		return val
	}
	return nil
}

// GetBrowserSession retrieves the authenticated browser session from
// context. Nil when the request carried no valid session cookie.
func GetBrowserSession(ctx context.Context) *session.BrowserSession {
	if val, ok := ctx.Value(sessionKey).(*session.BrowserSession); ok {
		return val
	}
	return nil
}

// GetAccessClaims retrieves verified bearer-token claims from context.
func GetAccessClaims(ctx context.Context) *oauth2.AccessClaims {
	if val, ok := ctx.Value(claimsKey).(*oauth2.AccessClaims); ok {
		return val
	}
	return nil
}
