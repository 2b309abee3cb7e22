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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/rbac"
	"github.com/openauth/openauth/internal/tenant"
)

// fakeRBACStore is an in-memory rbac.Store for handler tests.
type fakeRBACStore struct {
	mu          sync.Mutex
	roles       map[string]*rbac.Role       // tenantID:roleID
	perms       map[string]*rbac.Permission // permissionID
	rolePerms   map[string][]string         // roleID -> permissionIDs
	assignments map[string][]*rbac.UserRole // tenantID:userID
}

func newFakeRBACStore() *fakeRBACStore {
	return &fakeRBACStore{
		roles:       map[string]*rbac.Role{},
		perms:       map[string]*rbac.Permission{},
		rolePerms:   map[string][]string{},
		assignments: map[string][]*rbac.UserRole{},
	}
}

func (f *fakeRBACStore) CreateRole(_ context.Context, role *rbac.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[role.TenantID+":"+role.ID] = role
	return nil
}

func (f *fakeRBACStore) GetRole(_ context.Context, tenantID, roleID string) (*rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[tenantID+":"+roleID]
	if !ok {
		return nil, rbac.ErrRoleNotFound
	}
	return role, nil
}

func (f *fakeRBACStore) GetRoleByName(_ context.Context, tenantID, name string) (*rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, role := range f.roles {
		if role.TenantID == tenantID && role.Name == name {
			return role, nil
		}
	}
	return nil, rbac.ErrRoleNotFound
}

func (f *fakeRBACStore) UpdateRole(_ context.Context, role *rbac.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := role.TenantID + ":" + role.ID
	if _, ok := f.roles[key]; !ok {
		return rbac.ErrRoleNotFound
	}
	f.roles[key] = role
	return nil
}

func (f *fakeRBACStore) DeleteRole(_ context.Context, tenantID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + ":" + roleID
	if _, ok := f.roles[key]; !ok {
		return rbac.ErrRoleNotFound
	}
	delete(f.roles, key)
	delete(f.rolePerms, roleID)
	for userKey, list := range f.assignments {
		var kept []*rbac.UserRole
		for _, a := range list {
			if a.RoleID != roleID {
				kept = append(kept, a)
			}
		}
		f.assignments[userKey] = kept
	}
	return nil
}

func (f *fakeRBACStore) ListRoles(_ context.Context, tenantID string) ([]*rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*rbac.Role
	for _, role := range f.roles {
		if role.TenantID == tenantID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) CreatePermission(_ context.Context, perm *rbac.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms[perm.ID] = perm
	return nil
}

func (f *fakeRBACStore) UpdatePermission(_ context.Context, perm *rbac.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.perms[perm.ID]; !ok {
		return rbac.ErrPermissionNotFound
	}
	f.perms[perm.ID] = perm
	return nil
}

func (f *fakeRBACStore) DeletePermission(_ context.Context, permissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.perms[permissionID]; !ok {
		return rbac.ErrPermissionNotFound
	}
	delete(f.perms, permissionID)
	return nil
}

func (f *fakeRBACStore) ListPermissions(_ context.Context, clientID string) ([]*rbac.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*rbac.Permission
	for _, perm := range f.perms {
		if perm.ClientID == clientID {
			out = append(out, perm)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) AssignRoleToUser(_ context.Context, assignment *rbac.UserRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := assignment.TenantID + ":" + assignment.UserID
	f.assignments[key] = append(f.assignments[key], assignment)
	return nil
}

func (f *fakeRBACStore) RemoveRoleFromUser(_ context.Context, tenantID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + ":" + userID
	var kept []*rbac.UserRole
	for _, a := range f.assignments[key] {
		if a.RoleID != roleID {
			kept = append(kept, a)
		}
	}
	f.assignments[key] = kept
	return nil
}

func (f *fakeRBACStore) UserRoles(_ context.Context, tenantID, userID string) ([]*rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*rbac.Role
	for _, a := range f.assignments[tenantID+":"+userID] {
		if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
			continue
		}
		if role, ok := f.roles[tenantID+":"+a.RoleID]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) UserPermissions(_ context.Context, tenantID, userID, clientID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, a := range f.assignments[tenantID+":"+userID] {
		if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
			continue
		}
		for _, permID := range f.rolePerms[a.RoleID] {
			perm, ok := f.perms[permID]
			if !ok || perm.ClientID != clientID || seen[perm.Name] {
				continue
			}
			seen[perm.Name] = true
			out = append(out, perm.Name)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) AssignPermissionToRole(_ context.Context, roleID, permissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolePerms[roleID] = append(f.rolePerms[roleID], permissionID)
	return nil
}

func (f *fakeRBACStore) RemovePermissionFromRole(_ context.Context, roleID, permissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, id := range f.rolePerms[roleID] {
		if id != permissionID {
			kept = append(kept, id)
		}
	}
	f.rolePerms[roleID] = kept
	return nil
}

func (f *fakeRBACStore) UsersWithRole(_ context.Context, tenantID, roleID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for key, list := range f.assignments {
		for _, a := range list {
			if a.TenantID == tenantID && a.RoleID == roleID {
				out = append(out, a.UserID)
				break
			}
		}
		_ = key
	}
	return out, nil
}

// adminToken mints an M2M token carrying the admin permission as a scope.
func (e *testEnv) adminToken(t *testing.T, scopes ...string) string {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"admin:manage"}
	}
	result, err := oauth2.GenerateM2MToken(e.keyring, oauth2.M2MRequest{
		ClientID: "ops",
		TenantID: tenant.DefaultTenantID,
		Scopes:   scopes,
		Issuer:   testIssuer,
	})
	require.NoError(t, err)
	return result.AccessToken
}

// doJSON performs a request with an optional bearer token and JSON body,
// decoding the JSON response.
func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp.StatusCode, decoded
}

func TestSessionAccountManagement(t *testing.T) {
	env := newTestEnv(t)
	alice := env.provisionUser(t, "alice@example.test")
	bob := env.provisionUser(t, "bob@example.test")

	env.loginThroughProvider(t, "alice@example.test", nil)
	env.loginThroughProvider(t, "bob@example.test", map[string]string{"prompt": "login"})

	status, body := env.doJSON(t, http.MethodGet, "/session/accounts", "", nil)
	require.Equal(t, http.StatusOK, status)
	accounts, _ := body["accounts"].([]any)
	require.Len(t, accounts, 2)
	require.Equal(t, bob.ID, body["activeUserId"])

	status, body = env.doJSON(t, http.MethodPost, "/session/switch", "", map[string]string{"userId": alice.ID})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, alice.ID, body["activeUserId"])

	status, body = env.doJSON(t, http.MethodGet, "/session/check", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["active"])
	require.NotEmpty(t, body["sessionId"])
	require.Equal(t, tenant.DefaultTenantID, body["tenantId"])
	require.Equal(t, alice.ID, body["activeUserId"])
	require.Equal(t, float64(2), body["accountCount"])

	// Switching to an unattached account is a 404.
	status, body = env.doJSON(t, http.MethodPost, "/session/switch", "", map[string]string{"userId": "nobody"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "account_not_found", body["error"])

	status, _ = env.doJSON(t, http.MethodDelete, "/session/accounts/"+bob.ID, "", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.doJSON(t, http.MethodGet, "/session/accounts", "", nil)
	require.Equal(t, http.StatusOK, status)
	accounts, _ = body["accounts"].([]any)
	require.Len(t, accounts, 1)

	status, _ = env.doJSON(t, http.MethodDelete, "/session/all", "", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.doJSON(t, http.MethodGet, "/session/check", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["active"])
}

func TestSessionEndpointsRequireSession(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.doJSON(t, http.MethodGet, "/session/accounts", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "not_authenticated", body["error"])
}

func TestSessionCheckCORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/session/check", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.test")

	resp, err := env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example.test", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "Origin", resp.Header.Get("Vary"))
}

func TestRBACAdministration(t *testing.T) {
	env := newTestEnv(t)
	editor := env.provisionUser(t, "editor@example.test")
	token := env.adminToken(t)

	status, role := env.doJSON(t, http.MethodPost, "/rbac/admin/roles", token, map[string]string{
		"name":        "editor",
		"description": "can edit documents",
	})
	require.Equal(t, http.StatusCreated, status)
	roleID, _ := role["id"].(string)
	require.NotEmpty(t, roleID)

	// Duplicate names conflict.
	status, body := env.doJSON(t, http.MethodPost, "/rbac/admin/roles", token, map[string]string{"name": "editor"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_exists", body["error"])

	status, perm := env.doJSON(t, http.MethodPost, "/rbac/admin/permissions", token, map[string]string{
		"clientId": "app",
		"name":     "docs:write",
		"resource": "docs",
		"action":   "write",
	})
	require.Equal(t, http.StatusCreated, status)
	permID, _ := perm["id"].(string)
	require.NotEmpty(t, permID)

	status, _ = env.doJSON(t, http.MethodPost, "/rbac/admin/roles/"+roleID+"/permissions", token,
		map[string]string{"permissionId": permID})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.doJSON(t, http.MethodPost, "/rbac/admin/users/"+editor.ID+"/roles", token,
		map[string]string{"roleId": roleID})
	require.Equal(t, http.StatusOK, status)

	check := func(permission string) bool {
		status, body := env.doJSON(t, http.MethodPost, "/rbac/check", token, map[string]string{
			"userId":     editor.ID,
			"clientId":   "app",
			"permission": permission,
		})
		require.Equal(t, http.StatusOK, status)
		allowed, _ := body["allowed"].(bool)
		return allowed
	}
	require.True(t, check("docs:write"))
	require.False(t, check("docs:delete"))

	status, body = env.doJSON(t, http.MethodPost, "/rbac/check/batch", token, map[string]any{
		"userId":      editor.ID,
		"clientId":    "app",
		"permissions": []string{"docs:write", "docs:delete"},
	})
	require.Equal(t, http.StatusOK, status)
	results, _ := body["results"].(map[string]any)
	require.Equal(t, true, results["docs:write"])
	require.Equal(t, false, results["docs:delete"])

	status, body = env.doJSON(t, http.MethodGet,
		"/rbac/permissions?"+url.Values{"userId": {editor.ID}, "clientId": {"app"}}.Encode(),
		token, nil)
	require.Equal(t, http.StatusOK, status)
	perms, _ := body["permissions"].([]any)
	require.Equal(t, []any{"docs:write"}, perms)

	// Revoking the role drops the permission immediately, cache included.
	status, _ = env.doJSON(t, http.MethodDelete, "/rbac/admin/users/"+editor.ID+"/roles/"+roleID, token, nil)
	require.Equal(t, http.StatusOK, status)
	require.False(t, check("docs:write"))
}

func TestRBACCheckRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.doJSON(t, http.MethodPost, "/rbac/check", "", map[string]string{
		"userId":     "u1",
		"permission": "docs:write",
	})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid_token", body["error"])
}

func TestAdminEndpointsRequireAdminScope(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.doJSON(t, http.MethodGet, "/tenants", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid_token", body["error"])

	readonly := env.adminToken(t, "reports:read")
	status, body = env.doJSON(t, http.MethodGet, "/tenants", readonly, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "forbidden", body["error"])
}

func TestTenantAdministration(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	status, created := env.doJSON(t, http.MethodPost, "/tenants", token, map[string]any{
		"id":     "acme",
		"name":   "Acme Corp",
		"domain": "acme.example.test",
	})
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "acme", created["id"])
	require.Equal(t, tenant.StatusActive, created["status"])

	// The domain is now taken.
	status, body := env.doJSON(t, http.MethodPost, "/tenants", token, map[string]any{
		"id":     "other",
		"name":   "Other",
		"domain": "acme.example.test",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_exists", body["error"])

	status, body = env.doJSON(t, http.MethodGet, "/tenants", token, nil)
	require.Equal(t, http.StatusOK, status)
	tenants, _ := body["tenants"].([]any)
	require.Len(t, tenants, 2)

	status, body = env.doJSON(t, http.MethodPut, "/tenants/acme", token, map[string]any{
		"name":   "Acme Corporation",
		"domain": "acme.example.test",
		"status": tenant.StatusSuspended,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Acme Corporation", body["name"])
	require.Equal(t, tenant.StatusSuspended, body["status"])

	status, _ = env.doJSON(t, http.MethodDelete, "/tenants/acme", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.doJSON(t, http.MethodGet, "/tenants/acme", token, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "tenant_not_found", body["error"])
}

func TestClientAdministration(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	status, body := env.doJSON(t, http.MethodPost, "/clients", token, map[string]any{
		"client_name":  "Backend Service",
		"confidential": true,
	})
	require.Equal(t, http.StatusCreated, status)
	secret, _ := body["client_secret"].(string)
	require.NotEmpty(t, secret)
	clientObj, _ := body["client"].(map[string]any)
	clientID, _ := clientObj["client_id"].(string)
	require.NotEmpty(t, clientID)

	// Public clients must register redirect URIs.
	status, body = env.doJSON(t, http.MethodPost, "/clients", token, map[string]any{
		"client_name": "SPA",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", body["error"])

	status, body = env.doJSON(t, http.MethodPost, "/clients/"+clientID+"/rotate-secret", token, nil)
	require.Equal(t, http.StatusOK, status)
	rotated, _ := body["client_secret"].(string)
	require.NotEmpty(t, rotated)
	require.NotEqual(t, secret, rotated)

	status, _ = env.doJSON(t, http.MethodDelete, "/clients/"+clientID, token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.doJSON(t, http.MethodGet, "/clients/"+clientID, token, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "client_not_found", body["error"])
}

func TestUserAdministration(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	status, created := env.doJSON(t, http.MethodPost, "/users", token, map[string]any{
		"email":       "carol@example.test",
		"subjectType": "user",
		"password":    testPassword,
		"properties":  map[string]any{"team": "platform"},
	})
	require.Equal(t, http.StatusCreated, status)
	userID, _ := created["id"].(string)
	require.NotEmpty(t, userID)
	require.Equal(t, "carol@example.test", created["email"])

	status, body := env.doJSON(t, http.MethodPost, "/users", token, map[string]any{
		"email": "carol@example.test",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_exists", body["error"])

	status, _ = env.doJSON(t, http.MethodPut, "/users/"+userID, token, map[string]any{
		"properties": map[string]any{"team": "infra"},
	})
	require.Equal(t, http.StatusOK, status)

	status, body = env.doJSON(t, http.MethodGet, "/users/"+userID, token, nil)
	require.Equal(t, http.StatusOK, status)
	props, _ := body["subject_properties"].(map[string]any)
	require.Equal(t, "infra", props["team"])

	// Enumeration needs the mirror; this environment runs KV only.
	status, body = env.doJSON(t, http.MethodGet, "/users", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "mirror_unavailable", body["error"])

	status, _ = env.doJSON(t, http.MethodDelete, "/users/"+userID, token, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = env.doJSON(t, http.MethodGet, "/users/"+userID, token, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "user_not_found", body["error"])
}

func TestAdminSessionSurfaceWithoutMirror(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	status, body := env.doJSON(t, http.MethodGet, "/admin/sessions", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "mirror_unavailable", body["error"])
}

func TestProviderListing(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.doJSON(t, http.MethodGet, "/providers", "", nil)
	require.Equal(t, http.StatusOK, status)
	providers, _ := body["providers"].([]any)
	require.Len(t, providers, 1)
	first, _ := providers[0].(map[string]any)
	require.Equal(t, "password", first["name"])
	require.Equal(t, "credentials", first["type"])
}

func TestTokenRevocation(t *testing.T) {
	env := newTestEnv(t)
	env.provisionUser(t, "alice@example.test")

	redirect := env.loginThroughProvider(t, "alice@example.test", nil)
	tokens := env.exchangeCode(t, redirect.Query().Get("code"))
	access, _ := tokens["access_token"].(string)

	resp, err := env.client.PostForm(env.server.URL+"/revoke", url.Values{"token": {access}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown tokens still return 200 per RFC 7009.
	resp, err = env.client.PostForm(env.server.URL+"/revoke", url.Values{"token": {"garbage"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
