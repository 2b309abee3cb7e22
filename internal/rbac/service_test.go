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

package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/storage"
)

// MockStore is an in-memory rbac.Store.
type MockStore struct {
	roles       map[string]*Role              // roleID -> role
	perms       map[string]*Permission        // permID -> permission
	userRoles   map[string][]*UserRole        // tenant:user -> assignments
	rolePerms   map[string][]string           // roleID -> permIDs
	failUsers   bool                          // force UsersWithRole failure
	permQueries int
}

func newMockStore() *MockStore {
	return &MockStore{
		roles:     map[string]*Role{},
		perms:     map[string]*Permission{},
		userRoles: map[string][]*UserRole{},
		rolePerms: map[string][]string{},
	}
}

func (m *MockStore) CreateRole(_ context.Context, r *Role) error {
	m.roles[r.ID] = r
	return nil
}

func (m *MockStore) GetRole(_ context.Context, tenantID, roleID string) (*Role, error) {
	r, ok := m.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrRoleNotFound
	}
	return r, nil
}

func (m *MockStore) GetRoleByName(_ context.Context, tenantID, name string) (*Role, error) {
	for _, r := range m.roles {
		if r.TenantID == tenantID && r.Name == name {
			return r, nil
		}
	}
	return nil, ErrRoleNotFound
}

func (m *MockStore) UpdateRole(_ context.Context, r *Role) error {
	m.roles[r.ID] = r
	return nil
}

func (m *MockStore) DeleteRole(_ context.Context, _, roleID string) error {
	delete(m.roles, roleID)
	return nil
}

func (m *MockStore) ListRoles(_ context.Context, tenantID string) ([]*Role, error) {
	var out []*Role
	for _, r := range m.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockStore) CreatePermission(_ context.Context, p *Permission) error {
	m.perms[p.ID] = p
	return nil
}

func (m *MockStore) UpdatePermission(_ context.Context, p *Permission) error {
	m.perms[p.ID] = p
	return nil
}

func (m *MockStore) DeletePermission(_ context.Context, id string) error {
	delete(m.perms, id)
	return nil
}

func (m *MockStore) ListPermissions(_ context.Context, clientID string) ([]*Permission, error) {
	var out []*Permission
	for _, p := range m.perms {
		if p.ClientID == clientID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockStore) AssignRoleToUser(_ context.Context, a *UserRole) error {
	key := a.TenantID + ":" + a.UserID
	m.userRoles[key] = append(m.userRoles[key], a)
	return nil
}

func (m *MockStore) RemoveRoleFromUser(_ context.Context, tenantID, userID, roleID string) error {
	key := tenantID + ":" + userID
	var kept []*UserRole
	for _, a := range m.userRoles[key] {
		if a.RoleID != roleID {
			kept = append(kept, a)
		}
	}
	m.userRoles[key] = kept
	return nil
}

func (m *MockStore) UserRoles(_ context.Context, tenantID, userID string) ([]*Role, error) {
	var out []*Role
	for _, a := range m.userRoles[tenantID+":"+userID] {
		if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
			continue
		}
		if r, ok := m.roles[a.RoleID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockStore) UserPermissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error) {
	m.permQueries++
	roles, _ := m.UserRoles(ctx, tenantID, userID)
	var out []string
	for _, r := range roles {
		for _, permID := range m.rolePerms[r.ID] {
			if p, ok := m.perms[permID]; ok && p.ClientID == clientID {
				out = append(out, p.Name)
			}
		}
	}
	return out, nil
}

func (m *MockStore) AssignPermissionToRole(_ context.Context, roleID, permissionID string) error {
	m.rolePerms[roleID] = append(m.rolePerms[roleID], permissionID)
	return nil
}

func (m *MockStore) RemovePermissionFromRole(_ context.Context, roleID, permissionID string) error {
	var kept []string
	for _, id := range m.rolePerms[roleID] {
		if id != permissionID {
			kept = append(kept, id)
		}
	}
	m.rolePerms[roleID] = kept
	return nil
}

func (m *MockStore) UsersWithRole(_ context.Context, tenantID, roleID string) ([]string, error) {
	if m.failUsers {
		return nil, errors.New("enumeration failed")
	}
	var out []string
	for key, assignments := range m.userRoles {
		for _, a := range assignments {
			if a.RoleID == roleID && a.TenantID == tenantID {
				out = append(out, key[len(tenantID)+1:])
			}
		}
	}
	return out, nil
}

func newRBAC(t *testing.T) (*Service, *MockStore) {
	t.Helper()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	store := newMockStore()
	return NewService(store, mem, Config{}), store
}

// seedGrant gives userID a role with the named permissions on client app-1.
func seedGrant(t *testing.T, svc *Service, store *MockStore, tenantID, userID string, permNames ...string) *Role {
	t.Helper()
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, tenantID, "editor-"+userID, "", false)
	require.NoError(t, err)
	for _, name := range permNames {
		p, err := svc.CreatePermission(ctx, "app-1", name, "posts", "read")
		require.NoError(t, err)
		require.NoError(t, store.AssignPermissionToRole(ctx, role.ID, p.ID))
	}
	require.NoError(t, store.AssignRoleToUser(ctx, &UserRole{
		TenantID: tenantID, UserID: userID, RoleID: role.ID,
		AssignedAt: time.Now(), AssignedBy: "admin",
	}))
	return role
}

func TestCheckPermissionUsesCache(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)
	seedGrant(t, svc, store, "t1", "u1", "posts:read")

	ok, err := svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:read")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, store.permQueries)

	// Second check answers from cache.
	ok, err = svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:read")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, store.permQueries)

	ok, err = svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:delete")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Scenario: permission removed from SQL stays visible through the cache
// until invalidation, then disappears immediately.
func TestInvalidationMakesRevocationImmediate(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)
	role := seedGrant(t, svc, store, "t1", "u1", "posts:read")

	ok, err := svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:read")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.RemoveRoleFromUser(ctx, "t1", "u1", role.ID))

	// Still cached.
	ok, err = svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:read")
	require.NoError(t, err)
	assert.True(t, ok)

	svc.InvalidateUser(ctx, "t1", "u1")

	ok, err = svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckPermissionsBatchResolvesOnce(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)
	seedGrant(t, svc, store, "t1", "u1", "posts:read", "posts:write")

	got, err := svc.CheckPermissions(ctx, "t1", "u1", "app-1", []string{"posts:read", "posts:write", "posts:delete"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"posts:read":   true,
		"posts:write":  true,
		"posts:delete": false,
	}, got)
	assert.Equal(t, 1, store.permQueries)
}

func TestEnrichTokenClaimsDedupAndCap(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	store := newMockStore()
	svc := NewService(store, mem, Config{MaxPermissionsInToken: 3})

	role, err := svc.CreateRole(ctx, "t1", "editor", "", false)
	require.NoError(t, err)
	// Two roles with the same name must not duplicate in claims.
	dup := &Role{ID: "dup", TenantID: "t1", Name: "editor"}
	require.NoError(t, store.CreateRole(ctx, dup))

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		p, err := svc.CreatePermission(ctx, "app-1", name, "posts", "read")
		require.NoError(t, err)
		require.NoError(t, store.AssignPermissionToRole(ctx, role.ID, p.ID))
	}
	require.NoError(t, store.AssignRoleToUser(ctx, &UserRole{TenantID: "t1", UserID: "u1", RoleID: role.ID, AssignedBy: "admin"}))
	require.NoError(t, store.AssignRoleToUser(ctx, &UserRole{TenantID: "t1", UserID: "u1", RoleID: "dup", AssignedBy: "admin"}))

	claims, err := svc.EnrichTokenClaims(ctx, "t1", "u1", "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, claims.Roles)
	assert.Len(t, claims.Permissions, 3)
}

func TestExpiredAssignmentIgnored(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)
	role := seedGrant(t, svc, store, "t1", "u1", "posts:read")

	// Re-point the assignment to the past.
	past := time.Now().Add(-time.Hour)
	store.userRoles["t1:u1"] = []*UserRole{{
		TenantID: "t1", UserID: "u1", RoleID: role.ID, ExpiresAt: &past,
	}}

	ok, err := svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignRoleGuards(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)

	role, err := svc.CreateRole(ctx, "t1", "admin", "", true)
	require.NoError(t, err)

	// Self-assignment always fails.
	err = svc.AssignRoleToUser(ctx, "t1", "u1", role.ID, "u1", nil)
	assert.ErrorIs(t, err, ErrSelfAssignment)

	// Assigner lacking the system role cannot grant it.
	err = svc.AssignRoleToUser(ctx, "t1", "u1", role.ID, "granter", nil)
	assert.ErrorIs(t, err, ErrPrivilegeEscalation)

	// An assigner who holds the system role can.
	require.NoError(t, store.AssignRoleToUser(ctx, &UserRole{TenantID: "t1", UserID: "granter", RoleID: role.ID, AssignedBy: "root"}))
	err = svc.AssignRoleToUser(ctx, "t1", "u1", role.ID, "granter", nil)
	assert.NoError(t, err)
}

func TestSystemRoleImmutable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRBAC(t)

	role, err := svc.CreateRole(ctx, "t1", "admin", "", true)
	require.NoError(t, err)

	_, err = svc.UpdateRole(ctx, "t1", role.ID, "renamed", "")
	assert.ErrorIs(t, err, ErrCannotModifySystemRole)

	err = svc.DeleteRole(ctx, "t1", role.ID)
	assert.ErrorIs(t, err, ErrCannotModifySystemRole)
}

func TestRoleNameValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRBAC(t)

	_, err := svc.CreateRole(ctx, "t1", "bad name!", "", false)
	assert.ErrorIs(t, err, ErrInvalidRoleName)

	_, err = svc.CreateRole(ctx, "t1", "good_name-1", "", false)
	assert.NoError(t, err)
}

func TestAssignPermissionInvalidatesHolders(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)
	role := seedGrant(t, svc, store, "t1", "u1", "posts:read")

	// Prime the cache.
	_, err := svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:write")
	require.NoError(t, err)

	p, err := svc.CreatePermission(ctx, "app-1", "posts:write", "posts", "write")
	require.NoError(t, err)
	require.NoError(t, svc.AssignPermissionToRole(ctx, "t1", role.ID, p.ID))

	// Cache was invalidated: the new permission is visible at once.
	ok, err := svc.CheckPermission(ctx, "t1", "u1", "app-1", "posts:write")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAssignPermissionEnumerationFailureDegrades(t *testing.T) {
	ctx := context.Background()
	svc, store := newRBAC(t)
	role := seedGrant(t, svc, store, "t1", "u1", "posts:read")

	p, err := svc.CreatePermission(ctx, "app-1", "posts:write", "posts", "write")
	require.NoError(t, err)

	store.failUsers = true
	// The assignment itself still succeeds.
	assert.NoError(t, svc.AssignPermissionToRole(ctx, "t1", role.ID, p.ID))
}
