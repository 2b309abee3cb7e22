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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openauth/openauth/internal/storage"
)

// Defaults for the permission cache and token enrichment.
const (
	DefaultCacheTTL              = 60 * time.Second
	DefaultMaxPermissionsInToken = 50
)

// Config tunes the RBAC service.
type Config struct {
	CacheTTL              time.Duration
	MaxPermissionsInToken int
}

// cachedPermissions is the KV value under rbac:permissions:*.
type cachedPermissions struct {
	Permissions []string  `json:"permissions"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Service resolves permissions cache-first and guards role administration.
//
// The cache is deliberately coarse: a TTL-bounded permission list per
// (tenant, user, client). Mutations invalidate affected keys; a missed
// invalidation heals itself at TTL expiry, so a staleness window up to
// CacheTTL is accepted.
type Service struct {
	store Store
	cache storage.Storage
	cfg   Config
}

// NewService creates an RBAC service. cache is the KV store.
func NewService(store Store, cache storage.Storage, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxPermissionsInToken <= 0 {
		cfg.MaxPermissionsInToken = DefaultMaxPermissionsInToken
	}
	return &Service{store: store, cache: cache, cfg: cfg}
}

func cacheKey(tenantID, userID, clientID string) string {
	return storage.Key("rbac", "permissions", tenantID, userID, clientID)
}

func userCachePrefix(tenantID, userID string) string {
	return storage.Key("rbac", "permissions", tenantID, userID) + ":"
}

// ResolvePermissions returns the user's permission names for a client,
// consulting the cache first.
func (s *Service) ResolvePermissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error) {
	key := cacheKey(tenantID, userID, clientID)

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached cachedPermissions
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached.Permissions, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		// Authorization reads fail closed on storage trouble; fall
		// through to SQL rather than answering from nothing.
		slog.WarnContext(ctx, "rbac cache read failed", "error", err.Error())
	}

	perms, err := s.store.UserPermissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	perms = dedupe(perms)

	raw, err := json.Marshal(cachedPermissions{Permissions: perms, CachedAt: time.Now()})
	if err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cfg.CacheTTL); err != nil {
			slog.WarnContext(ctx, "rbac cache write failed", "error", err.Error())
		}
	}
	return perms, nil
}

// CheckPermission reports whether the user holds one permission.
func (s *Service) CheckPermission(ctx context.Context, tenantID, userID, clientID, permission string) (bool, error) {
	perms, err := s.ResolvePermissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// CheckPermissions answers a batch with a single resolution.
func (s *Service) CheckPermissions(ctx context.Context, tenantID, userID, clientID string, permissions []string) (map[string]bool, error) {
	held, err := s.ResolvePermissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, err
	}
	heldSet := make(map[string]bool, len(held))
	for _, p := range held {
		heldSet[p] = true
	}
	out := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		out[p] = heldSet[p]
	}
	return out, nil
}

// EnrichTokenClaims builds the roles and permissions claims for a token.
// Both lists are de-duplicated; permissions are capped with a warning when
// truncation drops any.
func (s *Service) EnrichTokenClaims(ctx context.Context, tenantID, userID, clientID string) (*Claims, error) {
	roles, err := s.store.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		roleNames = append(roleNames, r.Name)
	}
	roleNames = dedupe(roleNames)

	perms, err := s.ResolvePermissions(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, err
	}
	if len(perms) > s.cfg.MaxPermissionsInToken {
		slog.WarnContext(ctx, "permission claims truncated",
			"tenant_id", tenantID, "user_id", userID, "client_id", clientID,
			"total", len(perms), "cap", s.cfg.MaxPermissionsInToken)
		perms = perms[:s.cfg.MaxPermissionsInToken]
	}

	return &Claims{Roles: roleNames, Permissions: perms}, nil
}

// EnrichedClaims is EnrichTokenClaims in the flat form the token issuance
// pipeline consumes.
func (s *Service) EnrichedClaims(ctx context.Context, tenantID, userID, clientID string) ([]string, []string, error) {
	claims, err := s.EnrichTokenClaims(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, nil, err
	}
	return claims.Roles, claims.Permissions, nil
}

// InvalidateUser drops every cached permission list for a user in a tenant.
func (s *Service) InvalidateUser(ctx context.Context, tenantID, userID string) {
	entries, err := s.cache.Scan(ctx, userCachePrefix(tenantID, userID))
	if err != nil {
		slog.WarnContext(ctx, "rbac cache invalidation scan failed",
			"tenant_id", tenantID, "user_id", userID, "error", err.Error())
		return
	}
	for _, e := range entries {
		if _, err := s.cache.Remove(ctx, e.Key); err != nil {
			slog.WarnContext(ctx, "rbac cache invalidation failed",
				"key", e.Key, "error", err.Error())
		}
	}
}

// --- Role administration ---

// CreateRole registers a new tenant role.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, description string, isSystem bool) (*Role, error) {
	if !ValidRoleName(name) {
		return nil, ErrInvalidRoleName
	}
	if _, err := s.store.GetRoleByName(ctx, tenantID, name); err == nil {
		return nil, ErrRoleAlreadyExists
	}
	now := time.Now()
	role := &Role{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		Description:  description,
		IsSystemRole: isSystem,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	return role, nil
}

// UpdateRole renames or re-describes a role. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, tenantID, roleID, name, description string) (*Role, error) {
	role, err := s.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystemRole {
		return nil, ErrCannotModifySystemRole
	}
	if name != "" {
		if !ValidRoleName(name) {
			return nil, ErrInvalidRoleName
		}
		role.Name = name
	}
	if description != "" {
		role.Description = description
	}
	role.UpdatedAt = time.Now()
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	s.invalidateRoleHolders(ctx, tenantID, roleID)
	return role, nil
}

// DeleteRole removes a non-system role.
func (s *Service) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	role, err := s.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrCannotModifySystemRole
	}
	s.invalidateRoleHolders(ctx, tenantID, roleID)
	if err := s.store.DeleteRole(ctx, tenantID, roleID); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// ListRoles lists a tenant's roles.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return s.store.ListRoles(ctx, tenantID)
}

// AssignRoleToUser grants a role. Self-assignment is rejected outright; a
// system role may only be granted by someone who already holds it.
func (s *Service) AssignRoleToUser(ctx context.Context, tenantID, userID, roleID, assignedBy string, expiresAt *time.Time) error {
	if userID == assignedBy {
		return ErrSelfAssignment
	}
	role, err := s.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		assignerRoles, err := s.store.UserRoles(ctx, tenantID, assignedBy)
		if err != nil {
			return fmt.Errorf("failed to check assigner roles: %w", err)
		}
		holds := false
		for _, r := range assignerRoles {
			if r.ID == roleID {
				holds = true
				break
			}
		}
		if !holds {
			return ErrPrivilegeEscalation
		}
	}
	if err := s.store.AssignRoleToUser(ctx, &UserRole{
		TenantID:   tenantID,
		UserID:     userID,
		RoleID:     roleID,
		AssignedAt: time.Now(),
		AssignedBy: assignedBy,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	s.InvalidateUser(ctx, tenantID, userID)
	return nil
}

// RemoveRoleFromUser revokes an assignment.
func (s *Service) RemoveRoleFromUser(ctx context.Context, tenantID, userID, roleID string) error {
	if err := s.store.RemoveRoleFromUser(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	s.InvalidateUser(ctx, tenantID, userID)
	return nil
}

// --- Permission administration ---

// CreatePermission registers an app-scoped permission.
func (s *Service) CreatePermission(ctx context.Context, clientID, name, resource, action string) (*Permission, error) {
	perm := &Permission{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Name:      name,
		Resource:  resource,
		Action:    action,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, fmt.Errorf("failed to create permission: %w", err)
	}
	return perm, nil
}

// UpdatePermission changes a permission definition.
func (s *Service) UpdatePermission(ctx context.Context, perm *Permission) error {
	if err := s.store.UpdatePermission(ctx, perm); err != nil {
		return err
	}
	return nil
}

// ListPermissions lists an app's permission catalog.
func (s *Service) ListPermissions(ctx context.Context, clientID string) ([]*Permission, error) {
	return s.store.ListPermissions(ctx, clientID)
}

// AssignPermissionToRole attaches a permission and invalidates every
// holder's cache. Holder enumeration failure degrades to a warning: the
// cache heals at TTL expiry.
func (s *Service) AssignPermissionToRole(ctx context.Context, tenantID, roleID, permissionID string) error {
	if err := s.store.AssignPermissionToRole(ctx, roleID, permissionID); err != nil {
		return fmt.Errorf("failed to assign permission: %w", err)
	}
	s.invalidateRoleHolders(ctx, tenantID, roleID)
	return nil
}

// RemovePermissionFromRole detaches a permission.
func (s *Service) RemovePermissionFromRole(ctx context.Context, tenantID, roleID, permissionID string) error {
	if err := s.store.RemovePermissionFromRole(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.invalidateRoleHolders(ctx, tenantID, roleID)
	return nil
}

func (s *Service) invalidateRoleHolders(ctx context.Context, tenantID, roleID string) {
	users, err := s.store.UsersWithRole(ctx, tenantID, roleID)
	if err != nil {
		slog.WarnContext(ctx, "could not enumerate role holders for cache invalidation",
			"tenant_id", tenantID, "role_id", roleID, "error", err.Error())
		return
	}
	for _, userID := range users {
		s.InvalidateUser(ctx, tenantID, userID)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
