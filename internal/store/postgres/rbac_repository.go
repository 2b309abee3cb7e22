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

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openauth/openauth/internal/rbac"
)

// RBACRepository implements rbac.Store. Expired user-role assignments are
// filtered here so callers never see them.
type RBACRepository struct {
	db *DB
}

// NewRBACRepository creates a new RBAC repository
func NewRBACRepository(db *DB) *RBACRepository {
	return &RBACRepository{db: db}
}

// CreateRole creates a role. Role names are unique per tenant.
func (r *RBACRepository) CreateRole(ctx context.Context, role *rbac.Role) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO rbac_roles (id, tenant_id, name, description, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		role.ID, role.TenantID, role.Name, role.Description, role.IsSystemRole,
		role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return rbac.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID within its tenant.
func (r *RBACRepository) GetRole(ctx context.Context, tenantID, roleID string) (*rbac.Role, error) {
	return r.getRole(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM rbac_roles WHERE tenant_id = $1 AND id = $2
	`, tenantID, roleID)
}

// GetRoleByName retrieves a role by its tenant-unique name.
func (r *RBACRepository) GetRoleByName(ctx context.Context, tenantID, name string) (*rbac.Role, error) {
	return r.getRole(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM rbac_roles WHERE tenant_id = $1 AND name = $2
	`, tenantID, name)
}

func (r *RBACRepository) getRole(ctx context.Context, query string, args ...any) (*rbac.Role, error) {
	var role rbac.Role
	err := r.db.pool.QueryRow(ctx, query, args...).Scan(
		&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystemRole,
		&role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rbac.ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// UpdateRole applies name and description changes.
func (r *RBACRepository) UpdateRole(ctx context.Context, role *rbac.Role) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE rbac_roles SET name = $3, description = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, role.TenantID, role.ID, role.Name, role.Description, role.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return rbac.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rbac.ErrRoleNotFound
	}
	return nil
}

// DeleteRole removes a role; assignments and permission grants cascade.
func (r *RBACRepository) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM rbac_roles WHERE tenant_id = $1 AND id = $2
	`, tenantID, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rbac.ErrRoleNotFound
	}
	return nil
}

// ListRoles lists a tenant's roles by name.
func (r *RBACRepository) ListRoles(ctx context.Context, tenantID string) ([]*rbac.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, name, description, is_system_role, created_at, updated_at
		FROM rbac_roles WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	return scanRoles(rows)
}

// CreatePermission creates an app-scoped permission.
func (r *RBACRepository) CreatePermission(ctx context.Context, perm *rbac.Permission) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO rbac_permissions (id, client_id, name, resource, action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, perm.ID, perm.ClientID, perm.Name, perm.Resource, perm.Action, perm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	return nil
}

// UpdatePermission applies changes to a permission.
func (r *RBACRepository) UpdatePermission(ctx context.Context, perm *rbac.Permission) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE rbac_permissions SET name = $2, resource = $3, action = $4
		WHERE id = $1
	`, perm.ID, perm.Name, perm.Resource, perm.Action)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rbac.ErrPermissionNotFound
	}
	return nil
}

// DeletePermission removes a permission; role grants cascade.
func (r *RBACRepository) DeletePermission(ctx context.Context, permissionID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM rbac_permissions WHERE id = $1
	`, permissionID)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rbac.ErrPermissionNotFound
	}
	return nil
}

// ListPermissions lists an app's permissions by name.
func (r *RBACRepository) ListPermissions(ctx context.Context, clientID string) ([]*rbac.Permission, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, client_id, name, resource, action, created_at
		FROM rbac_permissions WHERE client_id = $1
		ORDER BY name
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var out []*rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Name, &p.Resource, &p.Action, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AssignRoleToUser records a user-role assignment. Re-assigning refreshes
// the expiry and assigner.
func (r *RBACRepository) AssignRoleToUser(ctx context.Context, assignment *rbac.UserRole) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO rbac_user_roles (tenant_id, user_id, role_id, assigned_at, assigned_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, user_id, role_id) DO UPDATE SET
			assigned_at = EXCLUDED.assigned_at,
			assigned_by = EXCLUDED.assigned_by,
			expires_at = EXCLUDED.expires_at
	`,
		assignment.TenantID, assignment.UserID, assignment.RoleID,
		assignment.AssignedAt, assignment.AssignedBy, assignment.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RemoveRoleFromUser deletes a user-role assignment.
func (r *RBACRepository) RemoveRoleFromUser(ctx context.Context, tenantID, userID, roleID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM rbac_user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3
	`, tenantID, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rbac.ErrRoleNotFound
	}
	return nil
}

// UserRoles lists a user's unexpired roles.
func (r *RBACRepository) UserRoles(ctx context.Context, tenantID, userID string) ([]*rbac.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT ro.id, ro.tenant_id, ro.name, ro.description, ro.is_system_role, ro.created_at, ro.updated_at
		FROM rbac_roles ro
		JOIN rbac_user_roles ur ON ur.role_id = ro.id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
			AND (ur.expires_at IS NULL OR ur.expires_at > now())
		ORDER BY ro.name
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	return scanRoles(rows)
}

// UserPermissions resolves the user's effective permission names for one
// app through their unexpired roles.
func (r *RBACRepository) UserPermissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM rbac_permissions p
		JOIN rbac_role_permissions rp ON rp.permission_id = p.id
		JOIN rbac_user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2 AND p.client_id = $3
			AND (ur.expires_at IS NULL OR ur.expires_at > now())
		ORDER BY p.name
	`, tenantID, userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user permissions: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// AssignPermissionToRole grants a permission to a role.
func (r *RBACRepository) AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO rbac_role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to assign permission: %w", err)
	}
	return nil
}

// RemovePermissionFromRole revokes a permission from a role.
func (r *RBACRepository) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM rbac_role_permissions WHERE role_id = $1 AND permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to remove permission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return rbac.ErrPermissionNotFound
	}
	return nil
}

// UsersWithRole lists user IDs holding an unexpired assignment of the role.
func (r *RBACRepository) UsersWithRole(ctx context.Context, tenantID, roleID string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT user_id FROM rbac_user_roles
		WHERE tenant_id = $1 AND role_id = $2
			AND (expires_at IS NULL OR expires_at > now())
		ORDER BY user_id
	`, tenantID, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role holders: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

func scanRoles(rows pgx.Rows) ([]*rbac.Role, error) {
	var out []*rbac.Role
	for rows.Next() {
		var role rbac.Role
		if err := rows.Scan(
			&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystemRole,
			&role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		out = append(out, &role)
	}
	return out, rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
