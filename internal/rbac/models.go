package rbac

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Domain errors
var (
	ErrRoleNotFound           = errors.New("role not found")
	ErrRoleAlreadyExists      = errors.New("role already exists")
	ErrPermissionNotFound     = errors.New("permission not found")
	ErrSelfAssignment         = errors.New("users cannot assign roles to themselves")
	ErrPrivilegeEscalation    = errors.New("assigner does not hold the system role being assigned")
	ErrCannotModifySystemRole = errors.New("system roles cannot be modified or deleted")
	ErrInvalidRoleName        = errors.New("role name must match [A-Za-z0-9_-]+")
)

var roleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRoleName reports whether name is acceptable for a role.
func ValidRoleName(name string) bool {
	return roleNamePattern.MatchString(name)
}

// Role is a tenant-scoped named grant of permissions.
type Role struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is app-scoped: it belongs to one OAuth client.
type Permission struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// UserRole is a user-to-role assignment with optional expiry.
type UserRole struct {
	TenantID   string     `json:"tenant_id"`
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Claims is the RBAC payload merged into issued tokens.
type Claims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Store is the SQL surface the RBAC service resolves through on cache miss.
// Expired user-role assignments are filtered inside the store.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, tenantID, roleID string) (*Role, error)
	GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, tenantID, roleID string) error
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)

	CreatePermission(ctx context.Context, perm *Permission) error
	UpdatePermission(ctx context.Context, perm *Permission) error
	DeletePermission(ctx context.Context, permissionID string) error
	ListPermissions(ctx context.Context, clientID string) ([]*Permission, error)

	AssignRoleToUser(ctx context.Context, assignment *UserRole) error
	RemoveRoleFromUser(ctx context.Context, tenantID, userID, roleID string) error
	UserRoles(ctx context.Context, tenantID, userID string) ([]*Role, error)
	UserPermissions(ctx context.Context, tenantID, userID, clientID string) ([]string, error)

	AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error
	RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error
	UsersWithRole(ctx context.Context, tenantID, roleID string) ([]string, error)
}
