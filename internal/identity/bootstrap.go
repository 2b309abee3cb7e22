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

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/openauth/openauth/internal/rbac"
)

const (
	EnvBootstrapAdminEmail    = "OPENAUTH_BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminTenantID = "OPENAUTH_BOOTSTRAP_ADMIN_TENANT_ID"

	bootstrapAdminRole = "admin"
)

// BootstrapService grants the initial admin role on first run. It goes
// straight to the RBAC store: the service-level assignment guards assume
// an existing admin, which is exactly what bootstrap creates.
type BootstrapService struct {
	users     *Service
	rbacStore rbac.Store
}

// NewBootstrapService creates a bootstrap service.
func NewBootstrapService(users *Service, rbacStore rbac.Store) *BootstrapService {
	return &BootstrapService{users: users, rbacStore: rbacStore}
}

// Bootstrap reads the bootstrap env vars and, when set, ensures the named
// user holds the tenant's admin system role. A tenant that already has an
// admin is left alone.
func (s *BootstrapService) Bootstrap(ctx context.Context) error {
	email := os.Getenv(EnvBootstrapAdminEmail)
	tenantID := os.Getenv(EnvBootstrapAdminTenantID)
	if email == "" || tenantID == "" {
		return nil
	}

	role, err := s.rbacStore.GetRoleByName(ctx, tenantID, bootstrapAdminRole)
	if err != nil {
		if !errors.Is(err, rbac.ErrRoleNotFound) {
			return fmt.Errorf("failed to look up admin role: %w", err)
		}
		role = &rbac.Role{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			Name:         bootstrapAdminRole,
			Description:  "Tenant administrator",
			IsSystemRole: true,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if err := s.rbacStore.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("failed to create admin role: %w", err)
		}
	}

	holders, err := s.rbacStore.UsersWithRole(ctx, tenantID, role.ID)
	if err != nil {
		return fmt.Errorf("failed to check existing admins: %w", err)
	}
	if len(holders) > 0 {
		return nil
	}

	user, err := s.users.GetByEmail(ctx, tenantID, email)
	if err != nil {
		return fmt.Errorf("bootstrap user not found (tenant: %s, email: %s): %w", tenantID, email, err)
	}

	if err := s.rbacStore.AssignRoleToUser(ctx, &rbac.UserRole{
		TenantID:   tenantID,
		UserID:     user.ID,
		RoleID:     role.ID,
		AssignedAt: time.Now(),
		AssignedBy: "system:bootstrap",
	}); err != nil {
		return fmt.Errorf("failed to grant admin role during bootstrap: %w", err)
	}

	slog.InfoContext(ctx, "bootstrapped initial admin",
		"tenant_id", tenantID, "user_id", user.ID)
	return nil
}
