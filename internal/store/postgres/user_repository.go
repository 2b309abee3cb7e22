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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openauth/openauth/internal/identity"
)

// UserRepository implements identity.Mirror and backs admin user listings.
// The KV store stays authoritative for login-path reads; rows here may lag
// behind by one failed mirror write.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// UpsertUser writes or refreshes a user row.
func (r *UserRepository) UpsertUser(ctx context.Context, user *identity.User) error {
	props, err := json.Marshal(user.SubjectProperties)
	if err != nil {
		return fmt.Errorf("failed to encode subject properties: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO users (
			id, tenant_id, email, email_verified, subject_type, subject_properties,
			failed_login_attempts, locked_until, created_at, updated_at, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			email_verified = EXCLUDED.email_verified,
			subject_type = EXCLUDED.subject_type,
			subject_properties = EXCLUDED.subject_properties,
			failed_login_attempts = EXCLUDED.failed_login_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`,
		user.ID, user.TenantID, user.Email, user.EmailVerified, user.SubjectType, props,
		user.FailedLoginAttempts, user.LockedUntil, user.CreatedAt, user.UpdatedAt, user.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// DeleteUser soft-deletes a user row.
func (r *UserRepository) DeleteUser(ctx context.Context, tenantID, userID string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE users SET deleted_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
	`, tenantID, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// GetUser retrieves a mirrored user row.
func (r *UserRepository) GetUser(ctx context.Context, tenantID, userID string) (*identity.User, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, email_verified, subject_type, subject_properties,
			failed_login_attempts, locked_until, created_at, updated_at, deleted_at
		FROM users
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
	`, tenantID, userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListUsers pages through a tenant's users, newest first.
func (r *UserRepository) ListUsers(ctx context.Context, tenantID string, limit, offset int) ([]*identity.User, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, tenant_id, email, email_verified, subject_type, subject_properties,
			failed_login_attempts, locked_until, created_at, updated_at, deleted_at
		FROM users
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*identity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

// CountUsers counts a tenant's non-deleted users.
func (r *UserRepository) CountUsers(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.pool.QueryRow(ctx, `
		SELECT count(*) FROM users WHERE tenant_id = $1 AND deleted_at IS NULL
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func scanUser(row pgx.Row) (*identity.User, error) {
	var user identity.User
	var props []byte
	if err := row.Scan(
		&user.ID, &user.TenantID, &user.Email, &user.EmailVerified, &user.SubjectType, &props,
		&user.FailedLoginAttempts, &user.LockedUntil, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	); err != nil {
		return nil, err
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &user.SubjectProperties); err != nil {
			return nil, fmt.Errorf("corrupt subject properties: %w", err)
		}
	}
	return &user, nil
}
