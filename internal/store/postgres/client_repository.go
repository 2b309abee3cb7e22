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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openauth/openauth/internal/oauth2"
)

const uniqueViolation = "23505"

// ClientRepository implements oauth2.ClientStore
type ClientRepository struct {
	db *DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// CreateClient registers a new OAuth client.
func (r *ClientRepository) CreateClient(ctx context.Context, client *oauth2.Client) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO oauth_clients (
			client_id, tenant_id, client_secret_hash, client_name, client_uri, logo_uri,
			redirect_uris, scopes, grant_types, access_token_ttl, refresh_token_ttl,
			is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		client.ClientID, client.TenantID, client.ClientSecretHash, client.ClientName,
		client.ClientURI, client.LogoURI, client.RedirectURIs, client.Scopes,
		client.GrantTypes, client.AccessTokenTTL, client.RefreshTokenTTL,
		client.IsActive, client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return oauth2.ErrClientAlreadyExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClient retrieves a client within its tenant. Soft-deleted clients are
// not returned.
func (r *ClientRepository) GetClient(ctx context.Context, tenantID, clientID string) (*oauth2.Client, error) {
	var c oauth2.Client
	err := r.db.pool.QueryRow(ctx, `
		SELECT client_id, tenant_id, client_secret_hash, client_name, client_uri, logo_uri,
			redirect_uris, scopes, grant_types, access_token_ttl, refresh_token_ttl,
			is_active, created_at, updated_at, deleted_at
		FROM oauth_clients
		WHERE tenant_id = $1 AND client_id = $2 AND deleted_at IS NULL
	`, tenantID, clientID).Scan(
		&c.ClientID, &c.TenantID, &c.ClientSecretHash, &c.ClientName, &c.ClientURI, &c.LogoURI,
		&c.RedirectURIs, &c.Scopes, &c.GrantTypes, &c.AccessTokenTTL, &c.RefreshTokenTTL,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

// UpdateClient applies changes to a client record.
func (r *ClientRepository) UpdateClient(ctx context.Context, client *oauth2.Client) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients SET
			client_secret_hash = $3, client_name = $4, client_uri = $5, logo_uri = $6,
			redirect_uris = $7, scopes = $8, grant_types = $9,
			access_token_ttl = $10, refresh_token_ttl = $11, is_active = $12, updated_at = $13
		WHERE tenant_id = $1 AND client_id = $2 AND deleted_at IS NULL
	`,
		client.TenantID, client.ClientID, client.ClientSecretHash, client.ClientName,
		client.ClientURI, client.LogoURI, client.RedirectURIs, client.Scopes,
		client.GrantTypes, client.AccessTokenTTL, client.RefreshTokenTTL,
		client.IsActive, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrClientNotFound
	}
	return nil
}

// DeleteClient soft-deletes a client.
func (r *ClientRepository) DeleteClient(ctx context.Context, tenantID, clientID string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_clients SET deleted_at = $3, is_active = FALSE, updated_at = $3
		WHERE tenant_id = $1 AND client_id = $2 AND deleted_at IS NULL
	`, tenantID, clientID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if result.RowsAffected() == 0 {
		return oauth2.ErrClientNotFound
	}
	return nil
}

// ListClients lists a tenant's non-deleted clients.
func (r *ClientRepository) ListClients(ctx context.Context, tenantID string) ([]*oauth2.Client, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT client_id, tenant_id, client_secret_hash, client_name, client_uri, logo_uri,
			redirect_uris, scopes, grant_types, access_token_ttl, refresh_token_ttl,
			is_active, created_at, updated_at, deleted_at
		FROM oauth_clients
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var out []*oauth2.Client
	for rows.Next() {
		var c oauth2.Client
		if err := rows.Scan(
			&c.ClientID, &c.TenantID, &c.ClientSecretHash, &c.ClientName, &c.ClientURI, &c.LogoURI,
			&c.RedirectURIs, &c.Scopes, &c.GrantTypes, &c.AccessTokenTTL, &c.RefreshTokenTTL,
			&c.IsActive, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
