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

package oauth2

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openauth/openauth/internal/secrets"
)

// ClientService manages OAuth2 client registration and authentication.
type ClientService struct {
	store ClientStore
}

// NewClientService creates a client service.
func NewClientService(store ClientStore) *ClientService {
	return &ClientService{store: store}
}

// CreateClient registers a client. When confidential is true, a secret is
// generated and the plaintext returned exactly once; only the hash persists.
func (s *ClientService) CreateClient(ctx context.Context, client *Client, confidential bool) (string, error) {
	if client.ClientID == "" {
		client.ClientID = uuid.NewString()
	}
	var secret string
	if confidential {
		secret = secrets.GenerateClientSecret()
		hash, err := secrets.HashClientSecret(secret)
		if err != nil {
			return "", err
		}
		client.ClientSecretHash = hash
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now
	client.IsActive = true

	if err := s.store.CreateClient(ctx, client); err != nil {
		return "", err
	}
	return secret, nil
}

// GetClient fetches an active client.
func (s *ClientService) GetClient(ctx context.Context, tenantID, clientID string) (*Client, error) {
	client, err := s.store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	if client.DeletedAt != nil {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// UpdateClient persists mutable client fields.
func (s *ClientService) UpdateClient(ctx context.Context, client *Client) error {
	client.UpdatedAt = time.Now()
	return s.store.UpdateClient(ctx, client)
}

// DeleteClient soft-deletes a client.
func (s *ClientService) DeleteClient(ctx context.Context, tenantID, clientID string) error {
	return s.store.DeleteClient(ctx, tenantID, clientID)
}

// ListClients returns the tenant's clients.
func (s *ClientService) ListClients(ctx context.Context, tenantID string) ([]*Client, error) {
	return s.store.ListClients(ctx, tenantID)
}

// RotateSecret replaces the client secret, returning the new plaintext.
func (s *ClientService) RotateSecret(ctx context.Context, tenantID, clientID string) (string, error) {
	client, err := s.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return "", err
	}
	secret := secrets.GenerateClientSecret()
	hash, err := secrets.HashClientSecret(secret)
	if err != nil {
		return "", err
	}
	client.ClientSecretHash = hash
	if err := s.UpdateClient(ctx, client); err != nil {
		return "", err
	}
	return secret, nil
}

// Authenticate validates client credentials (RFC 6749 Section 3.2.1). The
// unknown-client path burns the same hashing work as a real comparison so
// both failures are timing-equal.
func (s *ClientService) Authenticate(ctx context.Context, tenantID, clientID, clientSecret string) (*Client, error) {
	client, err := s.store.GetClient(ctx, tenantID, clientID)
	if err != nil || client.DeletedAt != nil {
		secrets.DummyCompare(clientSecret)
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}
	if !client.IsActive {
		secrets.DummyCompare(clientSecret)
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}
	if client.IsPublic() {
		if clientSecret != "" {
			return nil, NewError(ErrInvalidClient, "invalid client credentials")
		}
		return client, nil
	}
	ok, err := secrets.VerifyClientSecret(clientSecret, client.ClientSecretHash)
	if err != nil || !ok {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}
	return client, nil
}
