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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openauth/openauth/internal/storage"
)

// KV layout: client records live under "clients:<tenant>:<client_id>".
const clientPrefix = "clients:"

// clientRecord is the KV wire form of a Client. The secret hash is excluded
// from the Client's own JSON so it never leaks through API responses; the
// envelope carries it explicitly.
type clientRecord struct {
	Client
	SecretHash string `json:"secret_hash,omitempty"`
}

// KVClientStore keeps client registrations in the authoritative KV store.
// Deployments without the mirror database use it as the only client backend.
type KVClientStore struct {
	store storage.Storage
}

// NewKVClientStore creates a ClientStore backed by the KV store.
func NewKVClientStore(store storage.Storage) *KVClientStore {
	return &KVClientStore{store: store}
}

func clientKey(tenantID, clientID string) string {
	return clientPrefix + tenantID + ":" + clientID
}

// CreateClient stores a new client record.
func (s *KVClientStore) CreateClient(ctx context.Context, client *Client) error {
	if _, err := s.store.Get(ctx, clientKey(client.TenantID, client.ClientID)); err == nil {
		return ErrClientAlreadyExists
	}
	return s.put(ctx, client)
}

// GetClient loads a client. Soft-deleted records are not returned.
func (s *KVClientStore) GetClient(ctx context.Context, tenantID, clientID string) (*Client, error) {
	raw, err := s.store.Get(ctx, clientKey(tenantID, clientID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	client, err := decodeClient(raw)
	if err != nil {
		return nil, err
	}
	if client.DeletedAt != nil {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// UpdateClient overwrites an existing client record.
func (s *KVClientStore) UpdateClient(ctx context.Context, client *Client) error {
	if _, err := s.GetClient(ctx, client.TenantID, client.ClientID); err != nil {
		return err
	}
	return s.put(ctx, client)
}

// DeleteClient soft-deletes a client. The record stays so the client_id is
// never reissued within the tenant.
func (s *KVClientStore) DeleteClient(ctx context.Context, tenantID, clientID string) error {
	raw, err := s.store.Get(ctx, clientKey(tenantID, clientID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrClientNotFound
		}
		return fmt.Errorf("failed to load client: %w", err)
	}
	client, err := decodeClient(raw)
	if err != nil {
		return err
	}
	if client.DeletedAt != nil {
		return ErrClientNotFound
	}
	now := time.Now()
	client.DeletedAt = &now
	client.IsActive = false
	return s.put(ctx, client)
}

// ListClients returns all live clients of a tenant in client_id order.
func (s *KVClientStore) ListClients(ctx context.Context, tenantID string) ([]*Client, error) {
	entries, err := s.store.Scan(ctx, clientPrefix+tenantID+":")
	if err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}
	clients := make([]*Client, 0, len(entries))
	for _, e := range entries {
		client, err := decodeClient(e.Value)
		if err != nil {
			return nil, err
		}
		if client.DeletedAt != nil {
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func (s *KVClientStore) put(ctx context.Context, client *Client) error {
	rec := clientRecord{Client: *client, SecretHash: client.ClientSecretHash}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	return s.store.Set(ctx, clientKey(client.TenantID, client.ClientID), raw, 0)
}

func decodeClient(raw []byte) (*Client, error) {
	var rec clientRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt client record: %w", err)
	}
	rec.Client.ClientSecretHash = rec.SecretHash
	return &rec.Client, nil
}
