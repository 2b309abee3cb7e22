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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/storage"
)

func newKVStore(t *testing.T) *KVClientStore {
	t.Helper()
	mem := storage.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return NewKVClientStore(mem)
}

func TestKVClientStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	client := &Client{
		ClientID:         "web",
		TenantID:         "acme",
		ClientName:       "Acme Web",
		ClientSecretHash: "$argon2id$hash",
		RedirectURIs:     []string{"https://acme.example.com/cb"},
		GrantTypes:       []string{GrantAuthorizationCode},
		IsActive:         true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, store.CreateClient(ctx, client))

	got, err := store.GetClient(ctx, "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "Acme Web", got.ClientName)
	// The hash is excluded from the Client's JSON; the store must still
	// persist it or confidential clients could never authenticate.
	assert.Equal(t, "$argon2id$hash", got.ClientSecretHash)

	err = store.CreateClient(ctx, client)
	assert.ErrorIs(t, err, ErrClientAlreadyExists)
}

func TestKVClientStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	require.NoError(t, store.CreateClient(ctx, &Client{ClientID: "web", TenantID: "acme", IsActive: true}))
	require.NoError(t, store.CreateClient(ctx, &Client{ClientID: "web", TenantID: "globex", IsActive: true}))

	_, err := store.GetClient(ctx, "initech", "web")
	assert.ErrorIs(t, err, ErrClientNotFound)

	clients, err := store.ListClients(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "acme", clients[0].TenantID)
}

func TestKVClientStoreSoftDelete(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	require.NoError(t, store.CreateClient(ctx, &Client{ClientID: "web", TenantID: "acme", IsActive: true}))
	require.NoError(t, store.DeleteClient(ctx, "acme", "web"))

	_, err := store.GetClient(ctx, "acme", "web")
	assert.ErrorIs(t, err, ErrClientNotFound)

	// The record survives as a tombstone, so the id cannot be reused.
	err = store.CreateClient(ctx, &Client{ClientID: "web", TenantID: "acme"})
	assert.ErrorIs(t, err, ErrClientAlreadyExists)

	clients, err := store.ListClients(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, clients)

	err = store.DeleteClient(ctx, "acme", "web")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestKVClientStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := newKVStore(t)

	_, err := store.GetClient(ctx, "acme", "web")
	assert.ErrorIs(t, err, ErrClientNotFound)

	client := &Client{ClientID: "web", TenantID: "acme", ClientName: "Old", IsActive: true}
	require.NoError(t, store.CreateClient(ctx, client))

	client.ClientName = "New"
	require.NoError(t, store.UpdateClient(ctx, client))

	got, err := store.GetClient(ctx, "acme", "web")
	require.NoError(t, err)
	assert.Equal(t, "New", got.ClientName)

	err = store.UpdateClient(ctx, &Client{ClientID: "ghost", TenantID: "acme"})
	assert.ErrorIs(t, err, ErrClientNotFound)
}
