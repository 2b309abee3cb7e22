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

package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/storage"
)

// failingStore errors on every call, for the fail-open path.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("storage down")
}
func (failingStore) Remove(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage down")
}
func (failingStore) Scan(context.Context, string) ([]storage.Entry, error) {
	return nil, errors.New("storage down")
}
func (failingStore) Close() error { return nil }

func newService(t *testing.T) (*Service, storage.Storage) {
	t.Helper()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return NewService(mem, 0), mem
}

func TestAccessTokenDenyList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	assert.False(t, svc.IsAccessTokenRevoked(ctx, "tok-1"))

	require.NoError(t, svc.RevokeAccessToken(ctx, "tok-1"))
	assert.True(t, svc.IsAccessTokenRevoked(ctx, "tok-1"))
	assert.False(t, svc.IsAccessTokenRevoked(ctx, "tok-2"))
}

func TestDenyListFailsOpen(t *testing.T) {
	svc := NewService(failingStore{}, 0)
	assert.False(t, svc.IsAccessTokenRevoked(context.Background(), "tok-1"))
}

func TestRevokeAllRefreshTokensScansFamily(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, mem.Set(ctx, "oauth:refresh:user-1:"+id, []byte("{}"), 0))
	}
	require.NoError(t, mem.Set(ctx, "oauth:refresh:user-2:r9", []byte("{}"), 0))

	removed, err := svc.RevokeAllRefreshTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	// user-2's family is untouched.
	entries, err := mem.Scan(ctx, "oauth:refresh:")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "oauth:refresh:user-2:r9", entries[0].Key)
}

func TestRevokeSingleRefreshToken(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	require.NoError(t, mem.Set(ctx, "oauth:refresh:user-1:r1", []byte("{}"), 0))
	require.NoError(t, svc.RevokeRefreshToken(ctx, "user-1", "r1"))

	_, err := mem.Get(ctx, "oauth:refresh:user-1:r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCleanExpiredRevocations(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	svc := NewService(mem, time.Minute)

	// One stale entry (written directly with an old timestamp) and one fresh.
	require.NoError(t, mem.Set(ctx, "oauth:revoked:access:old",
		[]byte(`{"revoked_at":"2000-01-01T00:00:00Z"}`), 0))
	require.NoError(t, svc.RevokeAccessToken(ctx, "fresh"))

	removed, err := svc.CleanExpiredRevocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, svc.IsAccessTokenRevoked(ctx, "fresh"))
	assert.False(t, svc.IsAccessTokenRevoked(ctx, "old"))
}
