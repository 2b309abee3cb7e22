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

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every Storage implementation under test.
func backends(t *testing.T) map[string]Storage {
	t.Helper()

	mr := miniredis.RunT(t)
	rs, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)

	mem := NewMemory()
	t.Cleanup(func() {
		_ = mem.Close()
		_ = rs.Close()
	})

	return map[string]Storage{"memory": mem, "redis": rs}
}

func TestGetSetRemove(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "a:b", []byte("v1"), 0))

			got, err := s.Get(ctx, "a:b")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			prior, err := s.Remove(ctx, "a:b")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), prior)

			// Second remove sees nothing.
			prior, err = s.Remove(ctx, "a:b")
			require.NoError(t, err)
			assert.Nil(t, prior)

			_, err = s.Get(ctx, "a:b")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestScanOrderedByKey(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "oauth:code:c", []byte("3"), 0))
			require.NoError(t, s.Set(ctx, "oauth:code:a", []byte("1"), 0))
			require.NoError(t, s.Set(ctx, "oauth:code:b", []byte("2"), 0))
			require.NoError(t, s.Set(ctx, "oauth:refresh:x", []byte("other"), 0))

			entries, err := s.Scan(ctx, "oauth:code:")
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, "oauth:code:a", entries[0].Key)
			assert.Equal(t, "oauth:code:b", entries[1].Key)
			assert.Equal(t, "oauth:code:c", entries[2].Key)
		})
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	defer mem.Close()

	require.NoError(t, mem.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	got, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(20 * time.Millisecond)

	_, err = mem.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := mem.Scan(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := NewRedis(ctx, RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rs.Close()

	require.NoError(t, rs.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err = rs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Authorization-code redemption relies on Remove yielding the value to
// exactly one concurrent caller.
func TestRemoveSingleWinner(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "oauth:code:race", []byte("payload"), 0))

			const n = 16
			var wg sync.WaitGroup
			wins := make(chan []byte, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := s.Remove(ctx, "oauth:code:race")
					if err == nil && v != nil {
						wins <- v
					}
				}()
			}
			wg.Wait()
			close(wins)

			var count int
			for v := range wins {
				count++
				assert.Equal(t, []byte("payload"), v)
			}
			assert.Equal(t, 1, count)
		})
	}
}

func TestPrefixedTenantIsolation(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	defer mem.Close()

	a := WithPrefix(mem, TenantPrefix("tenant-a"))
	b := WithPrefix(mem, TenantPrefix("tenant-b"))

	require.NoError(t, a.Set(ctx, "session:browser:s1", []byte("a-data"), 0))
	require.NoError(t, b.Set(ctx, "session:browser:s1", []byte("b-data"), 0))

	got, err := a.Get(ctx, "session:browser:s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a-data"), got)

	// Scans under A never surface B's keys.
	entries, err := a.Scan(ctx, "session:")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session:browser:s1", entries[0].Key)
	assert.Equal(t, []byte("a-data"), entries[0].Value)

	// Raw keys carry the tenant namespace.
	raw, err := mem.Scan(ctx, "tenant:tenant-a:")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "tenant:tenant-a:session:browser:s1", raw[0].Key)
}

func TestKeyJoin(t *testing.T) {
	assert.Equal(t, "session:browser:t1:s1", Key("session", "browser", "t1", "s1"))
	assert.Equal(t, fmt.Sprintf("oauth:code:%s", "abc"), Key("oauth", "code", "abc"))
}
