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
	"strings"
	"time"
)

// Prefixed decorates a Storage so every key is namespaced under a fixed
// prefix. The tenant middleware attaches a per-tenant facade
// (prefix "tenant:{id}") so no read or write issued through it can touch
// another tenant's subtree.
type Prefixed struct {
	inner  Storage
	prefix string
}

// WithPrefix wraps inner so all keys are prefixed with "<prefix>:".
func WithPrefix(inner Storage, prefix string) *Prefixed {
	return &Prefixed{inner: inner, prefix: prefix + ":"}
}

// TenantPrefix builds the canonical prefix for a tenant's subtree.
func TenantPrefix(tenantID string) string {
	return Key("tenant", tenantID)
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.inner.Set(ctx, p.prefix+key, value, ttl)
}

func (p *Prefixed) Remove(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Remove(ctx, p.prefix+key)
}

// Scan enumerates under the namespaced prefix. Returned keys have the
// namespace stripped so callers see the same keys they wrote.
func (p *Prefixed) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := p.inner.Scan(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Key:   strings.TrimPrefix(e.Key, p.prefix),
			Value: e.Value,
		})
	}
	return out, nil
}

// Close is a no-op; the wrapped store owns the connection.
func (p *Prefixed) Close() error {
	return nil
}
