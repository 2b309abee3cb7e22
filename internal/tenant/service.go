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

package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openauth/openauth/internal/storage"
)

// KV layout: tenant records live under "tenants:<id>", the domain index under
// "tenants:domain:<domain>". Records are global (not tenant-prefixed): the
// resolver reads them before any tenant context exists.
const (
	recordPrefix = "tenants:"
	domainPrefix = "tenants:domain:"
)

// Service provides tenant management on top of the KV store.
type Service struct {
	store storage.Storage
}

// NewService creates a tenant service.
func NewService(store storage.Storage) *Service {
	return &Service{store: store}
}

// CreateTenant registers a new tenant.
func (s *Service) CreateTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if t.Name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}

	if _, err := s.GetTenant(ctx, t.ID); err == nil {
		return nil, ErrTenantAlreadyExists
	}

	if t.Domain != "" {
		if existing, err := s.GetTenantByDomain(ctx, t.Domain); err == nil && existing.ID != t.ID {
			return nil, ErrDomainTaken
		}
	}

	now := time.Now()
	t.Status = StatusActive
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := s.put(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by ID. Soft-deleted tenants are not returned.
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	raw, err := s.store.Get(ctx, recordPrefix+id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	var t Tenant
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("corrupt tenant record: %w", err)
	}
	if t.Status == StatusDeleted {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

// GetTenantByDomain resolves a tenant through the custom-domain index.
func (s *Service) GetTenantByDomain(ctx context.Context, domain string) (*Tenant, error) {
	raw, err := s.store.Get(ctx, domainPrefix+domain)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to load domain mapping: %w", err)
	}
	return s.GetTenant(ctx, string(raw))
}

// ListTenants enumerates all non-deleted tenants.
func (s *Service) ListTenants(ctx context.Context) ([]*Tenant, error) {
	entries, err := s.store.Scan(ctx, recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenants: %w", err)
	}
	out := make([]*Tenant, 0, len(entries))
	for _, e := range entries {
		if len(e.Key) > len(domainPrefix) && e.Key[:len(domainPrefix)] == domainPrefix {
			continue // domain index entry
		}
		var t Tenant
		if err := json.Unmarshal(e.Value, &t); err != nil {
			continue
		}
		if t.Status == StatusDeleted {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// UpdateTenant applies changes to name, domain, branding, settings, status.
func (s *Service) UpdateTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	current, err := s.GetTenant(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	if t.Domain != current.Domain {
		if t.Domain != "" {
			if existing, err := s.GetTenantByDomain(ctx, t.Domain); err == nil && existing.ID != t.ID {
				return nil, ErrDomainTaken
			}
		}
		if current.Domain != "" {
			_, _ = s.store.Remove(ctx, domainPrefix+current.Domain)
		}
	}

	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = time.Now()
	if t.Status == "" {
		t.Status = current.Status
	}

	if err := s.put(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return t, nil
}

// DeleteTenant soft-deletes a tenant and drops its domain mapping.
func (s *Service) DeleteTenant(ctx context.Context, id string) error {
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if t.Domain != "" {
		_, _ = s.store.Remove(ctx, domainPrefix+t.Domain)
		t.Domain = ""
	}
	t.Status = StatusDeleted
	t.UpdatedAt = time.Now()
	return s.put(ctx, t)
}

func (s *Service) put(ctx context.Context, t *Tenant) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, recordPrefix+t.ID, raw, 0); err != nil {
		return err
	}
	if t.Domain != "" {
		return s.store.Set(ctx, domainPrefix+t.Domain, []byte(t.ID), 0)
	}
	return nil
}
