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

// Package provider defines the upstream authentication plugin surface.
// Concrete providers register by name and mount their own routes; the
// bridge carries encrypted authorization state across the round trip.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ErrProviderNotFound means no provider is registered under the name.
var ErrProviderNotFound = errors.New("provider not found")

// Provider is one upstream authentication plugin.
type Provider interface {
	// Init mounts the provider's routes under its name prefix.
	Init(r chi.Router, b *Bridge) error
	// Name is the registration key and route prefix segment.
	Name() string
	// Type classifies the provider (credentials, oauth, saml, ...).
	Type() string
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds a provider. Duplicate names are an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// Names lists registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Single returns the only registered provider, or nil when zero or more
// than one are configured. The authorize pipeline dispatches directly in
// the single-provider case and renders a selection page otherwise.
func (r *Registry) Single() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) != 1 {
		return nil
	}
	return r.providers[r.order[0]]
}

// ByType lists provider names of one type, sorted.
func (r *Registry) ByType(providerType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, p := range r.providers {
		if p.Type() == providerType {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
