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

package http

import (
	"context"

	"github.com/openauth/openauth/internal/identity"
	"github.com/openauth/openauth/internal/oidc"
)

// userUpserter adapts the identity service to the provider-success
// pipeline: subjects coming back from an upstream provider are keyed by
// email, so a returning user maps onto their existing record.
type userUpserter struct {
	users *identity.Service
}

// NewUserUpserter creates the oidc.UserUpserter backing provider logins.
func NewUserUpserter(users *identity.Service) oidc.UserUpserter {
	return &userUpserter{users: users}
}

func (u *userUpserter) UpsertFromSubject(ctx context.Context, tenantID string, sub *oidc.Subject) (string, error) {
	email, _ := sub.Properties["email"].(string)
	if email == "" {
		// Nothing to key an upsert on; trust the provider-issued ID.
		return sub.UserID, nil
	}
	return u.users.UpsertSubject(ctx, tenantID, email, sub.Type, sub.Properties)
}
