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
	"errors"
	"strings"
	"time"
)

// Domain errors
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrClientAlreadyExists = errors.New("client already exists")
	ErrClientDisabled      = errors.New("client disabled")
)

// Supported grant types
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantImplicit          = "implicit"
)

// Token mode claim values
const (
	ModeAccess = "access"
	ModeM2M    = "m2m"
)

// Default token lifetimes. Clients may override per record.
const (
	DefaultCodeTTL    = 10 * time.Minute
	DefaultAccessTTL  = 30 * 24 * time.Hour
	DefaultRefreshTTL = 365 * 24 * time.Hour
)

// Client is a registered OAuth2 application.
type Client struct {
	ClientID         string     `json:"client_id"`
	TenantID         string     `json:"tenant_id"`
	ClientSecretHash string     `json:"-"`
	ClientName       string     `json:"client_name"`
	ClientURI        string     `json:"client_uri,omitempty"`
	LogoURI          string     `json:"logo_uri,omitempty"`
	RedirectURIs     []string   `json:"redirect_uris"`
	Scopes           []string   `json:"scopes"`
	GrantTypes       []string   `json:"grant_types"`
	AccessTokenTTL   int        `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL  int        `json:"refresh_token_ttl,omitempty"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// IsPublic reports whether the client has no secret registered.
func (c *Client) IsPublic() bool {
	return c.ClientSecretHash == ""
}

// HasGrantType reports whether the client may use the grant.
func (c *Client) HasGrantType(grant string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grant {
			return true
		}
	}
	return false
}

// ValidateRedirectURI checks the URI against the registered list. Exact
// match only.
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// ValidateScope checks that every requested scope is registered for the
// client. An empty request is always valid.
func (c *Client) ValidateScope(requestedScope string) bool {
	if requestedScope == "" {
		return true
	}
	for _, req := range strings.Fields(requestedScope) {
		allowed := false
		for _, s := range c.Scopes {
			if s == req || s == "*" {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// AccessTTL returns the client's access-token lifetime or the default.
func (c *Client) AccessTTL() time.Duration {
	if c.AccessTokenTTL > 0 {
		return time.Duration(c.AccessTokenTTL) * time.Second
	}
	return DefaultAccessTTL
}

// RefreshTTL returns the client's refresh-token lifetime or the default.
func (c *Client) RefreshTTL() time.Duration {
	if c.RefreshTokenTTL > 0 {
		return time.Duration(c.RefreshTokenTTL) * time.Second
	}
	return DefaultRefreshTTL
}

// PKCE holds the code-challenge half of a proof-key exchange (RFC 7636).
type PKCE struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
}

// AuthorizationCode is the ephemeral record stored under oauth:code:<code>
// between the authorize redirect and the token exchange. It carries the
// fully enriched subject so redemption needs no further lookups.
type AuthorizationCode struct {
	SubjectID         string         `json:"subject_id"`
	SubjectType       string         `json:"subject_type"`
	SubjectProperties map[string]any `json:"subject_properties,omitempty"`
	RedirectURI       string         `json:"redirect_uri"`
	ClientID          string         `json:"client_id"`
	TenantID          string         `json:"tenant_id"`
	Scope             string         `json:"scope,omitempty"`
	Nonce             string         `json:"nonce,omitempty"`
	PKCE              *PKCE          `json:"pkce,omitempty"`
	Roles             []string       `json:"roles,omitempty"`
	Permissions       []string       `json:"permissions,omitempty"`
	AccessTTL         int            `json:"access_ttl,omitempty"`
	RefreshTTL        int            `json:"refresh_ttl,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RefreshTokenRecord lives under oauth:refresh:<subject>:<tokenId>.
// Successive rotations chain through ParentTokenID, forming the family that
// reuse detection revokes as a whole.
type RefreshTokenRecord struct {
	TokenID           string         `json:"token_id"`
	ClientID          string         `json:"client_id"`
	TenantID          string         `json:"tenant_id"`
	Subject           string         `json:"subject"`
	SubjectType       string         `json:"subject_type,omitempty"`
	SubjectProperties map[string]any `json:"subject_properties,omitempty"`
	Scope             string         `json:"scope,omitempty"`
	Roles             []string       `json:"roles,omitempty"`
	Permissions       []string       `json:"permissions,omitempty"`
	TTL               int            `json:"ttl"`
	Generation        int            `json:"generation"`
	ParentTokenID     string         `json:"parent_token_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ClientStore is the persistence surface for OAuth2 clients.
type ClientStore interface {
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, tenantID, clientID string) error
	ListClients(ctx context.Context, tenantID string) ([]*Client, error)
}
