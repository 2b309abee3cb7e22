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
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openauth/openauth/internal/secrets"
)

// DefaultM2MTTL is the machine-token lifetime when none is configured.
const DefaultM2MTTL = 3600

// M2MConfig tunes token generation. TTL is a pointer so an explicit zero
// ("already expired") is distinguishable from unset.
type M2MConfig struct {
	TTL             *int
	IncludeTenantID *bool
	Audience        string
}

// M2MRequest describes the token to mint.
type M2MRequest struct {
	ClientID string
	TenantID string
	Scopes   []string
	Issuer   string
	Config   *M2MConfig
}

// M2MResult is the minted token plus its metadata.
type M2MResult struct {
	AccessToken string
	ExpiresIn   int
	TokenID     string
}

// M2MClaims is the verified content of a machine token.
type M2MClaims struct {
	ClientID  string
	Subject   string
	TenantID  string
	Scope     string
	Issuer    string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// GenerateM2MToken mints a client-credentials JWT signed by the ring's
// current key.
func GenerateM2MToken(keyring *secrets.Keyring, req M2MRequest) (*M2MResult, error) {
	ttl := DefaultM2MTTL
	if req.Config != nil && req.Config.TTL != nil {
		ttl = *req.Config.TTL
	}
	includeTenant := req.TenantID != ""
	if req.Config != nil && req.Config.IncludeTenantID != nil {
		includeTenant = *req.Config.IncludeTenantID
	}

	tokenID := uuid.NewString()
	now := time.Now()
	claims := jwt.MapClaims{
		"mode":      ModeM2M,
		"sub":       req.ClientID,
		"client_id": req.ClientID,
		"scope":     strings.Join(req.Scopes, " "),
		"iat":       now.Unix(),
		"exp":       now.Add(time.Duration(ttl) * time.Second).Unix(),
		"jti":       tokenID,
		"iss":       req.Issuer,
	}
	if includeTenant && req.TenantID != "" {
		claims["tenant_id"] = req.TenantID
	}
	if req.Config != nil && req.Config.Audience != "" {
		claims["aud"] = req.Config.Audience
	}

	signed, err := keyring.Sign(claims)
	if err != nil {
		return nil, err
	}
	return &M2MResult{AccessToken: signed, ExpiresIn: ttl, TokenID: tokenID}, nil
}

// VerifyM2MToken validates a machine token. expectedAudience is only
// enforced when non-empty. Failures come back as *Error with a category
// code so callers can answer with the right protocol error.
func VerifyM2MToken(keyring *secrets.Keyring, token, expectedIssuer, expectedAudience string) (*M2MClaims, error) {
	claims, err := keyring.Verify(token)
	if err != nil {
		if errors.Is(err, secrets.ErrTokenExpired) {
			return nil, NewError(ErrExpiredToken, "token expired")
		}
		return nil, NewError(ErrInvalidToken, "token verification failed")
	}

	if mode, _ := claims["mode"].(string); mode != ModeM2M {
		return nil, NewError(ErrNotM2MToken, "token mode is not m2m")
	}

	clientID := stringClaim(claims, "client_id")
	sub := stringClaim(claims, "sub")
	if clientID == "" || sub == "" {
		return nil, NewError(ErrMissingClaims, "missing client_id or sub claim")
	}
	if _, ok := claims["exp"]; !ok {
		return nil, NewError(ErrMissingClaims, "missing exp claim")
	}

	iss := stringClaim(claims, "iss")
	if expectedIssuer != "" && iss != expectedIssuer {
		return nil, NewError(ErrInvalidIssuer, "issuer mismatch")
	}
	if expectedAudience != "" {
		if aud := stringClaim(claims, "aud"); aud != expectedAudience {
			return nil, NewError(ErrInvalidAudience, "audience mismatch")
		}
	}

	out := &M2MClaims{
		ClientID: clientID,
		Subject:  sub,
		TenantID: stringClaim(claims, "tenant_id"),
		Scope:    stringClaim(claims, "scope"),
		Issuer:   iss,
		TokenID:  stringClaim(claims, "jti"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}

// HasScope reports whether the token grants one scope.
func (c *M2MClaims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every listed scope is granted.
func (c *M2MClaims) HasAllScopes(scopes ...string) bool {
	for _, s := range scopes {
		if !c.HasScope(s) {
			return false
		}
	}
	return true
}

// HasAnyScope reports whether at least one listed scope is granted.
func (c *M2MClaims) HasAnyScope(scopes ...string) bool {
	for _, s := range scopes {
		if c.HasScope(s) {
			return true
		}
	}
	return false
}
