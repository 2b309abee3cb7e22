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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/secrets"
)

func newTestKeyring(t *testing.T) *secrets.Keyring {
	t.Helper()
	kr, err := secrets.NewKeyring(0)
	require.NoError(t, err)
	return kr
}

func TestM2MRoundTrip(t *testing.T) {
	kr := newTestKeyring(t)

	result, err := GenerateM2MToken(kr, M2MRequest{
		ClientID: "worker-1",
		TenantID: "acme",
		Scopes:   []string{"api:read", "api:write"},
		Issuer:   "https://issuer.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultM2MTTL, result.ExpiresIn)
	assert.NotEmpty(t, result.TokenID)

	claims, err := VerifyM2MToken(kr, result.AccessToken, "https://issuer.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", claims.ClientID)
	assert.Equal(t, "worker-1", claims.Subject)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "api:read api:write", claims.Scope)
	assert.Equal(t, result.TokenID, claims.TokenID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestM2MZeroTTLHonoredLiterally(t *testing.T) {
	kr := newTestKeyring(t)

	zero := 0
	result, err := GenerateM2MToken(kr, M2MRequest{
		ClientID: "worker-1",
		Issuer:   "https://issuer.example.com",
		Config:   &M2MConfig{TTL: &zero},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiresIn)

	_, err = VerifyM2MToken(kr, result.AccessToken, "https://issuer.example.com", "")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrExpiredToken, oerr.Code)
}

func TestM2MTenantClaimGating(t *testing.T) {
	kr := newTestKeyring(t)

	off := false
	result, err := GenerateM2MToken(kr, M2MRequest{
		ClientID: "worker-1",
		TenantID: "acme",
		Issuer:   "https://issuer.example.com",
		Config:   &M2MConfig{IncludeTenantID: &off},
	})
	require.NoError(t, err)

	claims, err := VerifyM2MToken(kr, result.AccessToken, "https://issuer.example.com", "")
	require.NoError(t, err)
	assert.Empty(t, claims.TenantID)
}

func TestM2MIssuerMismatch(t *testing.T) {
	kr := newTestKeyring(t)
	result, err := GenerateM2MToken(kr, M2MRequest{
		ClientID: "worker-1",
		Issuer:   "https://issuer-a.example.com",
	})
	require.NoError(t, err)

	_, err = VerifyM2MToken(kr, result.AccessToken, "https://issuer-b.example.com", "")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrInvalidIssuer, oerr.Code)
}

func TestM2MAudience(t *testing.T) {
	kr := newTestKeyring(t)
	result, err := GenerateM2MToken(kr, M2MRequest{
		ClientID: "worker-1",
		Issuer:   "https://issuer.example.com",
		Config:   &M2MConfig{Audience: "https://api.example.com"},
	})
	require.NoError(t, err)

	_, err = VerifyM2MToken(kr, result.AccessToken, "https://issuer.example.com", "https://api.example.com")
	require.NoError(t, err)

	_, err = VerifyM2MToken(kr, result.AccessToken, "https://issuer.example.com", "https://other.example.com")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrInvalidAudience, oerr.Code)

	// Audience not enforced when the verifier does not expect one.
	_, err = VerifyM2MToken(kr, result.AccessToken, "https://issuer.example.com", "")
	require.NoError(t, err)
}

func TestM2MRejectsNonM2MToken(t *testing.T) {
	kr := newTestKeyring(t)

	now := time.Now()
	signed, err := kr.Sign(jwt.MapClaims{
		"mode": ModeAccess,
		"sub":  "user-1",
		"iss":  "https://issuer.example.com",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = VerifyM2MToken(kr, signed, "https://issuer.example.com", "")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrNotM2MToken, oerr.Code)
}

func TestM2MMissingClaims(t *testing.T) {
	kr := newTestKeyring(t)

	now := time.Now()
	signed, err := kr.Sign(jwt.MapClaims{
		"mode": ModeM2M,
		"iss":  "https://issuer.example.com",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = VerifyM2MToken(kr, signed, "https://issuer.example.com", "")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrMissingClaims, oerr.Code)
}

func TestM2MGarbageToken(t *testing.T) {
	kr := newTestKeyring(t)
	_, err := VerifyM2MToken(kr, "not.a.jwt", "https://issuer.example.com", "")
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ErrInvalidToken, oerr.Code)
}

func TestM2MScopeHelpers(t *testing.T) {
	claims := &M2MClaims{Scope: "api:read api:write queue:consume"}

	assert.True(t, claims.HasScope("api:read"))
	assert.False(t, claims.HasScope("api:admin"))
	assert.True(t, claims.HasAllScopes("api:read", "queue:consume"))
	assert.False(t, claims.HasAllScopes("api:read", "api:admin"))
	assert.True(t, claims.HasAnyScope("nope", "api:write"))
	assert.False(t, claims.HasAnyScope("nope", "nada"))
	assert.True(t, claims.HasAllScopes())
	assert.False(t, claims.HasAnyScope())
}
