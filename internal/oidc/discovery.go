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

package oidc

import "github.com/openauth/openauth/internal/oauth2"

// ProviderMetadata is the /.well-known/openid-configuration document
// (OIDC Discovery Section 3).
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported             []string `json:"prompt_values_supported"`
}

// AuthServerMetadata is the /.well-known/oauth-authorization-server
// document (RFC 8414).
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

var supportedGrants = []string{
	oauth2.GrantAuthorizationCode,
	oauth2.GrantRefreshToken,
	oauth2.GrantClientCredentials,
}

// NewProviderMetadata builds the discovery document for an issuer URL. The
// claims list advertises the enterprise claims callers can rely on.
func NewProviderMetadata(issuer string) ProviderMetadata {
	return ProviderMetadata{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/authorize",
		TokenEndpoint:                    issuer + "/token",
		UserinfoEndpoint:                 issuer + "/userinfo",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              supportedGrants,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ScopesSupported:                  []string{"openid", "profile", "email"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat", "nonce",
			"roles", "permissions", "tenant_id",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
		PromptValuesSupported: []string{
			PromptNone, PromptLogin, PromptConsent, PromptSelectAccount,
		},
	}
}

// NewAuthServerMetadata builds the RFC 8414 document for an issuer URL.
func NewAuthServerMetadata(issuer string) AuthServerMetadata {
	return AuthServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		JWKSURI:                issuer + "/.well-known/jwks.json",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    supportedGrants,
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
		ScopesSupported:               []string{"openid", "profile", "email"},
		CodeChallengeMethodsSupported: []string{"S256"},
	}
}

// UserInfo renders the /userinfo payload from verified access-token claims.
func UserInfo(claims *oauth2.AccessClaims) map[string]any {
	info := map[string]any{
		"sub": claims.Subject,
	}
	if claims.TenantID != "" {
		info["tenant_id"] = claims.TenantID
	}
	if len(claims.Roles) > 0 {
		info["roles"] = claims.Roles
	}
	if len(claims.Permissions) > 0 {
		info["permissions"] = claims.Permissions
	}
	if claims.Scope != "" {
		info["scope"] = claims.Scope
	}
	return info
}
