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

// Package oauth2 implements the token half of the issuer: authorization
// codes, access/refresh token issuance with rotation and reuse detection,
// client registration, and machine-to-machine tokens.
package oauth2

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openauth/openauth/internal/audit"
	"github.com/openauth/openauth/internal/revocation"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/storage"
)

// TokenConfig holds issuer-wide token settings.
type TokenConfig struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CodeTTL    time.Duration
}

// TokenService mints and redeems authorization codes and tokens. Code and
// refresh records live in the KV store; access tokens are self-contained
// JWTs checked against the deny list.
type TokenService struct {
	store   storage.Storage
	keyring *secrets.Keyring
	revoker *revocation.Service
	clients *ClientService
	auditor audit.Logger
	cfg     TokenConfig
}

// NewTokenService creates a token service.
func NewTokenService(
	store storage.Storage,
	keyring *secrets.Keyring,
	revoker *revocation.Service,
	clients *ClientService,
	auditor audit.Logger,
	cfg TokenConfig,
) *TokenService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	return &TokenService{
		store:   store,
		keyring: keyring,
		revoker: revoker,
		clients: clients,
		auditor: auditor,
		cfg:     cfg,
	}
}

// TokenRequest carries the parsed parameters of a /token call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
	TenantID     string
	IPAddress    string
	UserAgent    string
}

// TokenResponse is the /token success payload (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func codeKey(code string) string {
	return storage.Key("oauth", "code", code)
}

func refreshKey(subject, tokenID string) string {
	return storage.Key("oauth", "refresh", subject, tokenID)
}

func refreshPrefix(subject string) string {
	return storage.Key("oauth", "refresh", subject) + ":"
}

// MintAuthorizationCode stores the record and returns the opaque code the
// client will redeem.
func (s *TokenService) MintAuthorizationCode(ctx context.Context, record *AuthorizationCode) (string, error) {
	code := randomToken()
	record.CreatedAt = time.Now()
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, codeKey(code), raw, s.cfg.CodeTTL); err != nil {
		return "", fmt.Errorf("failed to persist authorization code: %w", err)
	}
	return code, nil
}

// Exchange handles one /token call, dispatching on grant_type.
func (s *TokenService) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, req)
	case GrantRefreshToken:
		return s.exchangeRefresh(ctx, req)
	case GrantClientCredentials:
		return s.exchangeClientCredentials(ctx, req)
	default:
		return nil, NewError(ErrUnsupportedGrantType, "unsupported grant_type")
	}
}

// exchangeCode redeems an authorization code (RFC 6749 Section 4.1.3). The
// record is removed atomically: of two concurrent redemptions, exactly one
// sees the record and the other gets invalid_grant.
func (s *TokenService) exchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.clients.Authenticate(ctx, req.TenantID, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantAuthorizationCode) {
		return nil, NewError(ErrUnauthorizedClient, "client not allowed authorization_code grant")
	}

	raw, err := s.store.Remove(ctx, codeKey(req.Code))
	if err != nil {
		return nil, NewError(ErrServerError, "failed to look up authorization code")
	}
	// Remove yields nil for an absent key; the code was never issued,
	// expired, or lost the race to a concurrent redemption.
	if raw == nil {
		return nil, NewError(ErrInvalidGrant, "authorization code is invalid, expired, or already used")
	}

	var record AuthorizationCode
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, NewError(ErrServerError, "malformed authorization code record")
	}

	if record.ClientID != client.ClientID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}
	if record.RedirectURI != req.RedirectURI {
		return nil, NewError(ErrInvalidGrant, "redirect_uri mismatch")
	}
	if record.PKCE != nil {
		if !validatePKCE(record.PKCE, req.CodeVerifier) {
			return nil, NewError(ErrInvalidGrant, "invalid code_verifier")
		}
	}

	accessTTL := s.cfg.AccessTTL
	if record.AccessTTL > 0 {
		accessTTL = time.Duration(record.AccessTTL) * time.Second
	}
	refreshTTL := s.cfg.RefreshTTL
	if record.RefreshTTL > 0 {
		refreshTTL = time.Duration(record.RefreshTTL) * time.Second
	}

	accessToken, tokenID, err := s.mintAccessToken(accessClaims{
		Subject:     record.SubjectID,
		TenantID:    record.TenantID,
		ClientID:    client.ClientID,
		Scope:       record.Scope,
		Nonce:       record.Nonce,
		Roles:       record.Roles,
		Permissions: record.Permissions,
		TTL:         accessTTL,
	})
	if err != nil {
		return nil, NewError(ErrServerError, "failed to issue access token")
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTTL.Seconds()),
		Scope:       record.Scope,
	}

	if client.HasGrantType(GrantRefreshToken) {
		refreshToken, err := s.storeRefreshToken(ctx, &RefreshTokenRecord{
			ClientID:          client.ClientID,
			TenantID:          record.TenantID,
			Subject:           record.SubjectID,
			SubjectType:       record.SubjectType,
			SubjectProperties: record.SubjectProperties,
			Scope:             record.Scope,
			Roles:             record.Roles,
			Permissions:       record.Permissions,
			TTL:               int(refreshTTL.Seconds()),
			Generation:        1,
		}, refreshTTL)
		if err != nil {
			return nil, NewError(ErrServerError, "failed to issue refresh token")
		}
		resp.RefreshToken = refreshToken
	}

	s.auditor.Log(ctx, audit.Event{
		TokenID:   tokenID,
		Subject:   record.SubjectID,
		EventType: audit.TypeGenerated,
		TenantID:  record.TenantID,
		ClientID:  client.ClientID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"grant_type": GrantAuthorizationCode, "scope": record.Scope},
	})

	return resp, nil
}

// exchangeRefresh rotates a refresh token (RFC 6749 Section 6). The
// presented record is removed and replaced by a child linked through
// parent_token_id. A token whose record is gone was already rotated:
// that is reuse, and the whole family is revoked.
func (s *TokenService) exchangeRefresh(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.clients.Authenticate(ctx, req.TenantID, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantRefreshToken) {
		return nil, NewError(ErrUnauthorizedClient, "client not allowed refresh_token grant")
	}

	subject, tokenID, err := splitRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "malformed refresh token")
	}

	raw, err := s.store.Remove(ctx, refreshKey(subject, tokenID))
	if err != nil {
		return nil, NewError(ErrServerError, "failed to look up refresh token")
	}
	// An absent record means the token was already rotated or revoked:
	// presenting it again is reuse.
	if raw == nil {
		return nil, s.handleRefreshReuse(ctx, client, subject, tokenID, req)
	}

	var record RefreshTokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, NewError(ErrServerError, "malformed refresh token record")
	}
	if record.ClientID != client.ClientID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}

	refreshTTL := s.cfg.RefreshTTL
	if record.TTL > 0 {
		refreshTTL = time.Duration(record.TTL) * time.Second
	}

	accessToken, newTokenID, err := s.mintAccessToken(accessClaims{
		Subject:     record.Subject,
		TenantID:    record.TenantID,
		ClientID:    client.ClientID,
		Scope:       record.Scope,
		Roles:       record.Roles,
		Permissions: record.Permissions,
		TTL:         s.cfg.AccessTTL,
	})
	if err != nil {
		return nil, NewError(ErrServerError, "failed to issue access token")
	}

	child := record
	child.Generation = record.Generation + 1
	child.ParentTokenID = record.TokenID
	refreshToken, err := s.storeRefreshToken(ctx, &child, refreshTTL)
	if err != nil {
		return nil, NewError(ErrServerError, "failed to rotate refresh token")
	}

	s.auditor.Log(ctx, audit.Event{
		TokenID:   newTokenID,
		Subject:   record.Subject,
		EventType: audit.TypeRefreshed,
		TenantID:  record.TenantID,
		ClientID:  client.ClientID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"generation": child.Generation, "parent_token_id": record.TokenID},
	})

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        record.Scope,
	}, nil
}

// handleRefreshReuse fires when a presented refresh token has no record:
// it was rotated away, so someone is replaying an old member of the family.
// The entire family is revoked and the reuse is audited.
func (s *TokenService) handleRefreshReuse(ctx context.Context, client *Client, subject, tokenID string, req *TokenRequest) error {
	removed, err := s.revoker.RevokeAllRefreshTokens(ctx, subject)
	if err != nil {
		slog.ErrorContext(ctx, "family revocation failed on refresh reuse",
			"subject", subject, "error", err.Error())
	}
	s.auditor.Log(ctx, audit.Event{
		TokenID:   tokenID,
		Subject:   subject,
		EventType: audit.TypeReused,
		TenantID:  req.TenantID,
		ClientID:  client.ClientID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"family_tokens_revoked": removed},
	})
	return NewError(ErrInvalidGrant, "refresh token is invalid or has been revoked")
}

// exchangeClientCredentials is the M2M grant (RFC 6749 Section 4.4).
func (s *TokenService) exchangeClientCredentials(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.clients.Authenticate(ctx, req.TenantID, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantClientCredentials) {
		return nil, NewError(ErrUnauthorizedClient, "client not allowed client_credentials grant")
	}
	if client.IsPublic() {
		return nil, NewError(ErrInvalidClient, "client_credentials requires a confidential client")
	}
	if req.Scope != "" && !client.ValidateScope(req.Scope) {
		return nil, NewError(ErrInvalidScope, "invalid scope")
	}

	result, err := GenerateM2MToken(s.keyring, M2MRequest{
		ClientID: client.ClientID,
		TenantID: client.TenantID,
		Scopes:   strings.Fields(req.Scope),
		Issuer:   s.cfg.Issuer,
	})
	if err != nil {
		return nil, NewError(ErrServerError, "failed to issue m2m token")
	}

	s.auditor.Log(ctx, audit.Event{
		TokenID:   result.TokenID,
		Subject:   client.ClientID,
		EventType: audit.TypeGenerated,
		TenantID:  client.TenantID,
		ClientID:  client.ClientID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"grant_type": GrantClientCredentials, "scope": req.Scope},
	})

	return &TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		Scope:       req.Scope,
	}, nil
}

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	TokenID     string
	Subject     string
	TenantID    string
	ClientID    string
	Scope       string
	Nonce       string
	Roles       []string
	Permissions []string
	ExpiresAt   time.Time
	IssuedAt    time.Time
}

type accessClaims struct {
	Subject     string
	TenantID    string
	ClientID    string
	Scope       string
	Nonce       string
	Roles       []string
	Permissions []string
	TTL         time.Duration
}

func (s *TokenService) mintAccessToken(c accessClaims) (string, string, error) {
	tokenID := uuid.NewString()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       s.cfg.Issuer,
		"sub":       c.Subject,
		"exp":       now.Add(c.TTL).Unix(),
		"iat":       now.Unix(),
		"jti":       tokenID,
		"tenant_id": c.TenantID,
		"client_id": c.ClientID,
		"mode":      ModeAccess,
	}
	if c.Nonce != "" {
		claims["nonce"] = c.Nonce
	}
	if c.Scope != "" {
		claims["scope"] = c.Scope
	}
	claims["roles"] = append([]string{}, c.Roles...)
	claims["permissions"] = append([]string{}, c.Permissions...)

	signed, err := s.keyring.Sign(claims)
	if err != nil {
		return "", "", err
	}
	return signed, tokenID, nil
}

// VerifyAccessToken validates signature, expiry, mode, and the deny list.
func (s *TokenService) VerifyAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	claims, err := s.keyring.Verify(token)
	if err != nil {
		if errors.Is(err, secrets.ErrTokenExpired) {
			return nil, NewError(ErrExpiredToken, "token expired")
		}
		return nil, NewError(ErrInvalidToken, "token verification failed")
	}
	if mode, _ := claims["mode"].(string); mode != ModeAccess {
		return nil, NewError(ErrInvalidToken, "not an access token")
	}
	if iss, _ := claims["iss"].(string); s.cfg.Issuer != "" && iss != s.cfg.Issuer {
		return nil, NewError(ErrInvalidIssuer, "issuer mismatch")
	}
	out := &AccessClaims{
		TokenID:     stringClaim(claims, "jti"),
		Subject:     stringClaim(claims, "sub"),
		TenantID:    stringClaim(claims, "tenant_id"),
		ClientID:    stringClaim(claims, "client_id"),
		Scope:       stringClaim(claims, "scope"),
		Nonce:       stringClaim(claims, "nonce"),
		Roles:       stringSliceClaim(claims, "roles"),
		Permissions: stringSliceClaim(claims, "permissions"),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if s.revoker != nil && s.revoker.IsAccessTokenRevoked(ctx, out.TokenID) {
		return nil, NewError(ErrInvalidToken, "token revoked")
	}
	return out, nil
}

// Revoke puts an access token on the deny list and audits it.
func (s *TokenService) Revoke(ctx context.Context, claims *AccessClaims) error {
	if err := s.revoker.RevokeAccessToken(ctx, claims.TokenID); err != nil {
		return err
	}
	s.auditor.Log(ctx, audit.Event{
		TokenID:   claims.TokenID,
		Subject:   claims.Subject,
		EventType: audit.TypeRevoked,
		TenantID:  claims.TenantID,
		ClientID:  claims.ClientID,
	})
	return nil
}

// storeRefreshToken writes the record under its family key and returns the
// opaque wire token encoding (subject, token_id).
func (s *TokenService) storeRefreshToken(ctx context.Context, record *RefreshTokenRecord, ttl time.Duration) (string, error) {
	record.TokenID = uuid.NewString()
	record.CreatedAt = time.Now()
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, refreshKey(record.Subject, record.TokenID), raw, ttl); err != nil {
		return "", err
	}
	return joinRefreshToken(record.Subject, record.TokenID), nil
}

// The wire refresh token is "<b64(subject)>.<token_id>": opaque to clients,
// self-locating for the server.
func joinRefreshToken(subject, tokenID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(subject)) + "." + tokenID
}

func splitRefreshToken(token string) (subject, tokenID string, err error) {
	encoded, tokenID, ok := strings.Cut(token, ".")
	if !ok || tokenID == "" {
		return "", "", fmt.Errorf("malformed refresh token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return "", "", fmt.Errorf("malformed refresh token")
	}
	return string(raw), tokenID, nil
}

// validatePKCE checks the verifier against the stored challenge (RFC 7636).
// Only S256 is accepted; an unknown method fails closed.
func validatePKCE(p *PKCE, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch p.Method {
	case "S256", "":
		hash := sha256.Sum256([]byte(verifier))
		return p.Challenge == base64.RawURLEncoding.EncodeToString(hash[:])
	default:
		return false
	}
}

func randomToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
