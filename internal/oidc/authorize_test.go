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

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/audit"
	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/revocation"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/session"
	"github.com/openauth/openauth/internal/storage"
)

// clientStore is a map-backed oauth2.ClientStore.
type clientStore struct {
	mu      sync.Mutex
	clients map[string]*oauth2.Client
}

func (m *clientStore) CreateClient(_ context.Context, c *oauth2.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.clients[c.TenantID+":"+c.ClientID] = &cp
	return nil
}

func (m *clientStore) GetClient(_ context.Context, tenantID, clientID string) (*oauth2.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[tenantID+":"+clientID]
	if !ok {
		return nil, oauth2.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *clientStore) UpdateClient(_ context.Context, c *oauth2.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.clients[c.TenantID+":"+c.ClientID] = &cp
	return nil
}

func (m *clientStore) DeleteClient(_ context.Context, tenantID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, tenantID+":"+clientID)
	return nil
}

func (m *clientStore) ListClients(_ context.Context, tenantID string) ([]*oauth2.Client, error) {
	return nil, nil
}

// staticRBAC answers with fixed claims per user.
type staticRBAC struct {
	roles map[string][]string
	perms map[string][]string
}

func (s *staticRBAC) EnrichedClaims(_ context.Context, _, userID, _ string) ([]string, []string, error) {
	return s.roles[userID], s.perms[userID], nil
}

// nopAudit discards events.
type nopAudit struct{}

func (nopAudit) Log(context.Context, audit.Event) {}

type oidcFixture struct {
	svc       *Service
	responder *SuccessResponder
	sessions  *session.Service
	tokens    *oauth2.TokenService
	store     storage.Storage
	rbac      *staticRBAC
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	keyring, err := secrets.NewKeyring(time.Minute)
	require.NoError(t, err)

	clients := oauth2.NewClientService(&clientStore{clients: map[string]*oauth2.Client{}})
	_, err = clients.CreateClient(context.Background(), &oauth2.Client{
		ClientID:     "app-1",
		TenantID:     "acme",
		RedirectURIs: []string{"https://app/cb"},
		Scopes:       []string{"openid", "profile"},
		GrantTypes:   []string{oauth2.GrantAuthorizationCode, oauth2.GrantRefreshToken},
	}, false)
	require.NoError(t, err)

	tokens := oauth2.NewTokenService(mem, keyring, revocation.NewService(mem, 0), clients, nopAudit{}, oauth2.TokenConfig{
		Issuer: "https://issuer.example.com",
	})
	sessions := session.NewService(mem, nil, session.Config{})
	rbac := &staticRBAC{roles: map[string][]string{}, perms: map[string][]string{}}

	// The allow hook sees "app" as the request host in most tests, so use
	// the default hook with matching hosts where needed and a permissive
	// one otherwise.
	svc := NewService(clients, tokens, sessions, rbac, func(*url.URL, string) bool { return true })
	responder := NewSuccessResponder(sessions, tokens, rbac, nil)

	return &oidcFixture{svc: svc, responder: responder, sessions: sessions, tokens: tokens, store: mem, rbac: rbac}
}

func (f *oidcFixture) seedSession(t *testing.T, users ...string) *session.BrowserSession {
	t.Helper()
	ctx := context.Background()
	sess, err := f.sessions.CreateBrowserSession(ctx, "acme", "ua", "127.0.0.1")
	require.NoError(t, err)
	for _, u := range users {
		_, err := f.sessions.AddAccountToSession(ctx, session.AddAccountParams{
			Session:     sess,
			UserID:      u,
			SubjectType: "user",
			SubjectProperties: map[string]any{
				"email": u + "@example.com",
				"name":  strings.ToUpper(u),
			},
			ClientID: "app-1",
		})
		require.NoError(t, err)
	}
	return sess
}

func baseAuthorizeRequest() *AuthorizeRequest {
	return &AuthorizeRequest{
		TenantID:     "acme",
		ClientID:     "app-1",
		RedirectURI:  "https://app/cb",
		ResponseType: "code",
		Scope:        "openid",
		State:        "s1",
		RequestHost:  "issuer.example.com",
	}
}

func TestSilentAuthSuccess(t *testing.T) {
	ctx := context.Background()
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "user-123")

	req := baseAuthorizeRequest()
	req.Prompt = PromptNone

	decision, err := f.svc.Authorize(ctx, req, sess)
	require.NoError(t, err)
	require.Equal(t, DecisionRedirect, decision.Kind)

	u, err := url.Parse(decision.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "https://app/cb", u.Scheme+"://"+u.Host+u.Path)
	code := u.Query().Get("code")
	assert.NotEmpty(t, code)
	assert.Equal(t, "s1", u.Query().Get("state"))

	// The code record exists and redeems for the session's subject.
	_, err = f.store.Get(ctx, "oauth:code:"+code)
	require.NoError(t, err)
	resp, err := f.tokens.Exchange(ctx, &oauth2.TokenRequest{
		GrantType:   oauth2.GrantAuthorizationCode,
		Code:        code,
		RedirectURI: "https://app/cb",
		ClientID:    "app-1",
		TenantID:    "acme",
	})
	require.NoError(t, err)
	claims, err := f.tokens.VerifyAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
}

func TestSilentAuthWithoutSessionIsLoginRequired(t *testing.T) {
	f := newOIDCFixture(t)

	req := baseAuthorizeRequest()
	req.Prompt = PromptNone

	_, err := f.svc.Authorize(context.Background(), req, nil)
	var rerr *RedirectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrLoginRequired, rerr.Err.Code)
	assert.Equal(t, "s1", rerr.Err.State)
	assert.Equal(t, "https://app/cb", rerr.RedirectURI)
}

func TestSelectAccountRendersPicker(t *testing.T) {
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1", "u2")

	req := baseAuthorizeRequest()
	req.Prompt = PromptSelectAccount

	decision, err := f.svc.Authorize(context.Background(), req, sess)
	require.NoError(t, err)
	require.Equal(t, DecisionRenderPicker, decision.Kind)
	require.Len(t, decision.Accounts, 2)
}

func TestSelectAccountSingleAccountSkipsPicker(t *testing.T) {
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1")

	req := baseAuthorizeRequest()
	req.Prompt = PromptSelectAccount

	decision, err := f.svc.Authorize(context.Background(), req, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionDispatchProvider, decision.Kind)
}

func TestPromptLoginForcesReauth(t *testing.T) {
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1")

	req := baseAuthorizeRequest()
	req.Prompt = PromptLogin

	decision, err := f.svc.Authorize(context.Background(), req, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionDispatchProvider, decision.Kind)
	assert.True(t, decision.ForceReauth)
}

func TestAccountHintSwitchesActive(t *testing.T) {
	ctx := context.Background()
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1", "u2") // u2 is active

	req := baseAuthorizeRequest()
	req.Prompt = PromptNone
	req.AccountHint = "u1"

	decision, err := f.svc.Authorize(ctx, req, sess)
	require.NoError(t, err)
	require.Equal(t, DecisionRedirect, decision.Kind)
	assert.Equal(t, "u1", decision.EffectiveAccount.UserID)

	// The hint switched the session's active account, not just this request.
	accounts, err := f.sessions.ListAccounts(ctx, sess.ID)
	require.NoError(t, err)
	for _, a := range accounts {
		assert.Equal(t, a.UserID == "u1", a.IsActive)
	}
}

func TestLoginHintOverridesByEmail(t *testing.T) {
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1", "u2")

	req := baseAuthorizeRequest()
	req.Prompt = PromptNone
	req.LoginHint = "U1@EXAMPLE.COM" // case-insensitive match

	decision, err := f.svc.Authorize(context.Background(), req, sess)
	require.NoError(t, err)
	require.Equal(t, DecisionRedirect, decision.Kind)
	assert.Equal(t, "u1", decision.EffectiveAccount.UserID)
}

func TestMaxAgeForcesReauth(t *testing.T) {
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1")

	maxAge := 0 // any nonzero age exceeds this
	req := baseAuthorizeRequest()
	req.Prompt = PromptNone
	req.MaxAge = &maxAge

	time.Sleep(5 * time.Millisecond)
	decision, err := f.svc.Authorize(context.Background(), req, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionDispatchProvider, decision.Kind)
	assert.True(t, decision.ForceReauth)
}

func TestValidationErrorsBeforeRedirectTrust(t *testing.T) {
	ctx := context.Background()
	f := newOIDCFixture(t)

	t.Run("unknown client", func(t *testing.T) {
		req := baseAuthorizeRequest()
		req.ClientID = "ghost"
		_, err := f.svc.Authorize(ctx, req, nil)
		var oerr *oauth2.Error
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, oauth2.ErrInvalidRequest, oerr.Code)
		var rerr *RedirectError
		assert.False(t, errors.As(err, &rerr))
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		req := baseAuthorizeRequest()
		req.RedirectURI = "https://evil/cb"
		_, err := f.svc.Authorize(ctx, req, nil)
		require.Error(t, err)
		var rerr *RedirectError
		assert.False(t, errors.As(err, &rerr), "bad redirect_uri must not redirect")
	})

	t.Run("bad response_type redirects", func(t *testing.T) {
		req := baseAuthorizeRequest()
		req.ResponseType = "token"
		_, err := f.svc.Authorize(ctx, req, nil)
		var rerr *RedirectError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, oauth2.ErrUnsupportedGrantType, rerr.Err.Code)
	})

	t.Run("plain pkce rejected", func(t *testing.T) {
		req := baseAuthorizeRequest()
		req.CodeChallenge = "abc"
		req.CodeChallengeMethod = "plain"
		_, err := f.svc.Authorize(ctx, req, nil)
		var rerr *RedirectError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, oauth2.ErrInvalidRequest, rerr.Err.Code)
	})
}

func TestDefaultAllowRedirect(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}
	assert.True(t, DefaultAllowRedirect(parse("http://localhost:3000/cb"), "issuer.example.com"))
	assert.True(t, DefaultAllowRedirect(parse("http://127.0.0.1/cb"), "issuer.example.com"))
	assert.True(t, DefaultAllowRedirect(parse("https://issuer.example.com/cb"), "issuer.example.com:443"))
	assert.False(t, DefaultAllowRedirect(parse("https://evil.example.com/cb"), "issuer.example.com"))
}

func TestSuccessResponderCompletes(t *testing.T) {
	ctx := context.Background()
	f := newOIDCFixture(t)
	f.rbac.roles["user-9"] = []string{"editor"}
	f.rbac.perms["user-9"] = []string{"posts:write"}

	result, err := f.responder.Complete(ctx, CompleteParams{
		Request: baseAuthorizeRequest(),
		Subject: &Subject{
			UserID:     "user-9",
			Type:       "user",
			Properties: map[string]any{"email": "nine@example.com"},
			Roles:      []string{"viewer"},
		},
		UserAgent: "ua",
		IPAddress: "127.0.0.1",
	})
	require.NoError(t, err)
	assert.True(t, result.SessionCreated)
	require.NotNil(t, result.Session)
	assert.True(t, result.Account.IsActive)

	// RBAC claims unioned with provider claims.
	roles := result.Account.SubjectProperties["roles"].([]string)
	assert.ElementsMatch(t, []string{"viewer", "editor"}, roles)

	u, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	resp, err := f.tokens.Exchange(ctx, &oauth2.TokenRequest{
		GrantType:   oauth2.GrantAuthorizationCode,
		Code:        code,
		RedirectURI: "https://app/cb",
		ClientID:    "app-1",
		TenantID:    "acme",
	})
	require.NoError(t, err)
	claims, err := f.tokens.VerifyAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"viewer", "editor"}, claims.Roles)
	assert.Equal(t, []string{"posts:write"}, claims.Permissions)
}

func TestSuccessResponderReusesSession(t *testing.T) {
	ctx := context.Background()
	f := newOIDCFixture(t)
	sess := f.seedSession(t, "u1")

	result, err := f.responder.Complete(ctx, CompleteParams{
		Request: baseAuthorizeRequest(),
		Session: sess,
		Subject: &Subject{UserID: "u2", Type: "user", Properties: map[string]any{}},
	})
	require.NoError(t, err)
	assert.False(t, result.SessionCreated)
	assert.Equal(t, sess.ID, result.Session.ID)

	accounts, err := f.sessions.ListAccounts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestBuildErrorRedirect(t *testing.T) {
	got := BuildErrorRedirect("https://app/cb?keep=1",
		oauth2.NewError(ErrLoginRequired, "no session").WithState("s1"))
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "1", u.Query().Get("keep"))
	assert.Equal(t, ErrLoginRequired, u.Query().Get("error"))
	assert.Equal(t, "s1", u.Query().Get("state"))
}

func TestDiscoveryDocuments(t *testing.T) {
	meta := NewProviderMetadata("https://issuer.example.com")
	assert.Equal(t, "https://issuer.example.com/authorize", meta.AuthorizationEndpoint)
	assert.Contains(t, meta.ClaimsSupported, "roles")
	assert.Contains(t, meta.ClaimsSupported, "permissions")
	assert.Contains(t, meta.ClaimsSupported, "tenant_id")
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
	assert.ElementsMatch(t,
		[]string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount},
		meta.PromptValuesSupported)

	as := NewAuthServerMetadata("https://issuer.example.com")
	assert.Contains(t, as.GrantTypesSupported, oauth2.GrantClientCredentials)
}
