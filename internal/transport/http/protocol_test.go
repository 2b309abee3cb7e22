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
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openauth/openauth/internal/audit"
	"github.com/openauth/openauth/internal/identity"
	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/oidc"
	"github.com/openauth/openauth/internal/provider"
	"github.com/openauth/openauth/internal/rbac"
	"github.com/openauth/openauth/internal/revocation"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/session"
	"github.com/openauth/openauth/internal/storage"
	"github.com/openauth/openauth/internal/tenant"
	"github.com/openauth/openauth/internal/theme"
)

const (
	testIssuer      = "https://issuer.test"
	testRedirectURI = "http://127.0.0.1/cb"
	testPassword    = "hunter2hunter2"
)

type testEnv struct {
	server   *httptest.Server
	client   *http.Client
	handler  *Handler
	users    *identity.Service
	clients  *oauth2.ClientService
	rbac     *rbac.Service
	keyring  *secrets.Keyring
	tenants  *tenant.Service
	sessions *session.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	mem := storage.NewMemory()
	t.Cleanup(func() { mem.Close() })

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	codec, err := secrets.NewCodec(key)
	require.NoError(t, err)

	keyring, err := secrets.NewKeyring(time.Minute)
	require.NoError(t, err)

	tenants := tenant.NewService(mem)
	_, err = tenants.CreateTenant(ctx, &tenant.Tenant{
		ID:     tenant.DefaultTenantID,
		Domain: "auth.example.test",
		Name:   "Default",
		Status: tenant.StatusActive,
	})
	require.NoError(t, err)

	resolver := tenant.NewResolver(tenant.ResolverConfig{
		HeaderName:    "X-Tenant-ID",
		DefaultTenant: tenant.DefaultTenantID,
	}, tenants)
	themes := theme.NewResolver(theme.BuiltinTheme, tenant.DefaultTenantID, tenants)

	hasher := identity.NewPasswordHasher(8*1024, 1, 1, 16, 32)
	users := identity.NewService(mem, nil, hasher, identity.Config{})

	sessions := session.NewService(mem, nil, session.Config{})

	clients := oauth2.NewClientService(oauth2.NewKVClientStore(mem))
	revoker := revocation.NewService(mem, 0)
	tokens := oauth2.NewTokenService(mem, keyring, revoker, clients, audit.NewSlogLogger(), oauth2.TokenConfig{
		Issuer: testIssuer,
	})

	rbacStore := newFakeRBACStore()
	rbacSvc := rbac.NewService(rbacStore, mem, rbac.Config{})

	authorize := oidc.NewService(clients, tokens, sessions, rbacSvc, nil)
	responder := oidc.NewSuccessResponder(sessions, tokens, rbacSvc, NewUserUpserter(users))

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.NewPasswordProvider(users)))

	var h *Handler
	bridge := provider.NewBridge(codec, responder, sessions, func(w http.ResponseWriter, sess *session.BrowserSession) error {
		return h.writeSessionCookie(w, sess)
	}, 0)

	h = NewHandler(Deps{
		KV:          mem,
		Tenants:     tenants,
		Resolver:    resolver,
		Themes:      themes,
		Sessions:    sessions,
		Users:       users,
		Clients:     clients,
		Tokens:      tokens,
		Authorize:   authorize,
		RBAC:        rbacSvc,
		Providers:   registry,
		Bridge:      bridge,
		AuditLogger: audit.NewSlogLogger(),
		Codec:       codec,
		Keyring:     keyring,
	}, Config{Issuer: testIssuer})

	server := httptest.NewServer(NewRouter(h, NewRateLimiter(1000, 1000)))
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Register a public client allowed the code and refresh grants.
	_, err = clients.CreateClient(ctx, &oauth2.Client{
		ClientID:     "app",
		TenantID:     tenant.DefaultTenantID,
		ClientName:   "Test App",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{oauth2.GrantAuthorizationCode, oauth2.GrantRefreshToken},
		IsActive:     true,
	}, false)
	require.NoError(t, err)

	return &testEnv{
		server:   server,
		client:   client,
		handler:  h,
		users:    users,
		clients:  clients,
		rbac:     rbacSvc,
		keyring:  keyring,
		tenants:  tenants,
		sessions: sessions,
	}
}

func (e *testEnv) provisionUser(t *testing.T, email string) *identity.User {
	t.Helper()
	user, err := e.users.ProvisionUser(context.Background(), tenant.DefaultTenantID, email, "user", nil)
	require.NoError(t, err)
	require.NoError(t, e.users.AddPassword(context.Background(), user.ID, testPassword))
	return user
}

func authorizeURL(base string, extra map[string]string) string {
	q := url.Values{
		"client_id":     {"app"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"xyz"},
	}
	for k, v := range extra {
		q.Set(k, v)
	}
	return base + "/authorize?" + q.Encode()
}

var stateInputPattern = regexp.MustCompile(`name="state" value="([^"]+)"`)

// loginThroughProvider drives the full interactive login: authorize,
// provider dispatch, credential callback. Returns the final code redirect.
func (e *testEnv) loginThroughProvider(t *testing.T, email string, extra map[string]string) *url.URL {
	t.Helper()

	resp, err := e.client.Get(authorizeURL(e.server.URL, extra))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/password/authorize?"), "expected provider dispatch, got %s", location)

	resp, err = e.client.Get(e.server.URL + location)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	match := stateInputPattern.FindStringSubmatch(string(body))
	require.NotNil(t, match, "login form must carry the state blob")

	form := url.Values{
		"state":    {match[1]},
		"email":    {email},
		"password": {testPassword},
	}
	resp, err = e.client.PostForm(e.server.URL+"/password/callback", form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	redirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return redirect
}

func (e *testEnv) exchangeCode(t *testing.T, code string) map[string]any {
	t.Helper()
	resp, err := e.client.PostForm(e.server.URL+"/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
		"client_id":    {"app"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestInteractiveLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	user := env.provisionUser(t, "alice@example.test")

	redirect := env.loginThroughProvider(t, "alice@example.test", nil)
	require.True(t, strings.HasPrefix(redirect.String(), testRedirectURI))
	require.Equal(t, "xyz", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	tokens := env.exchangeCode(t, code)
	access, _ := tokens["access_token"].(string)
	refresh, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	require.Equal(t, "Bearer", tokens["token_type"])

	// Codes are single use.
	resp, err := env.client.PostForm(env.server.URL+"/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
		"client_id":    {"app"},
	})
	require.NoError(t, err)
	var protoErr map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&protoErr))
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", protoErr["error"])

	// The bearer token works against /userinfo.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, user.ID, info["sub"])
}

func TestSilentAuthorizationWithSession(t *testing.T) {
	env := newTestEnv(t)
	env.provisionUser(t, "alice@example.test")
	env.loginThroughProvider(t, "alice@example.test", nil)

	// With a live session and one account, authorize completes silently.
	resp, err := env.client.Get(authorizeURL(env.server.URL, nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	redirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect.String(), testRedirectURI))
	require.NotEmpty(t, redirect.Query().Get("code"))

	// prompt=login forces a fresh provider round trip anyway.
	resp, err = env.client.Get(authorizeURL(env.server.URL, map[string]string{"prompt": oidc.PromptLogin}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/password/authorize?"))

	// prompt=none without breaking the session still succeeds silently.
	resp, err = env.client.Get(authorizeURL(env.server.URL, map[string]string{"prompt": oidc.PromptNone}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	redirect, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, redirect.Query().Get("code"))
}

func TestPromptNoneWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.client.Get(authorizeURL(env.server.URL, map[string]string{"prompt": oidc.PromptNone}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	redirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, oidc.ErrLoginRequired, redirect.Query().Get("error"))
	require.Equal(t, "xyz", redirect.Query().Get("state"))
}

func TestAccountPicker(t *testing.T) {
	env := newTestEnv(t)
	alice := env.provisionUser(t, "alice@example.test")
	env.provisionUser(t, "bob@example.test")

	env.loginThroughProvider(t, "alice@example.test", nil)
	env.loginThroughProvider(t, "bob@example.test", map[string]string{"prompt": oidc.PromptLogin})

	resp, err := env.client.Get(authorizeURL(env.server.URL, map[string]string{"prompt": oidc.PromptSelectAccount}))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	page := string(body)
	require.Contains(t, page, "alice@example.test")
	require.Contains(t, page, "bob@example.test")
	require.Contains(t, page, "Use another account")

	// Selecting an account completes with a code for that subject.
	resp, err = env.client.Get(authorizeURL(env.server.URL, map[string]string{"account_hint": alice.ID}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	redirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	tokens := env.exchangeCode(t, code)
	access, _ := tokens["access_token"].(string)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, alice.ID, info["sub"])
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	env := newTestEnv(t)
	env.provisionUser(t, "alice@example.test")

	redirect := env.loginThroughProvider(t, "alice@example.test", nil)
	tokens := env.exchangeCode(t, redirect.Query().Get("code"))
	firstRefresh, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, firstRefresh)

	refreshForm := func(token string) (*http.Response, map[string]any) {
		resp, err := env.client.PostForm(env.server.URL+"/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
			"client_id":     {"app"},
		})
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		return resp, body
	}

	// Rotation: new refresh token, old one consumed.
	resp, body := refreshForm(firstRefresh)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secondRefresh, _ := body["refresh_token"].(string)
	require.NotEmpty(t, secondRefresh)
	require.NotEqual(t, firstRefresh, secondRefresh)

	// Presenting the consumed token is reuse: invalid_grant.
	resp, body = refreshForm(firstRefresh)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", body["error"])

	// Reuse revokes the whole family, including the fresh token.
	resp, body = refreshForm(secondRefresh)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestDiscoveryDocuments(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.client.Get(env.server.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	var meta oidc.ProviderMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, testIssuer, meta.Issuer)
	require.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
	require.Contains(t, meta.PromptValuesSupported, oidc.PromptSelectAccount)

	resp, err = env.client.Get(env.server.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	var asMeta oidc.AuthServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&asMeta))
	resp.Body.Close()
	require.Equal(t, testIssuer+"/token", asMeta.TokenEndpoint)

	resp, err = env.client.Get(env.server.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	var jwks secrets.JWKS
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	resp.Body.Close()
	require.Len(t, jwks.Keys, 1)
}

func TestTokenEndpointErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.client.PostForm(env.server.URL+"/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"app"},
	})
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "unsupported_grant_type", body["error"])

	// Unknown client on the code grant is invalid_client with a 401.
	resp, err = env.client.PostForm(env.server.URL+"/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"nope"},
		"redirect_uri": {testRedirectURI},
		"client_id":    {"ghost"},
	})
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid_client", body["error"])
}
