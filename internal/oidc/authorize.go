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

// Package oidc implements the /authorize front controller: prompt handling,
// multi-account resolution, silent authorization, and the provider-success
// path that completes an interactive login.
package oidc

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/session"
)

// Prompt values (OIDC Core Section 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// AuthorizeRequest is a parsed /authorize call.
type AuthorizeRequest struct {
	TenantID            string
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	Prompt              string
	LoginHint           string
	AccountHint         string
	MaxAge              *int
	CodeChallenge       string
	CodeChallengeMethod string
	RequestHost         string
}

// Decision kinds coming out of the authorize pipeline.
type DecisionKind int

const (
	// DecisionRedirect carries a finished redirect (silent auth code).
	DecisionRedirect DecisionKind = iota
	// DecisionRenderPicker asks the transport to render the account picker.
	DecisionRenderPicker
	// DecisionDispatchProvider sends the user to the upstream provider.
	DecisionDispatchProvider
)

// Decision is the outcome of one pass through the authorize pipeline.
type Decision struct {
	Kind             DecisionKind
	RedirectURL      string
	Accounts         []*session.AccountSession
	Client           *oauth2.Client
	EffectiveAccount *session.AccountSession
	ForceReauth      bool
}

// AllowRedirectFunc decides whether a redirect URI is acceptable beyond the
// registered-list check.
type AllowRedirectFunc func(redirect *url.URL, requestHost string) bool

// DefaultAllowRedirect permits loopback hosts and otherwise requires the
// redirect host to match the request host.
func DefaultAllowRedirect(redirect *url.URL, requestHost string) bool {
	host := redirect.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	reqHost := requestHost
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		reqHost = h
	}
	return host == reqHost
}

// RBACEnricher resolves role and permission claims for a user.
type RBACEnricher interface {
	EnrichedClaims(ctx context.Context, tenantID, userID, clientID string) (roles, permissions []string, err error)
}

// Service runs the authorize pipeline.
type Service struct {
	clients  *oauth2.ClientService
	tokens   *oauth2.TokenService
	sessions *session.Service
	rbac     RBACEnricher
	allow    AllowRedirectFunc
}

// NewService creates the authorize service. allow nil selects
// DefaultAllowRedirect.
func NewService(
	clients *oauth2.ClientService,
	tokens *oauth2.TokenService,
	sessions *session.Service,
	rbac RBACEnricher,
	allow AllowRedirectFunc,
) *Service {
	if allow == nil {
		allow = DefaultAllowRedirect
	}
	return &Service{
		clients:  clients,
		tokens:   tokens,
		sessions: sessions,
		rbac:     rbac,
		allow:    allow,
	}
}

// Authorize runs the single-pass /authorize state machine. sess may be nil
// when no browser session is present.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest, sess *session.BrowserSession) (*Decision, error) {
	client, err := s.validateRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	// Past this point the redirect_uri is trusted, so protocol errors go
	// back to the client as redirects.
	accounts, effective, err := s.resolveEffectiveAccount(ctx, req, sess)
	if err != nil {
		return nil, NewRedirectError(req.RedirectURI, oauth2.ErrServerError, "failed to resolve session accounts", req.State)
	}

	silent := false
	forceReauth := false

	switch req.Prompt {
	case PromptNone:
		if sess == nil || effective == nil {
			return nil, NewRedirectError(req.RedirectURI, ErrLoginRequired, "no authenticated account available", req.State)
		}
		silent = true
	case PromptLogin:
		forceReauth = true
	case PromptConsent, "":
		// proceed to provider
	case PromptSelectAccount:
		if len(accounts) > 1 {
			return &Decision{
				Kind:             DecisionRenderPicker,
				Accounts:         accounts,
				Client:           client,
				EffectiveAccount: effective,
			}, nil
		}
	default:
		return nil, NewRedirectError(req.RedirectURI, oauth2.ErrInvalidRequest, "unsupported prompt value", req.State)
	}

	if req.MaxAge != nil && effective != nil {
		age := time.Since(effective.AuthenticatedAt)
		if age > time.Duration(*req.MaxAge)*time.Second {
			forceReauth = true
		}
	}

	if silent && !forceReauth {
		redirectURL, err := s.mintSilentCode(ctx, req, client, effective)
		if err != nil {
			return nil, NewRedirectError(req.RedirectURI, oauth2.ErrServerError, "failed to issue authorization code", req.State)
		}
		return &Decision{
			Kind:             DecisionRedirect,
			RedirectURL:      redirectURL,
			Client:           client,
			EffectiveAccount: effective,
		}, nil
	}

	return &Decision{
		Kind:             DecisionDispatchProvider,
		Client:           client,
		EffectiveAccount: effective,
		ForceReauth:      forceReauth,
	}, nil
}

// validateRequest covers the pre-redirect checks: unknown client or a bad
// redirect_uri must never bounce the browser anywhere.
func (s *Service) validateRequest(ctx context.Context, req *AuthorizeRequest) (*oauth2.Client, error) {
	client, err := s.clients.GetClient(ctx, req.TenantID, req.ClientID)
	if err != nil {
		return nil, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid client_id")
	}
	if !client.IsActive {
		return nil, oauth2.NewError(oauth2.ErrInvalidRequest, "client is disabled")
	}

	parsed, err := url.Parse(req.RedirectURI)
	if err != nil || req.RedirectURI == "" {
		return nil, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid redirect_uri")
	}
	if !client.ValidateRedirectURI(req.RedirectURI) {
		return nil, oauth2.NewError(oauth2.ErrInvalidRequest, "redirect_uri not registered")
	}
	if !s.allow(parsed, req.RequestHost) {
		return nil, oauth2.NewError(oauth2.ErrInvalidRequest, "redirect_uri not allowed")
	}

	if req.ResponseType != "code" {
		return nil, NewRedirectError(req.RedirectURI, oauth2.ErrUnsupportedGrantType, "response_type must be 'code'", req.State)
	}
	if req.Scope != "" && !client.ValidateScope(req.Scope) {
		return nil, NewRedirectError(req.RedirectURI, oauth2.ErrInvalidScope, "invalid scope", req.State)
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		return nil, NewRedirectError(req.RedirectURI, oauth2.ErrInvalidRequest, "only S256 code_challenge_method is supported", req.State)
	}
	return client, nil
}

// resolveEffectiveAccount starts with the session's active account, then
// lets account_hint and login_hint override in that order. An account_hint
// match also switches the session's active account.
func (s *Service) resolveEffectiveAccount(ctx context.Context, req *AuthorizeRequest, sess *session.BrowserSession) ([]*session.AccountSession, *session.AccountSession, error) {
	if sess == nil {
		return nil, nil, nil
	}
	accounts, err := s.sessions.ListAccounts(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}

	var effective *session.AccountSession
	for _, a := range accounts {
		if a.IsActive {
			effective = a
			break
		}
	}

	if req.AccountHint != "" {
		for _, a := range accounts {
			if a.UserID == req.AccountHint {
				if !a.IsActive {
					if err := s.sessions.SwitchActiveAccount(ctx, sess.ID, sess.TenantID, a.UserID); err == nil {
						a.IsActive = true
						if effective != nil && effective.UserID != a.UserID {
							effective.IsActive = false
						}
					}
				}
				effective = a
				break
			}
		}
	}

	if req.LoginHint != "" {
		for _, a := range accounts {
			if strings.EqualFold(AccountEmail(a), req.LoginHint) {
				effective = a
				break
			}
		}
	}

	return accounts, effective, nil
}

// mintSilentCode issues an authorization code from the stored subject of
// the effective account, with freshly resolved RBAC claims unioned into the
// roles and permissions the account carried.
func (s *Service) mintSilentCode(ctx context.Context, req *AuthorizeRequest, client *oauth2.Client, account *session.AccountSession) (string, error) {
	roles := propertyStrings(account.SubjectProperties, "roles")
	permissions := propertyStrings(account.SubjectProperties, "permissions")
	if s.rbac != nil {
		rbacRoles, rbacPerms, err := s.rbac.EnrichedClaims(ctx, req.TenantID, account.UserID, req.ClientID)
		if err == nil {
			roles = union(roles, rbacRoles)
			permissions = union(permissions, rbacPerms)
		}
	}

	record := &oauth2.AuthorizationCode{
		SubjectID:         account.UserID,
		SubjectType:       account.SubjectType,
		SubjectProperties: account.SubjectProperties,
		RedirectURI:       req.RedirectURI,
		ClientID:          client.ClientID,
		TenantID:          req.TenantID,
		Scope:             req.Scope,
		Nonce:             req.Nonce,
		Roles:             roles,
		Permissions:       permissions,
	}
	if req.CodeChallenge != "" {
		record.PKCE = &oauth2.PKCE{Challenge: req.CodeChallenge, Method: "S256"}
	}

	code, err := s.tokens.MintAuthorizationCode(ctx, record)
	if err != nil {
		return "", err
	}
	return BuildCodeRedirect(req.RedirectURI, code, req.State), nil
}

// BuildCodeRedirect appends code and state to the redirect URI, preserving
// any query parameters it already carries.
func BuildCodeRedirect(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// BuildErrorRedirect appends OAuth error parameters to the redirect URI.
func BuildErrorRedirect(redirectURI string, protoErr *oauth2.Error) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", protoErr.Code)
	if protoErr.Description != "" {
		q.Set("error_description", protoErr.Description)
	}
	if protoErr.State != "" {
		q.Set("state", protoErr.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AccountEmail pulls the email out of an account's subject properties.
func AccountEmail(a *session.AccountSession) string {
	if a == nil {
		return ""
	}
	email, _ := a.SubjectProperties["email"].(string)
	return email
}

func propertyStrings(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	return out
}
