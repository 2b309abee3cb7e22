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
	"crypto/rand"
	"encoding/base64"
	"log/slog"

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/session"
)

// Subject is what an upstream provider hands back on success.
type Subject struct {
	UserID      string
	Type        string
	Properties  map[string]any
	Roles       []string
	Permissions []string
}

// UserUpserter persists the provider's subject as a user record.
type UserUpserter interface {
	UpsertFromSubject(ctx context.Context, tenantID string, sub *Subject) (userID string, err error)
}

// CompletionResult is the outcome of a finished interactive login.
type CompletionResult struct {
	Session        *session.BrowserSession
	SessionCreated bool
	Account        *session.AccountSession
	RedirectURL    string
}

// SuccessResponder finishes an interactive login after the provider
// callback: user record, browser session, RBAC enrichment, account
// attachment, authorization code.
type SuccessResponder struct {
	sessions *session.Service
	tokens   *oauth2.TokenService
	rbac     RBACEnricher
	users    UserUpserter
}

// NewSuccessResponder creates the responder. users may be nil when the
// provider manages its own records.
func NewSuccessResponder(
	sessions *session.Service,
	tokens *oauth2.TokenService,
	rbac RBACEnricher,
	users UserUpserter,
) *SuccessResponder {
	return &SuccessResponder{sessions: sessions, tokens: tokens, rbac: rbac, users: users}
}

// CompleteParams carries the authorize request state plus the provider's
// subject into completion.
type CompleteParams struct {
	Request   *AuthorizeRequest
	Session   *session.BrowserSession
	Subject   *Subject
	UserAgent string
	IPAddress string
}

// Complete runs the provider-success pipeline and returns the final code
// redirect. The caller sets the session cookie when SessionCreated is true.
func (r *SuccessResponder) Complete(ctx context.Context, p CompleteParams) (*CompletionResult, error) {
	req := p.Request
	sub := p.Subject

	userID := sub.UserID
	if r.users != nil {
		id, err := r.users.UpsertFromSubject(ctx, req.TenantID, sub)
		if err != nil {
			return nil, oauth2.NewError(oauth2.ErrServerError, "failed to persist user record")
		}
		userID = id
	}

	sess := p.Session
	created := false
	if sess == nil {
		var err error
		sess, err = r.sessions.CreateBrowserSession(ctx, req.TenantID, p.UserAgent, p.IPAddress)
		if err != nil {
			return nil, oauth2.NewError(oauth2.ErrServerError, "failed to create browser session")
		}
		created = true
	}

	roles := append([]string{}, sub.Roles...)
	permissions := append([]string{}, sub.Permissions...)
	if r.rbac != nil {
		rbacRoles, rbacPerms, err := r.rbac.EnrichedClaims(ctx, req.TenantID, userID, req.ClientID)
		if err != nil {
			slog.WarnContext(ctx, "rbac enrichment failed, using provider claims only",
				"user_id", userID, "error", err.Error())
		} else {
			roles = union(roles, rbacRoles)
			permissions = union(permissions, rbacPerms)
		}
	}

	properties := make(map[string]any, len(sub.Properties)+2)
	for k, v := range sub.Properties {
		properties[k] = v
	}
	properties["roles"] = roles
	properties["permissions"] = permissions

	account, err := r.sessions.AddAccountToSession(ctx, session.AddAccountParams{
		Session:           sess,
		UserID:            userID,
		SubjectType:       sub.Type,
		SubjectProperties: properties,
		RefreshToken:      newSessionRefreshToken(),
		ClientID:          req.ClientID,
	})
	if err != nil {
		return nil, oauth2.NewError(oauth2.ErrServerError, "failed to attach account to session")
	}

	record := &oauth2.AuthorizationCode{
		SubjectID:         userID,
		SubjectType:       sub.Type,
		SubjectProperties: properties,
		RedirectURI:       req.RedirectURI,
		ClientID:          req.ClientID,
		TenantID:          req.TenantID,
		Scope:             req.Scope,
		Nonce:             req.Nonce,
		Roles:             roles,
		Permissions:       permissions,
	}
	if req.CodeChallenge != "" {
		record.PKCE = &oauth2.PKCE{Challenge: req.CodeChallenge, Method: "S256"}
	}
	code, err := r.tokens.MintAuthorizationCode(ctx, record)
	if err != nil {
		return nil, oauth2.NewError(oauth2.ErrServerError, "failed to issue authorization code")
	}

	return &CompletionResult{
		Session:        sess,
		SessionCreated: created,
		Account:        account,
		RedirectURL:    BuildCodeRedirect(req.RedirectURI, code, req.State),
	}, nil
}

func newSessionRefreshToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
