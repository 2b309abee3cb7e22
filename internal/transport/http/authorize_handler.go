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
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/oidc"
	"github.com/openauth/openauth/internal/provider"
	"github.com/openauth/openauth/internal/theme"
)

var pickerTemplate = template.Must(template.New("picker").Parse(`<!DOCTYPE html>
<html data-theme="{{.Theme}}">
<head><title>Choose an account</title></head>
<body>
<h1>Choose an account</h1>
<ul>
{{range .Accounts}}
<li><a href="{{.SelectURL}}">{{.Label}}</a></li>
{{end}}
</ul>
<p><a href="{{.LoginURL}}">Use another account</a></p>
</body>
</html>`))

var providerSelectTemplate = template.Must(template.New("providers").Parse(`<!DOCTYPE html>
<html data-theme="{{.Theme}}">
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<ul>
{{range .Providers}}
<li><a href="{{.URL}}">Continue with {{.Name}}</a></li>
{{end}}
</ul>
</body>
</html>`))

type pickerAccount struct {
	Label     string
	SelectURL string
}

// Authorize handles GET /authorize (RFC 6749 Section 4.1.1, OIDC Core
// Section 3.1.2). The pipeline either finishes silently with a code
// redirect, renders the account picker, or dispatches to a provider.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	req := parseAuthorizeRequest(r)

	sess := GetBrowserSession(r.Context())
	decision, err := h.authorize.Authorize(r.Context(), req, sess)
	if err != nil {
		h.respondAuthorizeError(w, r, err)
		return
	}

	switch decision.Kind {
	case oidc.DecisionRedirect:
		http.Redirect(w, r, decision.RedirectURL, http.StatusFound)

	case oidc.DecisionRenderPicker:
		h.renderAccountPicker(w, r, decision)

	case oidc.DecisionDispatchProvider:
		h.dispatchProvider(w, r, req, decision.ForceReauth)

	default:
		respondError(w, http.StatusInternalServerError, oauth2.ErrServerError, "unhandled authorize decision")
	}
}

func parseAuthorizeRequest(r *http.Request) *oidc.AuthorizeRequest {
	query := r.URL.Query()
	req := &oidc.AuthorizeRequest{
		TenantID:            GetTenantID(r.Context()),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		Nonce:               query.Get("nonce"),
		Prompt:              query.Get("prompt"),
		LoginHint:           query.Get("login_hint"),
		AccountHint:         query.Get("account_hint"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		RequestHost:         r.Host,
	}
	if raw := query.Get("max_age"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			req.MaxAge = &v
		}
	}
	return req
}

// renderAccountPicker shows the logged-in accounts. Selecting one re-enters
// /authorize with an account_hint; the extra link forces a fresh login.
func (h *Handler) renderAccountPicker(w http.ResponseWriter, r *http.Request, decision *oidc.Decision) {
	base := *r.URL

	var accounts []pickerAccount
	for _, a := range decision.Accounts {
		q := base.Query()
		q.Set("account_hint", a.UserID)
		q.Del("prompt")
		label := oidc.AccountEmail(a)
		if label == "" {
			label = a.UserID
		}
		accounts = append(accounts, pickerAccount{
			Label:     label,
			SelectURL: "/authorize?" + q.Encode(),
		})
	}

	loginQuery := base.Query()
	loginQuery.Set("prompt", oidc.PromptLogin)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pickerTemplate.Execute(w, map[string]any{
		"Theme":    theme.FromContext(r.Context()),
		"Accounts": accounts,
		"LoginURL": "/authorize?" + loginQuery.Encode(),
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to render account picker", logger.Error(err))
	}
}

// dispatchProvider seals the round-trip state and hands the user to an
// authentication provider. With several providers configured and no
// explicit choice, the selection page is rendered instead.
func (h *Handler) dispatchProvider(w http.ResponseWriter, r *http.Request, req *oidc.AuthorizeRequest, forceReauth bool) {
	chosen := h.providers.Single()
	if name := r.URL.Query().Get("provider"); name != "" {
		p, err := h.providers.Get(name)
		if err != nil {
			respondError(w, http.StatusBadRequest, oauth2.ErrInvalidRequest, "unknown provider")
			return
		}
		chosen = p
	}
	if chosen == nil {
		h.renderProviderSelect(w, r)
		return
	}

	state := &provider.State{
		Request:     req,
		Provider:    chosen.Name(),
		ForceReauth: forceReauth,
	}
	if sess := GetBrowserSession(r.Context()); sess != nil {
		state.SessionID = sess.ID
	}

	blob, err := h.bridge.SealState(state)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to seal provider state", logger.Error(err))
		respondError(w, http.StatusInternalServerError, oauth2.ErrServerError, "failed to start login")
		return
	}

	target := "/" + chosen.Name() + "/authorize?state=" + url.QueryEscape(blob)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) renderProviderSelect(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name string
		URL  string
	}
	var entries []entry
	for _, name := range h.providers.Names() {
		q := r.URL.Query()
		q.Set("provider", name)
		entries = append(entries, entry{
			Name: name,
			URL:  "/authorize?" + q.Encode(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := providerSelectTemplate.Execute(w, map[string]any{
		"Theme":     theme.FromContext(r.Context()),
		"Providers": entries,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to render provider selection", logger.Error(err))
	}
}

// respondAuthorizeError delivers protocol errors. Errors carrying a
// validated redirect_uri go back to the client as query parameters
// (RFC 6749 Section 4.1.2.1); everything else is a JSON body because
// redirecting to an unvalidated URI is an open redirect.
func (h *Handler) respondAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirectErr *oidc.RedirectError
	if errors.As(err, &redirectErr) {
		http.Redirect(w, r, oidc.BuildErrorRedirect(redirectErr.RedirectURI, redirectErr.Err), http.StatusFound)
		return
	}

	var protoErr *oauth2.Error
	if errors.As(err, &protoErr) {
		status := http.StatusBadRequest
		if protoErr.Code == oauth2.ErrInvalidClient {
			status = http.StatusUnauthorized
		}
		respondJSON(w, status, protoErr)
		return
	}

	slog.ErrorContext(r.Context(), "authorize pipeline failed", logger.Error(err))
	respondJSON(w, http.StatusInternalServerError, oauth2.NewError(oauth2.ErrServerError, "internal server error"))
}
