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

package provider

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openauth/openauth/internal/identity"
	"github.com/openauth/openauth/internal/oidc"
)

// PasswordProvider is the in-tree reference provider: email and password
// against the tenant's own user records.
type PasswordProvider struct {
	users *identity.Service
}

// NewPasswordProvider creates the password provider.
func NewPasswordProvider(users *identity.Service) *PasswordProvider {
	return &PasswordProvider{users: users}
}

// Name implements Provider.
func (p *PasswordProvider) Name() string { return "password" }

// Type implements Provider.
func (p *PasswordProvider) Type() string { return "credentials" }

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="POST" action="/password/callback">
<input type="hidden" name="state" value="{{.State}}">
<label>Email <input type="email" name="email" value="{{.Email}}" autofocus></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>`))

type loginPage struct {
	State string
	Email string
	Error string
}

// Init mounts the login form and credential callback.
func (p *PasswordProvider) Init(r chi.Router, b *Bridge) error {
	r.Get("/password/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.renderLogin(w, req.URL.Query().Get("state"), "", "")
	})
	r.Post("/password/callback", func(w http.ResponseWriter, req *http.Request) {
		p.handleCallback(w, req, b)
	})
	return nil
}

func (p *PasswordProvider) renderLogin(w http.ResponseWriter, state, email, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, loginPage{State: state, Email: email, Error: errMsg})
}

func (p *PasswordProvider) handleCallback(w http.ResponseWriter, req *http.Request, b *Bridge) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	blob := req.PostFormValue("state")
	state, err := b.OpenState(blob)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	email := req.PostFormValue("email")
	password := req.PostFormValue("password")
	user, err := p.users.Authenticate(req.Context(), state.Request.TenantID, email, password)
	if err != nil {
		msg := "invalid email or password"
		if errors.Is(err, identity.ErrAccountLocked) {
			msg = "account is temporarily locked"
		}
		p.renderLogin(w, blob, email, msg)
		return
	}

	properties := map[string]any{"email": user.Email}
	for k, v := range user.SubjectProperties {
		properties[k] = v
	}

	result, err := b.Success(req.Context(), state, &oidc.Subject{
		UserID:     user.ID,
		Type:       user.SubjectType,
		Properties: properties,
	}, req.UserAgent(), req.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if result.SessionCreated {
		if err := b.WriteSessionCookie(w, result.Session); err != nil {
			http.Error(w, "failed to establish session", http.StatusInternalServerError)
			return
		}
	}
	http.Redirect(w, req, result.RedirectURL, http.StatusFound)
}
