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

// OIDC error codes (OIDC Core Section 3.1.2.6) on top of the OAuth2 set.
const (
	ErrLoginRequired       = "login_required"
	ErrConsentRequired     = "consent_required"
	ErrInteractionRequired = "interaction_required"
	ErrAccessDenied        = "access_denied"
	ErrInvalidState        = "invalid_state"
	ErrProviderError       = "provider_error"
)

// RedirectError is a protocol error that carries redirect context: the
// redirect_uri was already validated, so the error goes back to the client
// as query parameters instead of a JSON body.
type RedirectError struct {
	Err         *oauth2.Error
	RedirectURI string
}

// NewRedirectError creates an error to be delivered via redirect.
func NewRedirectError(redirectURI, code, description, state string) *RedirectError {
	return &RedirectError{
		Err:         oauth2.NewError(code, description).WithState(state),
		RedirectURI: redirectURI,
	}
}

func (e *RedirectError) Error() string {
	return e.Err.Error()
}

func (e *RedirectError) Unwrap() error {
	return e.Err
}
