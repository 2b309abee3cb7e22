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
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/oidc"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/session"
)

const (
	stateAAD  = "openauth.provider.state"
	secretAAD = "openauth.provider.secret"

	// DefaultRoundTripTimeout bounds the wall-clock time between handing
	// the user to a provider and the provider's callback.
	DefaultRoundTripTimeout = 10 * time.Minute
)

// State is the authorization context carried through the provider round
// trip as an encrypted blob. The browser holds it; only the issuer can
// read it.
type State struct {
	Request     *oidc.AuthorizeRequest `json:"request"`
	SessionID   string                 `json:"session_id,omitempty"`
	Provider    string                 `json:"provider"`
	ForceReauth bool                   `json:"force_reauth,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// CookieWriter sets the encrypted session cookie on a response.
type CookieWriter func(w http.ResponseWriter, sess *session.BrowserSession) error

// Bridge connects providers back to the authorization pipeline: it seals
// and opens round-trip state and completes the OAuth response on success.
type Bridge struct {
	codec     *secrets.Codec
	responder *oidc.SuccessResponder
	sessions  *session.Service
	cookie    CookieWriter
	timeout   time.Duration
}

// NewBridge creates a bridge. timeout <= 0 selects DefaultRoundTripTimeout.
func NewBridge(codec *secrets.Codec, responder *oidc.SuccessResponder, sessions *session.Service, cookie CookieWriter, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultRoundTripTimeout
	}
	return &Bridge{
		codec:     codec,
		responder: responder,
		sessions:  sessions,
		cookie:    cookie,
		timeout:   timeout,
	}
}

// SealState encrypts the round-trip state for the browser to carry.
func (b *Bridge) SealState(state *State) (string, error) {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return b.codec.Seal(raw, stateAAD)
}

// OpenState decrypts and validates round-trip state. Tampered or
// undecodable blobs are invalid_state; a state older than the round-trip
// timeout is provider_error.
func (b *Bridge) OpenState(blob string) (*State, error) {
	raw, err := b.codec.Open(blob, stateAAD)
	if err != nil {
		return nil, oauth2.NewError(oidc.ErrInvalidState, "authorization state is missing or corrupt")
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, oauth2.NewError(oidc.ErrInvalidState, "authorization state is missing or corrupt")
	}
	if time.Since(state.CreatedAt) > b.timeout {
		return nil, oauth2.NewError(oidc.ErrProviderError, "provider round trip timed out")
	}
	return &state, nil
}

// Success completes the authorization after a provider authenticated the
// subject. The browser session referenced by the state is reattached when
// it still exists; an expired one just means a fresh session is created.
func (b *Bridge) Success(ctx context.Context, state *State, subject *oidc.Subject, userAgent, ipAddress string) (*oidc.CompletionResult, error) {
	var sess *session.BrowserSession
	if state.SessionID != "" {
		if found, err := b.sessions.GetBrowserSession(ctx, state.SessionID, state.Request.TenantID); err == nil {
			sess = found
		}
	}
	return b.responder.Complete(ctx, oidc.CompleteParams{
		Request:   state.Request,
		Session:   sess,
		Subject:   subject,
		UserAgent: userAgent,
		IPAddress: ipAddress,
	})
}

// WriteSessionCookie sets the session cookie for a newly created session.
func (b *Bridge) WriteSessionCookie(w http.ResponseWriter, sess *session.BrowserSession) error {
	if b.cookie == nil {
		return nil
	}
	return b.cookie(w, sess)
}

// EncryptSecret protects an upstream credential for storage.
func (b *Bridge) EncryptSecret(secret string) (string, error) {
	return b.codec.Seal([]byte(secret), secretAAD)
}

// DecryptSecret recovers a stored upstream credential.
func (b *Bridge) DecryptSecret(blob string) (string, error) {
	raw, err := b.codec.Open(blob, secretAAD)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
