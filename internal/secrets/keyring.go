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

package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Keyring errors
var (
	ErrNoSigningKey  = errors.New("no active signing key")
	ErrUnknownKeyID  = errors.New("unknown key id")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingKeyID  = errors.New("token header missing kid")
)

// SigningKey is one entry in the key ring.
type SigningKey struct {
	KID       string
	Algorithm string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// JWK is a public key in JSON Web Key form (RFC 7517).
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

type ringState struct {
	current *SigningKey
	byKID   map[string]*SigningKey
}

// Keyring signs JWTs with the current key and verifies against any ring
// member, selected by kid. The ring is swapped atomically so rotation never
// blocks signers or verifiers.
type Keyring struct {
	state atomic.Pointer[ringState]
	skew  time.Duration
}

// NewKeyring creates a ring with a freshly generated RSA key as current.
// clockSkew is the tolerance applied to exp/iat during verification.
func NewKeyring(clockSkew time.Duration) (*Keyring, error) {
	key, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	kr := &Keyring{skew: clockSkew}
	kr.state.Store(&ringState{
		current: key,
		byKID:   map[string]*SigningKey{key.KID: key},
	})
	return kr, nil
}

// NewKeyringFromKeys builds a ring from persisted keys. The first key is
// current; the rest remain verify-only.
func NewKeyringFromKeys(clockSkew time.Duration, keys ...*SigningKey) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	byKID := make(map[string]*SigningKey, len(keys))
	for _, k := range keys {
		byKID[k.KID] = k
	}
	kr := &Keyring{skew: clockSkew}
	kr.state.Store(&ringState{current: keys[0], byKID: byKID})
	return kr, nil
}

// GenerateSigningKey creates a 2048-bit RSA key with a deterministic kid
// derived from the modulus.
func GenerateSigningKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(key.PublicKey.N.Bytes())
	return &SigningKey{
		KID:       base64.RawURLEncoding.EncodeToString(hash[:16]),
		Algorithm: "RS256",
		Private:   key,
		CreatedAt: time.Now(),
	}, nil
}

// Rotate adds key to the ring and makes it current. Old keys stay available
// for verification.
func (kr *Keyring) Rotate(key *SigningKey) {
	old := kr.state.Load()
	byKID := make(map[string]*SigningKey, len(old.byKID)+1)
	for kid, k := range old.byKID {
		byKID[kid] = k
	}
	byKID[key.KID] = key
	kr.state.Store(&ringState{current: key, byKID: byKID})
}

// CurrentKID returns the kid of the active signing key.
func (kr *Keyring) CurrentKID() string {
	return kr.state.Load().current.KID
}

// Sign produces a signed JWT with the current key; the kid header selects
// the verification key later.
func (kr *Keyring) Sign(claims jwt.MapClaims) (string, error) {
	key := kr.state.Load().current
	if key == nil {
		return "", ErrNoSigningKey
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KID
	return token.SignedString(key.Private)
}

// Verify parses and validates a JWT, selecting the key by kid header.
func (kr *Keyring) Verify(tokenString string) (jwt.MapClaims, error) {
	state := kr.state.Load()

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, ErrMissingKeyID
		}
		key, ok := state.byKID[kid]
		if !ok {
			return nil, ErrUnknownKeyID
		}
		return &key.Private.PublicKey, nil
	}, jwt.WithLeeway(kr.skew))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return claims, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PublicJWKS exports the public halves of all ring members.
func (kr *Keyring) PublicJWKS() JWKS {
	state := kr.state.Load()
	keys := make([]JWK, 0, len(state.byKID))
	for kid, k := range state.byKID {
		pub := k.Private.PublicKey
		keys = append(keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: k.Algorithm,
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(intToBytes(pub.E)),
		})
	}
	return JWKS{Keys: keys}
}

func intToBytes(n int) []byte {
	if n == 0 {
		return []byte{0}
	}
	var res []byte
	for n > 0 {
		res = append([]byte{byte(n & 0xff)}, res...)
		n >>= 8
	}
	return res
}
