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
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	blob, err := codec.Seal([]byte(`{"sessionId":"s1"}`), "openauth.session")
	require.NoError(t, err)

	plain, err := codec.Open(blob, "openauth.session")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"sessionId":"s1"}`), plain)
}

func TestCodecAADBinding(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	blob, err := codec.Seal([]byte("state"), "cookie-a")
	require.NoError(t, err)

	_, err = codec.Open(blob, "cookie-b")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCodecRejectsGarbage(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	for _, blob := range []string{"", "!!!not-base64!!!", "c2hvcnQ"} {
		_, err := codec.Open(blob, "openauth.session")
		assert.ErrorIs(t, err, ErrInvalidCiphertext)
	}
}

func TestCodecKeyLength(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	assert.Error(t, err)
}

func TestKeyringSignVerify(t *testing.T) {
	kr, err := NewKeyring(time.Minute)
	require.NoError(t, err)

	now := time.Now()
	token, err := kr.Sign(jwt.MapClaims{
		"iss": "https://issuer.example",
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	claims, err := kr.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
}

func TestKeyringRotationKeepsOldKeysVerifiable(t *testing.T) {
	kr, err := NewKeyring(time.Minute)
	require.NoError(t, err)
	oldKID := kr.CurrentKID()

	now := time.Now()
	oldToken, err := kr.Sign(jwt.MapClaims{"sub": "u", "exp": now.Add(time.Hour).Unix()})
	require.NoError(t, err)

	next, err := GenerateSigningKey()
	require.NoError(t, err)
	kr.Rotate(next)

	assert.NotEqual(t, oldKID, kr.CurrentKID())

	// Tokens signed before rotation still verify.
	_, err = kr.Verify(oldToken)
	require.NoError(t, err)

	// Both public keys are published.
	jwks := kr.PublicJWKS()
	assert.Len(t, jwks.Keys, 2)
}

func TestKeyringExpiredToken(t *testing.T) {
	kr, err := NewKeyring(0)
	require.NoError(t, err)

	token, err := kr.Sign(jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()})
	require.NoError(t, err)

	_, err = kr.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestKeyringRejectsForeignToken(t *testing.T) {
	kr, err := NewKeyring(time.Minute)
	require.NoError(t, err)

	other, err := NewKeyring(time.Minute)
	require.NoError(t, err)

	token, err := other.Sign(jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)

	_, err = kr.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClientSecretHashVerify(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)
	assert.Contains(t, hash, ":")

	ok, err := VerifyClientSecret("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyClientSecret("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientSecretHashIsSalted(t *testing.T) {
	h1, err := HashClientSecret("same")
	require.NoError(t, err)
	h2, err := HashClientSecret("same")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyClientSecretMalformed(t *testing.T) {
	_, err := VerifyClientSecret("x", "no-separator")
	assert.Error(t, err)
}
