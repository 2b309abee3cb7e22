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
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for client-secret hashing. Pinned: changing them
// invalidates every stored hash, so any change needs a re-hash migration.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashClientSecret derives a salt:hash pair for storage.
func HashClientSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyClientSecret compares secret against a stored salt:hash pair in
// constant time.
func VerifyClientSecret(secret, stored string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(stored, ":")
	if !ok {
		return false, fmt.Errorf("malformed secret hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("malformed secret salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("malformed secret hash: %w", err)
	}
	computed := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// dummyHash is a throwaway salt:hash used to keep the unknown-client path
// timing-equal with a real comparison.
var dummyHash = func() string {
	h, _ := HashClientSecret("dummy-client-secret")
	return h
}()

// DummyCompare burns the same work as VerifyClientSecret so callers can
// keep unknown-client and wrong-secret responses indistinguishable by timing.
func DummyCompare(secret string) {
	_, _ = VerifyClientSecret(secret, dummyHash)
}

// GenerateClientSecret returns a new high-entropy client secret.
func GenerateClientSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
