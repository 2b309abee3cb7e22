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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidCiphertext indicates a blob that fails decryption or integrity.
// Session middleware treats it as "no session present", not a hard error.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Codec seals and opens opaque state blobs (session cookies, provider
// handshake state) with AES-256-GCM. The associated-data parameter binds a
// blob to its use site, typically the cookie name, so a blob minted for one
// cookie cannot be replayed into another.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a codec from a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("codec key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad and returns a base64url blob suitable
// for a cookie value.
func (c *Codec) Seal(plaintext []byte, aad string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(aad))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (c *Codec) Open(blob string, aad string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
