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

package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound indicates a requested key is missing or expired.
var ErrNotFound = errors.New("key not found")

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Storage is an ordered key-value store with per-key TTL.
//
// Keys are colon-joined segment lists (see Key). Scan returns entries in
// lexicographic key order so prefix ranges enumerate deterministically.
type Storage interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove deletes key and returns the value it held, or nil if the key
	// was absent. The read-and-delete is atomic: two concurrent removals
	// of the same key yield the value to exactly one caller.
	Remove(ctx context.Context, key string) ([]byte, error)

	// Scan returns all live entries whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases underlying resources.
	Close() error
}

// Key joins segments into a storage key.
func Key(segments ...string) string {
	return strings.Join(segments, ":")
}
