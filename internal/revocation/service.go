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

// Package revocation keeps the access-token deny list and removes refresh
// tokens. The deny list is a best-effort belt: the JWT exp claim remains
// authoritative, so entries only need to outlive the tokens they cover.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openauth/openauth/internal/storage"
)

// DefaultTTL is how long a deny-list entry is kept.
const DefaultTTL = 15 * time.Minute

type denyEntry struct {
	RevokedAt time.Time `json:"revoked_at"`
}

// Service manages revocation state in the KV store.
type Service struct {
	store storage.Storage
	ttl   time.Duration
}

// NewService creates a revocation service. ttl <= 0 selects DefaultTTL.
func NewService(store storage.Storage, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl}
}

func accessKey(tokenID string) string {
	return storage.Key("oauth", "revoked", "access", tokenID)
}

func refreshKey(subject, tokenID string) string {
	return storage.Key("oauth", "refresh", subject, tokenID)
}

func refreshPrefix(subject string) string {
	return storage.Key("oauth", "refresh", subject) + ":"
}

// RevokeAccessToken puts a token on the deny list.
func (s *Service) RevokeAccessToken(ctx context.Context, tokenID string) error {
	raw, err := json.Marshal(denyEntry{RevokedAt: time.Now()})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, accessKey(tokenID), raw, s.ttl); err != nil {
		return fmt.Errorf("failed to deny-list access token: %w", err)
	}
	return nil
}

// IsAccessTokenRevoked reports whether a token is deny-listed. Storage
// trouble answers false: availability beats strictness here because exp
// still bounds the token's life.
func (s *Service) IsAccessTokenRevoked(ctx context.Context, tokenID string) bool {
	_, err := s.store.Get(ctx, accessKey(tokenID))
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		slog.WarnContext(ctx, "deny list read failed, treating token as valid",
			"token_id", tokenID, "error", err.Error())
	}
	return false
}

// RevokeRefreshToken removes one refresh-token record.
func (s *Service) RevokeRefreshToken(ctx context.Context, subject, tokenID string) error {
	if _, err := s.store.Remove(ctx, refreshKey(subject, tokenID)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllRefreshTokens deletes every refresh token under the subject's
// prefix. Returns the number removed.
func (s *Service) RevokeAllRefreshTokens(ctx context.Context, subject string) (int, error) {
	entries, err := s.store.Scan(ctx, refreshPrefix(subject))
	if err != nil {
		return 0, fmt.Errorf("failed to scan refresh tokens: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if _, err := s.store.Remove(ctx, e.Key); err != nil {
			return removed, fmt.Errorf("failed to remove refresh token: %w", err)
		}
		removed++
	}
	return removed, nil
}

// CleanExpiredRevocations sweeps deny-list entries older than the TTL.
// Backends with native expiry never accumulate these; the sweep covers
// stores that keep expired values until compaction.
func (s *Service) CleanExpiredRevocations(ctx context.Context) (int, error) {
	entries, err := s.store.Scan(ctx, storage.Key("oauth", "revoked", "access")+":")
	if err != nil {
		return 0, fmt.Errorf("failed to scan deny list: %w", err)
	}
	cutoff := time.Now().Add(-s.ttl)
	removed := 0
	for _, e := range entries {
		var entry denyEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil || entry.RevokedAt.Before(cutoff) {
			if _, err := s.store.Remove(ctx, e.Key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
