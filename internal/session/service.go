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

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openauth/openauth/internal/storage"
)

// Config tunes the browser-session service.
type Config struct {
	// Lifetime is the absolute session TTL, set once at creation.
	Lifetime time.Duration
	// MaxAccounts caps distinct accounts per browser session.
	MaxAccounts int
}

// Service maintains browser sessions and their account sessions.
//
// Storage discipline: every write lands in the KV first (authoritative for
// reads) and is mirrored to SQL best-effort with one inline retry. A mirror
// failure is counted and logged, never surfaced: the KV copy is sufficient
// for correctness, and the admin plane tolerates divergence until the next
// successful write or cleanup sweep.
type Service struct {
	store  storage.Storage
	mirror Mirror
	cfg    Config

	mirrorFailures atomic.Int64
}

// NewService creates a browser-session service. mirror may be nil when no
// SQL mirror is deployed.
func NewService(store storage.Storage, mirror Mirror, cfg Config) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = DefaultMaxAccounts
	}
	return &Service{store: store, mirror: mirror, cfg: cfg}
}

// MirrorFailures reports how many SQL mirror writes have failed after retry.
func (s *Service) MirrorFailures() int64 {
	return s.mirrorFailures.Load()
}

func browserKey(tenantID, sessionID string) string {
	return storage.Key("session", "browser", tenantID, sessionID)
}

func accountKey(sessionID, userID string) string {
	return storage.Key("session", "account", sessionID, userID)
}

func accountPrefix(sessionID string) string {
	return storage.Key("session", "account", sessionID) + ":"
}

func newSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// CreateBrowserSession starts a new empty browser session.
func (s *Service) CreateBrowserSession(ctx context.Context, tenantID, userAgent, ipAddress string) (*BrowserSession, error) {
	now := time.Now()
	sess := &BrowserSession{
		ID:           newSessionID(),
		TenantID:     tenantID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.cfg.Lifetime),
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
		Version:      1,
	}
	if err := s.putBrowser(ctx, sess); err != nil {
		return nil, err
	}
	s.mirrorWrite(ctx, "upsert_browser_session", func() error {
		return s.mirror.UpsertBrowserSession(ctx, sess)
	})
	return sess, nil
}

// GetBrowserSession fetches a session from the KV, enforcing tenant match.
func (s *Service) GetBrowserSession(ctx context.Context, sessionID, tenantID string) (*BrowserSession, error) {
	raw, err := s.store.Get(ctx, browserKey(tenantID, sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load browser session: %w", err)
	}
	var sess BrowserSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("corrupt browser session: %w", err)
	}
	if sess.IsExpired() {
		return nil, ErrSessionExpired
	}
	return &sess, nil
}

// Touch refreshes last_activity within the sliding window. The absolute
// expiry set at creation is never extended.
func (s *Service) Touch(ctx context.Context, sessionID, tenantID string) error {
	sess, err := s.GetBrowserSession(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	sess.LastActivity = time.Now()
	sess.Version++
	if err := s.putBrowser(ctx, sess); err != nil {
		return err
	}
	s.mirrorWrite(ctx, "upsert_browser_session", func() error {
		return s.mirror.UpsertBrowserSession(ctx, sess)
	})
	return nil
}

// ListAccounts returns all account sessions for a browser session, most
// recently authenticated first. KV only; this is the hot path.
func (s *Service) ListAccounts(ctx context.Context, sessionID string) ([]*AccountSession, error) {
	entries, err := s.store.Scan(ctx, accountPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to scan account sessions: %w", err)
	}
	accounts := make([]*AccountSession, 0, len(entries))
	for _, e := range entries {
		var a AccountSession
		if err := json.Unmarshal(e.Value, &a); err != nil {
			slog.WarnContext(ctx, "skipping corrupt account session", "key", e.Key)
			continue
		}
		accounts = append(accounts, &a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AuthenticatedAt.After(accounts[j].AuthenticatedAt)
	})
	return accounts, nil
}

// AddAccountParams describes one authenticated account entering a session.
type AddAccountParams struct {
	Session           *BrowserSession
	UserID            string
	SubjectType       string
	SubjectProperties map[string]any
	RefreshToken      string
	ClientID          string
	TTL               time.Duration
}

// AddAccountToSession records an authenticated account and makes it active.
// Re-authenticating a user already in the session updates that account in
// place. When the cap is reached, the least recently authenticated
// non-active account is evicted.
func (s *Service) AddAccountToSession(ctx context.Context, p AddAccountParams) (*AccountSession, error) {
	sess := p.Session
	now := time.Now()
	ttl := p.TTL
	if ttl <= 0 {
		ttl = time.Until(sess.ExpiresAt)
	}

	accounts, err := s.ListAccounts(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	var account *AccountSession
	for _, a := range accounts {
		if a.UserID == p.UserID {
			account = a
			break
		}
	}

	if account == nil {
		if len(accounts) >= s.cfg.MaxAccounts {
			if err := s.evictOldest(ctx, sess, accounts); err != nil {
				return nil, err
			}
		}
		account = &AccountSession{
			ID:               uuid.NewString(),
			BrowserSessionID: sess.ID,
			UserID:           p.UserID,
		}
	}

	account.SubjectType = p.SubjectType
	account.SubjectProperties = p.SubjectProperties
	account.ClientID = p.ClientID
	account.RefreshToken = p.RefreshToken
	account.AuthenticatedAt = now
	account.ExpiresAt = now.Add(ttl)
	account.IsActive = true

	// Demote the previous active account.
	for _, a := range accounts {
		if a.IsActive && a.UserID != p.UserID {
			a.IsActive = false
			if err := s.putAccount(ctx, a); err != nil {
				return nil, err
			}
			s.mirrorWrite(ctx, "upsert_account_session", func() error {
				return s.mirror.UpsertAccountSession(ctx, a)
			})
		}
	}

	if err := s.putAccount(ctx, account); err != nil {
		return nil, err
	}
	s.mirrorWrite(ctx, "upsert_account_session", func() error {
		return s.mirror.UpsertAccountSession(ctx, account)
	})

	sess.ActiveUserID = &account.UserID
	sess.LastActivity = now
	sess.Version++
	if err := s.putBrowser(ctx, sess); err != nil {
		return nil, err
	}
	s.mirrorWrite(ctx, "upsert_browser_session", func() error {
		return s.mirror.UpsertBrowserSession(ctx, sess)
	})

	return account, nil
}

// SwitchActiveAccount makes userID the session's active account.
func (s *Service) SwitchActiveAccount(ctx context.Context, sessionID, tenantID, userID string) error {
	sess, err := s.GetBrowserSession(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	accounts, err := s.ListAccounts(ctx, sessionID)
	if err != nil {
		return err
	}

	var target *AccountSession
	for _, a := range accounts {
		if a.UserID == userID {
			target = a
			break
		}
	}
	if target == nil {
		return ErrAccountNotFound
	}

	for _, a := range accounts {
		want := a.UserID == userID
		if a.IsActive == want {
			continue
		}
		a.IsActive = want
		if err := s.putAccount(ctx, a); err != nil {
			return err
		}
		s.mirrorWrite(ctx, "upsert_account_session", func() error {
			return s.mirror.UpsertAccountSession(ctx, a)
		})
	}

	sess.ActiveUserID = &userID
	sess.LastActivity = time.Now()
	sess.Version++
	if err := s.putBrowser(ctx, sess); err != nil {
		return err
	}
	s.mirrorWrite(ctx, "upsert_browser_session", func() error {
		return s.mirror.UpsertBrowserSession(ctx, sess)
	})
	return nil
}

// RemoveAccount deletes one account from the session. If the removed account
// was active, the most recently authenticated remaining account is promoted;
// with none left the active pointer clears.
func (s *Service) RemoveAccount(ctx context.Context, sessionID, tenantID, userID string) error {
	sess, err := s.GetBrowserSession(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}

	prior, err := s.store.Remove(ctx, accountKey(sessionID, userID))
	if err != nil {
		return fmt.Errorf("failed to remove account session: %w", err)
	}
	if prior == nil {
		return ErrAccountNotFound
	}
	s.mirrorWrite(ctx, "delete_account_session", func() error {
		return s.mirror.DeleteAccountSession(ctx, sessionID, userID)
	})

	wasActive := sess.ActiveUserID != nil && *sess.ActiveUserID == userID
	if wasActive {
		remaining, err := s.ListAccounts(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			sess.ActiveUserID = nil
		} else {
			promoted := remaining[0] // most recently authenticated
			promoted.IsActive = true
			if err := s.putAccount(ctx, promoted); err != nil {
				return err
			}
			s.mirrorWrite(ctx, "upsert_account_session", func() error {
				return s.mirror.UpsertAccountSession(ctx, promoted)
			})
			sess.ActiveUserID = &promoted.UserID
		}
	}

	sess.LastActivity = time.Now()
	sess.Version++
	if err := s.putBrowser(ctx, sess); err != nil {
		return err
	}
	s.mirrorWrite(ctx, "upsert_browser_session", func() error {
		return s.mirror.UpsertBrowserSession(ctx, sess)
	})
	return nil
}

// RemoveAllAccounts logs every account out of the session but keeps the
// browser session itself.
func (s *Service) RemoveAllAccounts(ctx context.Context, sessionID, tenantID string) error {
	sess, err := s.GetBrowserSession(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	accounts, err := s.ListAccounts(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if _, err := s.store.Remove(ctx, accountKey(sessionID, a.UserID)); err != nil {
			return fmt.Errorf("failed to remove account session: %w", err)
		}
		userID := a.UserID
		s.mirrorWrite(ctx, "delete_account_session", func() error {
			return s.mirror.DeleteAccountSession(ctx, sessionID, userID)
		})
	}

	sess.ActiveUserID = nil
	sess.LastActivity = time.Now()
	sess.Version++
	if err := s.putBrowser(ctx, sess); err != nil {
		return err
	}
	s.mirrorWrite(ctx, "upsert_browser_session", func() error {
		return s.mirror.UpsertBrowserSession(ctx, sess)
	})
	return nil
}

// DestroyBrowserSession removes the session and all its accounts.
func (s *Service) DestroyBrowserSession(ctx context.Context, sessionID, tenantID string) error {
	accounts, err := s.ListAccounts(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if _, err := s.store.Remove(ctx, accountKey(sessionID, a.UserID)); err != nil {
			return fmt.Errorf("failed to remove account session: %w", err)
		}
	}
	if _, err := s.store.Remove(ctx, browserKey(tenantID, sessionID)); err != nil {
		return fmt.Errorf("failed to remove browser session: %w", err)
	}
	s.mirrorWrite(ctx, "delete_browser_session", func() error {
		return s.mirror.DeleteBrowserSession(ctx, sessionID)
	})
	return nil
}

func (s *Service) evictOldest(ctx context.Context, sess *BrowserSession, accounts []*AccountSession) error {
	// accounts arrive newest-first; walk backwards for the oldest non-active.
	for i := len(accounts) - 1; i >= 0; i-- {
		a := accounts[i]
		if a.IsActive {
			continue
		}
		slog.InfoContext(ctx, "evicting account session at capacity",
			"session_id", sess.ID, "user_id", a.UserID)
		if _, err := s.store.Remove(ctx, accountKey(sess.ID, a.UserID)); err != nil {
			return fmt.Errorf("failed to evict account session: %w", err)
		}
		userID := a.UserID
		s.mirrorWrite(ctx, "delete_account_session", func() error {
			return s.mirror.DeleteAccountSession(ctx, sess.ID, userID)
		})
		return nil
	}
	// Every slot active can only mean MaxAccounts == 1; replace it.
	if len(accounts) > 0 {
		last := accounts[len(accounts)-1]
		if _, err := s.store.Remove(ctx, accountKey(sess.ID, last.UserID)); err != nil {
			return fmt.Errorf("failed to evict account session: %w", err)
		}
		userID := last.UserID
		s.mirrorWrite(ctx, "delete_account_session", func() error {
			return s.mirror.DeleteAccountSession(ctx, sess.ID, userID)
		})
	}
	return nil
}

func (s *Service) putBrowser(ctx context.Context, sess *BrowserSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.store.Set(ctx, browserKey(sess.TenantID, sess.ID), raw, ttl); err != nil {
		return fmt.Errorf("failed to store browser session: %w", err)
	}
	return nil
}

func (s *Service) putAccount(ctx context.Context, a *AccountSession) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ttl := time.Until(a.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.store.Set(ctx, accountKey(a.BrowserSessionID, a.UserID), raw, ttl); err != nil {
		return fmt.Errorf("failed to store account session: %w", err)
	}
	return nil
}

// mirrorWrite applies a SQL mirror write with one inline retry. Failures are
// logged and counted but never propagated.
func (s *Service) mirrorWrite(ctx context.Context, op string, fn func() error) {
	if s.mirror == nil {
		return
	}
	err := fn()
	if err == nil {
		return
	}
	if ctx.Err() == nil {
		if err = fn(); err == nil {
			return
		}
	}
	s.mirrorFailures.Add(1)
	slog.WarnContext(ctx, "session mirror write failed",
		"operation", op, "error", err.Error(),
		"failures", s.mirrorFailures.Load())
}
