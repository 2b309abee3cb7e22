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

// Package identity manages user records and password credentials. Records
// live in the KV store keyed per tenant, with a best-effort SQL mirror for
// admin listing.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/openauth/openauth/internal/storage"
)

// PasswordHasher hashes passwords with Argon2id in the standard encoded
// form, so parameters can change without invalidating stored hashes.
type PasswordHasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// NewPasswordHasher creates an Argon2id hasher.
func NewPasswordHasher(memory, iterations uint32, parallelism uint8, saltLength, keyLength uint32) *PasswordHasher {
	return &PasswordHasher{
		memory:      memory,
		iterations:  iterations,
		parallelism: parallelism,
		saltLength:  saltLength,
		keyLength:   keyLength,
	}
}

// DefaultPasswordHasher uses the RFC 9106 low-memory profile.
func DefaultPasswordHasher() *PasswordHasher {
	return NewPasswordHasher(64*1024, 3, 4, 16, 32)
}

// Hash encodes as $argon2id$v=19$m=...,t=...,p=...$salt$hash.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify checks a password against an encoded hash using the parameters
// the hash itself records.
func (h *PasswordHasher) Verify(password, encodedHash string) (bool, error) {
	sections := strings.Split(encodedHash, "$")
	// ["", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash]
	if len(sections) != 6 || sections[1] != "argon2id" {
		return false, fmt.Errorf("invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(sections[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("invalid hash version: %w", err)
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(sections[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("invalid hash parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(sections[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(sections[5])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}
	actual := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// Lockout defaults.
const (
	DefaultLockoutMaxAttempts = 5
	DefaultLockoutDuration    = 15 * time.Minute
)

// Config tunes the identity service.
type Config struct {
	LockoutMaxAttempts int
	LockoutDuration    time.Duration
}

// Service provides user lifecycle and password authentication.
type Service struct {
	store          storage.Storage
	mirror         Mirror
	hasher         *PasswordHasher
	cfg            Config
	mirrorFailures atomic.Int64
}

// NewService creates an identity service. mirror may be nil.
func NewService(store storage.Storage, mirror Mirror, hasher *PasswordHasher, cfg Config) *Service {
	if cfg.LockoutMaxAttempts <= 0 {
		cfg.LockoutMaxAttempts = DefaultLockoutMaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if hasher == nil {
		hasher = DefaultPasswordHasher()
	}
	return &Service{store: store, mirror: mirror, hasher: hasher, cfg: cfg}
}

func userKey(tenantID, userID string) string {
	return storage.Key("users", tenantID, userID)
}

func emailKey(tenantID, email string) string {
	return storage.Key("users", "email", tenantID, strings.ToLower(email))
}

func credsKey(userID string) string {
	return storage.Key("creds", userID)
}

// ProvisionUser creates a user record without credentials.
func (s *Service) ProvisionUser(ctx context.Context, tenantID, email, subjectType string, properties map[string]any) (*User, error) {
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if _, err := s.store.Get(ctx, emailKey(tenantID, email)); err == nil {
		return nil, ErrUserAlreadyExists
	}
	if subjectType == "" {
		subjectType = "user"
	}
	now := time.Now()
	user := &User{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Email:             email,
		SubjectType:       subjectType,
		SubjectProperties: properties,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.putUser(ctx, user); err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, emailKey(tenantID, email), []byte(user.ID), 0); err != nil {
		return nil, fmt.Errorf("failed to index user email: %w", err)
	}
	return user, nil
}

// UpsertSubject records a provider-authenticated subject, creating the
// user on first sight and refreshing properties after that. Returns the
// stable user ID.
func (s *Service) UpsertSubject(ctx context.Context, tenantID, email, subjectType string, properties map[string]any) (string, error) {
	if email != "" {
		if existing, err := s.GetByEmail(ctx, tenantID, email); err == nil {
			existing.SubjectType = subjectType
			existing.SubjectProperties = properties
			if err := s.putUser(ctx, existing); err != nil {
				return "", err
			}
			return existing.ID, nil
		}
	}
	user, err := s.ProvisionUser(ctx, tenantID, email, subjectType, properties)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// AddPassword attaches a password credential to a user.
func (s *Service) AddPassword(ctx context.Context, userID, password string) error {
	if !isStrongPassword(password) {
		return ErrWeakPassword
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.putCredentials(ctx, &Credentials{UserID: userID, PasswordHash: hash, UpdatedAt: time.Now()})
}

// Authenticate verifies email and password, tracking failed attempts and
// locking the account past the threshold.
func (s *Service) Authenticate(ctx context.Context, tenantID, email, password string) (*User, error) {
	user, err := s.GetByEmail(ctx, tenantID, email)
	if err != nil {
		slog.InfoContext(ctx, "login failed", "tenant_id", tenantID, "reason", "user_not_found")
		return nil, ErrInvalidCredentials
	}
	if user.LockedUntil != nil && user.LockedUntil.After(time.Now()) {
		slog.InfoContext(ctx, "login failed", "tenant_id", tenantID, "user_id", user.ID, "reason", "locked_out")
		return nil, ErrAccountLocked
	}

	creds, err := s.getCredentials(ctx, user.ID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	valid, err := s.hasher.Verify(password, creds.PasswordHash)
	if err != nil || !valid {
		user.FailedLoginAttempts++
		if user.FailedLoginAttempts >= s.cfg.LockoutMaxAttempts {
			until := time.Now().Add(s.cfg.LockoutDuration)
			user.LockedUntil = &until
			slog.WarnContext(ctx, "account locked",
				"tenant_id", tenantID, "user_id", user.ID, "attempts", user.FailedLoginAttempts)
		}
		if err := s.putUser(ctx, user); err != nil {
			slog.ErrorContext(ctx, "failed to record failed login", "user_id", user.ID, "error", err.Error())
		}
		slog.InfoContext(ctx, "login failed",
			"tenant_id", tenantID, "user_id", user.ID, "reason", "invalid_password")
		return nil, ErrInvalidCredentials
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
		if err := s.putUser(ctx, user); err != nil {
			slog.ErrorContext(ctx, "failed to reset lockout", "user_id", user.ID, "error", err.Error())
		}
	}
	return user, nil
}

// GetUser fetches a user by ID within a tenant.
func (s *Service) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	raw, err := s.store.Get(ctx, userKey(tenantID, userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("malformed user record: %w", err)
	}
	if user.DeletedAt != nil {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// GetByEmail resolves the tenant email index, then the record.
func (s *Service) GetByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	id, err := s.store.Get(ctx, emailKey(tenantID, email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUser(ctx, tenantID, string(id))
}

// UpdateProperties replaces a user's subject properties.
func (s *Service) UpdateProperties(ctx context.Context, tenantID, userID string, properties map[string]any) error {
	user, err := s.GetUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	user.SubjectProperties = properties
	return s.putUser(ctx, user)
}

// ChangePassword verifies the old password before setting the new one.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	creds, err := s.getCredentials(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}
	valid, err := s.hasher.Verify(oldPassword, creds.PasswordHash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}
	if !isStrongPassword(newPassword) {
		return ErrWeakPassword
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.putCredentials(ctx, &Credentials{UserID: userID, PasswordHash: hash, UpdatedAt: time.Now()})
}

// DeleteUser soft-deletes the record and drops the email index.
func (s *Service) DeleteUser(ctx context.Context, tenantID, userID string) error {
	user, err := s.GetUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	user.DeletedAt = &now
	if err := s.putUser(ctx, user); err != nil {
		return err
	}
	if _, err := s.store.Remove(ctx, emailKey(tenantID, user.Email)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := s.store.Remove(ctx, credsKey(userID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteUser(ctx, tenantID, userID); err != nil {
			s.mirrorFailures.Add(1)
			slog.WarnContext(ctx, "user mirror delete failed", "user_id", userID, "error", err.Error())
		}
	}
	return nil
}

// MirrorFailures reports how many SQL mirror writes have failed.
func (s *Service) MirrorFailures() int64 {
	return s.mirrorFailures.Load()
}

func (s *Service) putUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now()
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, userKey(user.TenantID, user.ID), raw, 0); err != nil {
		return fmt.Errorf("failed to persist user: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.UpsertUser(ctx, user); err != nil {
			if retryErr := s.mirror.UpsertUser(ctx, user); retryErr != nil {
				s.mirrorFailures.Add(1)
				slog.WarnContext(ctx, "user mirror write failed",
					"user_id", user.ID, "error", retryErr.Error())
			}
		}
	}
	return nil
}

func (s *Service) putCredentials(ctx context.Context, creds *Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, credsKey(creds.UserID), raw, 0)
}

func (s *Service) getCredentials(ctx context.Context, userID string) (*Credentials, error) {
	raw, err := s.store.Get(ctx, credsKey(userID))
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func isValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && len(email) < 255
}

func isStrongPassword(password string) bool {
	return len(password) >= 8
}
