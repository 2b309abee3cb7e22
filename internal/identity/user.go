package identity

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password does not meet security requirements")
	ErrAccountLocked      = errors.New("account is locked")
)

// User is a tenant-scoped subject record. SubjectProperties carries
// whatever the authenticating provider supplied; the enterprise claims
// (roles, permissions) are merged in at session time, not stored here.
type User struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	Email               string         `json:"email"`
	EmailVerified       bool           `json:"email_verified"`
	SubjectType         string         `json:"subject_type"`
	SubjectProperties   map[string]any `json:"subject_properties,omitempty"`
	FailedLoginAttempts int            `json:"failed_login_attempts,omitempty"`
	LockedUntil         *time.Time     `json:"locked_until,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           *time.Time     `json:"deleted_at,omitempty"`
}

// Credentials is a user's password credential, stored apart from the user
// record so provider-only subjects never carry one.
type Credentials struct {
	UserID       string    `json:"user_id"`
	PasswordHash string    `json:"password_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Mirror is the best-effort SQL shadow of the KV user records, used for
// admin enumeration. Write failures are logged, never surfaced.
type Mirror interface {
	UpsertUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, tenantID, userID string) error
}
