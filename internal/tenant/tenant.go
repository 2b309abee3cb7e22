package tenant

import (
	"errors"
	"time"
)

// Domain errors
var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantAlreadyExists = errors.New("tenant already exists")
	ErrDomainTaken         = errors.New("domain already mapped to another tenant")
)

// Status constants
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// DefaultTenantID is the tenant used when no resolver input matches and the
// deployment runs single-tenant.
const DefaultTenantID = "default"

// Branding holds per-tenant visual identity consumed by server-rendered pages.
type Branding struct {
	Theme     string `json:"theme,omitempty"`
	LogoLight string `json:"logo_light,omitempty"`
	LogoDark  string `json:"logo_dark,omitempty"`
	Favicon   string `json:"favicon,omitempty"`
	CustomCSS string `json:"custom_css,omitempty"`
}

// Tenant represents an isolated customer realm with its own clients, users,
// roles, and branding.
type Tenant struct {
	ID        string         `json:"id"`
	Domain    string         `json:"domain,omitempty"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Branding  Branding       `json:"branding"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsServable reports whether requests may be handled for this tenant.
func (t *Tenant) IsServable() bool {
	return t.Status == StatusActive
}
