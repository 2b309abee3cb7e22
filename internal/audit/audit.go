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

// Package audit records token lifecycle events. Recording is fire and
// forget: no caller ever fails because the audit trail did.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Token lifecycle event types.
const (
	TypeGenerated = "generated"
	TypeRefreshed = "refreshed"
	TypeRevoked   = "revoked"
	TypeReused    = "reused"
)

// Event is one auditable token action.
type Event struct {
	TokenID   string         `json:"token_id"`
	Subject   string         `json:"subject"`
	EventType string         `json:"event_type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must never block on or
// propagate their own failures.
type Logger interface {
	Log(ctx context.Context, event Event)
}

// Store is the SQL surface for audit persistence and queries.
type Store interface {
	InsertEvents(ctx context.Context, events []Event) error
	ListByToken(ctx context.Context, tenantID, tokenID string, limit int) ([]Event, error)
	ListBySubject(ctx context.Context, tenantID, subject string, limit int) ([]Event, error)
	ListByType(ctx context.Context, tenantID, eventType string, since time.Time, limit int) ([]Event, error)
	CountByType(ctx context.Context, tenantID string, since time.Time) (map[string]int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SlogLogger writes audit events to the application log only. It backs
// development setups and doubles as the fallback when no SQL store is wired.
type SlogLogger struct{}

// NewSlogLogger creates a log-only audit logger.
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records the event at INFO.
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	attrs := []any{
		slog.String("component", "audit"),
		slog.String("event_type", event.EventType),
		slog.String("token_id", event.TokenID),
		slog.String("subject", event.Subject),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", event.TenantID))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if len(event.Metadata) > 0 {
		group := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}
	slog.InfoContext(ctx, "AUDIT_EVENT", attrs...)
}

func isSecret(key string) bool {
	switch key {
	case "password", "secret", "token", "key", "authorization", "refresh_token":
		return true
	}
	return false
}
