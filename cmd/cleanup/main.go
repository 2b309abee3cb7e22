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

// Command cleanup applies retention policies to the mirror database: expired
// session rows, audit events past retention, and retired signing keys. The
// authoritative KV entries expire on their own TTLs and need no sweeping.
// Intended to run from cron; each invocation does one pass and exits.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/openauth/openauth/internal/config"
	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/store/postgres"
)

func main() {
	auditRetention := flag.Duration("audit-retention", 90*24*time.Hour, "delete audit events older than this")
	keyRetention := flag.Duration("key-retention", 30*24*time.Hour, "delete signing keys retired longer ago than this")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "openauth-cleanup",
	})

	if !cfg.Database.Enabled {
		slog.Error("cleanup requires the mirror database, set MIRROR_ENABLED=true")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	now := time.Now()
	failed := false

	sessions := postgres.NewSessionRepository(db)
	removed, err := sessions.DeleteExpiredSessions(ctx, now.Add(-cfg.Session.Lifetime))
	if err != nil {
		slog.Error("session cleanup failed", logger.Error(err))
		failed = true
	} else {
		slog.Info("removed expired sessions", logger.RowsAffected(int64(removed)))
	}

	auditRepo := postgres.NewAuditRepository(db)
	removed, err = auditRepo.DeleteOlderThan(ctx, now.Add(-*auditRetention))
	if err != nil {
		slog.Error("audit cleanup failed", logger.Error(err))
		failed = true
	} else {
		slog.Info("removed audit events past retention", logger.RowsAffected(int64(removed)))
	}

	// The codec is only exercised on key reads; deletion never decrypts, so
	// any 32-byte key satisfies the constructor.
	codecKey := cfg.Secrets.CookieKeyBytes()
	if codecKey == nil {
		codecKey = make([]byte, 32)
		if _, err := rand.Read(codecKey); err != nil {
			slog.Error("failed to generate codec key", logger.Error(err))
			os.Exit(1)
		}
	}
	codec, err := secrets.NewCodec(codecKey)
	if err != nil {
		slog.Error("failed to initialize codec", logger.Error(err))
		os.Exit(1)
	}
	keys := postgres.NewKeyRepository(db, codec)
	removed, err = keys.DeleteRetiredBefore(ctx, now.Add(-*keyRetention))
	if err != nil {
		slog.Error("signing key cleanup failed", logger.Error(err))
		failed = true
	} else {
		slog.Info("removed retired signing keys", logger.RowsAffected(int64(removed)))
	}

	if failed {
		os.Exit(1)
	}
}
