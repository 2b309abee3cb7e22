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

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openauth/openauth/internal/audit"
	"github.com/openauth/openauth/internal/config"
	"github.com/openauth/openauth/internal/identity"
	"github.com/openauth/openauth/internal/oauth2"
	"github.com/openauth/openauth/internal/observability/logger"
	"github.com/openauth/openauth/internal/observability/metrics"
	"github.com/openauth/openauth/internal/observability/tracing"
	"github.com/openauth/openauth/internal/oidc"
	"github.com/openauth/openauth/internal/provider"
	"github.com/openauth/openauth/internal/rbac"
	"github.com/openauth/openauth/internal/revocation"
	"github.com/openauth/openauth/internal/secrets"
	"github.com/openauth/openauth/internal/session"
	"github.com/openauth/openauth/internal/storage"
	"github.com/openauth/openauth/internal/store/postgres"
	"github.com/openauth/openauth/internal/tenant"
	"github.com/openauth/openauth/internal/theme"
	transportHTTP "github.com/openauth/openauth/internal/transport/http"
)

func main() {
	// Load .env when present; real environments set variables directly
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting openauth identity provider")

	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	} else {
		defer tracer.Shutdown(ctx)
	}

	// Initialize meter
	_, err = metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	// Initialize the authoritative KV store
	var store storage.Storage
	switch cfg.Storage.Backend {
	case "redis":
		store, err = storage.NewRedis(ctx, storage.RedisConfig{
			Addr:     cfg.Storage.RedisAddr,
			Username: cfg.Storage.RedisUsername,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			slog.Error("failed to connect to redis", logger.Error(err))
			os.Exit(1)
		}
		slog.Info("connected to redis", logger.Component("storage"))
	default:
		store = storage.NewMemory()
		slog.Warn("using in-memory storage, all state is lost on restart")
	}
	defer store.Close()

	// Initialize the optional SQL mirror
	var db *postgres.DB
	if cfg.Database.Enabled {
		db, err = postgres.New(ctx, postgres.Config{
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
		slog.Info("connected to mirror database")
	} else {
		slog.Info("mirror database disabled, admin enumeration and RBAC are unavailable")
	}

	// Initialize key material
	cookieKey := cfg.Secrets.CookieKeyBytes()
	if cookieKey == nil {
		cookieKey = make([]byte, 32)
		if _, err := rand.Read(cookieKey); err != nil {
			slog.Error("failed to generate cookie key", logger.Error(err))
			os.Exit(1)
		}
		slog.Warn("SESSION_COOKIE_KEY not set, sessions will not survive a restart")
	}
	codec, err := secrets.NewCodec(cookieKey)
	if err != nil {
		slog.Error("failed to initialize cookie codec", logger.Error(err))
		os.Exit(1)
	}

	keyring, err := buildKeyring(ctx, cfg, db, codec)
	if err != nil {
		slog.Error("failed to initialize signing keyring", logger.Error(err))
		os.Exit(1)
	}

	// Initialize audit trail
	var auditLogger audit.Logger
	var auditQueries *audit.QueryService
	if db != nil {
		auditRepo := postgres.NewAuditRepository(db)
		recorder := audit.NewQueueRecorder(auditRepo, audit.QueueConfig{})
		defer recorder.Close()
		auditLogger = recorder
		auditQueries = audit.NewQueryService(auditRepo)
	} else {
		auditLogger = audit.NewSlogLogger()
	}

	// Initialize mirrors and repositories
	var userMirror identity.Mirror
	var sessionMirror session.Mirror
	var userDirectory transportHTTP.UserDirectory
	var sessionRepo *postgres.SessionRepository
	if db != nil {
		userRepo := postgres.NewUserRepository(db)
		userMirror = userRepo
		userDirectory = userRepo
		sessionRepo = postgres.NewSessionRepository(db)
		sessionMirror = sessionRepo
	}

	// Initialize services
	passwordHasher := identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)
	identityService := identity.NewService(store, userMirror, passwordHasher, identity.Config{
		LockoutMaxAttempts: cfg.Security.LockoutMaxAttempts,
		LockoutDuration:    cfg.Security.LockoutDuration,
	})
	sessionService := session.NewService(store, sessionMirror, session.Config{
		Lifetime:    cfg.Session.Lifetime,
		MaxAccounts: cfg.Session.MaxAccounts,
	})
	var sessionAdmin *session.AdminService
	if sessionRepo != nil {
		sessionAdmin = session.NewAdminService(sessionRepo, sessionService)
	}

	tenantService := tenant.NewService(store)
	resolver := tenant.NewResolver(tenant.ResolverConfig{
		BaseDomain:    cfg.Tenancy.BaseDomain,
		PathPrefix:    cfg.Tenancy.PathPrefix,
		HeaderName:    cfg.Tenancy.HeaderName,
		QueryParam:    cfg.Tenancy.QueryParam,
		CustomDomains: cfg.Tenancy.CustomDomains,
		DefaultTenant: cfg.Tenancy.DefaultTenant,
	}, tenantService)
	themes := theme.NewResolver(cfg.Tenancy.Theme, cfg.Tenancy.DefaultTenant, tenantService)

	clientService := oauth2.NewClientService(resolveClientStore(store, db))
	revoker := revocation.NewService(store, cfg.OAuth.RevocationTTL)
	tokenService := oauth2.NewTokenService(store, keyring, revoker, clientService, auditLogger, oauth2.TokenConfig{
		Issuer:     cfg.OAuth.Issuer,
		AccessTTL:  cfg.OAuth.AccessTokenTTL,
		RefreshTTL: cfg.OAuth.RefreshTokenTTL,
		CodeTTL:    cfg.OAuth.CodeTTL,
	})

	var rbacService *rbac.Service
	var enricher oidc.RBACEnricher
	if db != nil {
		rbacService = rbac.NewService(postgres.NewRBACRepository(db), store, rbac.Config{
			CacheTTL:              cfg.RBAC.CacheTTL,
			MaxPermissionsInToken: cfg.RBAC.MaxPermissionsInToken,
		})
		enricher = rbacService
	}

	authorizeService := oidc.NewService(clientService, tokenService, sessionService, enricher, nil)
	responder := oidc.NewSuccessResponder(sessionService, tokenService, enricher,
		transportHTTP.NewUserUpserter(identityService))

	// Initialize authentication providers
	registry := provider.NewRegistry()
	if err := registry.Register(provider.NewPasswordProvider(identityService)); err != nil {
		slog.Error("failed to register password provider", logger.Error(err))
		os.Exit(1)
	}

	// The bridge needs the handler's cookie writer and the handler needs
	// the bridge; close over the handler variable to break the cycle.
	var handler *transportHTTP.Handler
	bridge := provider.NewBridge(codec, responder, sessionService,
		func(w http.ResponseWriter, sess *session.BrowserSession) error {
			return handler.WriteSessionCookie(w, sess)
		}, 0)

	handler = transportHTTP.NewHandler(transportHTTP.Deps{
		KV:           store,
		Tenants:      tenantService,
		Resolver:     resolver,
		Themes:       themes,
		Sessions:     sessionService,
		SessionAdmin: sessionAdmin,
		Users:        identityService,
		UserAdmin:    userDirectory,
		Clients:      clientService,
		Tokens:       tokenService,
		Authorize:    authorizeService,
		RBAC:         rbacService,
		Providers:    registry,
		Bridge:       bridge,
		AuditLogger:  auditLogger,
		AuditQueries: auditQueries,
		Codec:        codec,
		Keyring:      keyring,
	}, transportHTTP.Config{
		Issuer:          cfg.OAuth.Issuer,
		CookieName:      cfg.Session.CookieName,
		CookieDomain:    cfg.Session.CookieDomain,
		CookieSecure:    cfg.Session.CookieSecure,
		AdminPermission: cfg.OAuth.AdminPermission,
	})

	// Ensure the default tenant exists
	if err := ensureDefaultTenant(ctx, tenantService, cfg.Tenancy.DefaultTenant); err != nil {
		slog.Error("failed to ensure default tenant", logger.Error(err))
		os.Exit(1)
	}

	// Bootstrap an admin user when configured (first run)
	if err := bootstrapAdmin(ctx, identityService, cfg.Tenancy.DefaultTenant); err != nil {
		slog.Error("admin bootstrap failed", logger.Error(err))
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Create router
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start mirror session cleanup goroutine. KV entries expire on TTL;
	// only the SQL rows need periodic sweeping.
	if sessionAdmin != nil {
		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				removed, err := sessionAdmin.CleanupExpiredSessions(ctx, cfg.Session.Lifetime)
				if err != nil {
					slog.ErrorContext(ctx, "failed to cleanup expired sessions", logger.Error(err))
					continue
				}
				if removed > 0 {
					slog.InfoContext(ctx, "cleaned up expired sessions", logger.RowsAffected(int64(removed)))
				}
			}
		}()
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// resolveClientStore picks the client registry backend: SQL when the mirror
// is available, KV otherwise.
func resolveClientStore(store storage.Storage, db *postgres.DB) oauth2.ClientStore {
	if db != nil {
		return postgres.NewClientRepository(db)
	}
	return oauth2.NewKVClientStore(store)
}

// buildKeyring loads persisted signing keys from the mirror, generating and
// saving the first key on an empty deployment. Without a mirror the keys are
// ephemeral and every restart invalidates outstanding tokens.
func buildKeyring(ctx context.Context, cfg *config.Config, db *postgres.DB, codec *secrets.Codec) (*secrets.Keyring, error) {
	if db == nil {
		slog.Warn("no mirror database, signing keys are ephemeral")
		return secrets.NewKeyring(cfg.Secrets.ClockSkew)
	}

	keyRepo := postgres.NewKeyRepository(db, codec)
	keys, err := keyRepo.LoadKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	if len(keys) == 0 {
		key, err := secrets.GenerateSigningKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		if err := keyRepo.SaveKey(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to persist signing key: %w", err)
		}
		slog.Info("generated initial signing key", logger.Component("secrets"))
		keys = []*secrets.SigningKey{key}
	}
	return secrets.NewKeyringFromKeys(cfg.Secrets.ClockSkew, keys...)
}

// ensureDefaultTenant creates the default tenant on first boot.
func ensureDefaultTenant(ctx context.Context, tenants *tenant.Service, id string) error {
	if id == "" {
		return nil
	}
	_, err := tenants.CreateTenant(ctx, &tenant.Tenant{ID: id, Name: id})
	if errors.Is(err, tenant.ErrTenantAlreadyExists) {
		return nil
	}
	if err == nil {
		slog.Info("created default tenant", logger.Component("tenant"))
	}
	return err
}

// bootstrapAdmin provisions an initial admin user from BOOTSTRAP_ADMIN_EMAIL
// and BOOTSTRAP_ADMIN_PASSWORD. Subsequent runs are a no-op.
func bootstrapAdmin(ctx context.Context, users *identity.Service, tenantID string) error {
	email := os.Getenv("BOOTSTRAP_ADMIN_EMAIL")
	password := os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	user, err := users.ProvisionUser(ctx, tenantID, email, "admin", nil)
	if errors.Is(err, identity.ErrUserAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := users.AddPassword(ctx, user.ID, password); err != nil {
		return err
	}
	slog.Info("bootstrapped admin user", logger.UserID(user.ID))
	return nil
}
