package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	OAuth         OAuthConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Tenancy       TenancyConfig
	Session       SessionConfig
	Secrets       SecretsConfig
	Security      SecurityConfig
	RBAC          RBACConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// OAuthConfig holds protocol-level configuration
type OAuthConfig struct {
	// Issuer is the public base URL of this server and the iss claim of
	// every token it signs.
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
	RevocationTTL   time.Duration
	AdminPermission string
}

// StorageConfig selects and tunes the authoritative KV backend
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend       string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
}

// DatabaseConfig holds the optional SQL mirror configuration
type DatabaseConfig struct {
	Enabled      bool
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// TenancyConfig drives tenant resolution on incoming requests
type TenancyConfig struct {
	// BaseDomain turns <tenant>.<base-domain> hosts into tenant IDs.
	BaseDomain string
	// PathPrefix resolves /t/<tenant>/... style paths when non-empty.
	PathPrefix string
	HeaderName string
	QueryParam string
	// CustomDomains maps full hostnames to tenant IDs, checked before
	// the domain index.
	CustomDomains map[string]string
	DefaultTenant string
	Theme         string
}

// SessionConfig holds browser-session configuration
type SessionConfig struct {
	CookieName   string
	CookieDomain string
	CookieSecure bool
	Lifetime     time.Duration
	MaxAccounts  int
}

// SecretsConfig holds key material configuration
type SecretsConfig struct {
	// CookieKey is the hex-encoded 32-byte AEAD key sealing session
	// cookies and provider round-trip state. Empty means a fresh key is
	// generated at boot, invalidating cookies across restarts.
	CookieKey string
	// ClockSkew is the verification leeway for token timestamps.
	ClockSkew time.Duration
}

// SecurityConfig holds password hashing and lockout configuration
type SecurityConfig struct {
	Argon2Memory       uint32
	Argon2Iterations   uint32
	Argon2Parallelism  uint8
	Argon2SaltLength   uint32
	Argon2KeyLength    uint32
	LockoutMaxAttempts int
	LockoutDuration    time.Duration
}

// RBACConfig holds authorization cache tuning
type RBACConfig struct {
	CacheTTL              time.Duration
	MaxPermissionsInToken int
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		OAuth: OAuthConfig{
			Issuer:          getEnv("ISSUER_URL", "http://localhost:8080"),
			AccessTokenTTL:  parseDuration("ACCESS_TOKEN_TTL", "720h"),
			RefreshTokenTTL: parseDuration("REFRESH_TOKEN_TTL", "8760h"),
			CodeTTL:         parseDuration("AUTH_CODE_TTL", "10m"),
			RevocationTTL:   parseDuration("REVOCATION_TTL", "720h"),
			AdminPermission: getEnv("ADMIN_PERMISSION", "admin:manage"),
		},
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisUsername: getEnv("REDIS_USERNAME", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       parseInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:      parseBool("MIRROR_ENABLED", false),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "openauth"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "openauth"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: parseInt("DB_MAX_IDLE_CONNS", 5),
		},
		Tenancy: TenancyConfig{
			BaseDomain:    getEnv("TENANT_BASE_DOMAIN", ""),
			PathPrefix:    getEnv("TENANT_PATH_PREFIX", ""),
			HeaderName:    getEnv("TENANT_HEADER", "X-Tenant-ID"),
			QueryParam:    getEnv("TENANT_QUERY_PARAM", "tenant"),
			CustomDomains: parseDomainMap("TENANT_DOMAIN_MAP"),
			DefaultTenant: getEnv("TENANT_DEFAULT", "default"),
			Theme:         getEnv("THEME", ""),
		},
		Session: SessionConfig{
			CookieName:   getEnv("SESSION_COOKIE_NAME", "openauth.session"),
			CookieDomain: getEnv("SESSION_COOKIE_DOMAIN", ""),
			CookieSecure: parseBool("SESSION_COOKIE_SECURE", false),
			Lifetime:     parseDuration("SESSION_LIFETIME", "720h"),
			MaxAccounts:  parseInt("SESSION_MAX_ACCOUNTS", 10),
		},
		Secrets: SecretsConfig{
			CookieKey: getEnv("SESSION_COOKIE_KEY", ""),
			ClockSkew: parseDuration("TOKEN_CLOCK_SKEW", "1m"),
		},
		Security: SecurityConfig{
			Argon2Memory:       uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:   uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism:  uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:   uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:    uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
			LockoutMaxAttempts: parseInt("SECURITY_LOCKOUT_MAX_ATTEMPTS", 5),
			LockoutDuration:    parseDuration("SECURITY_LOCKOUT_DURATION", "15m"),
		},
		RBAC: RBACConfig{
			CacheTTL:              parseDuration("RBAC_CACHE_TTL", "5m"),
			MaxPermissionsInToken: parseInt("RBAC_MAX_PERMISSIONS_IN_TOKEN", 100),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "openauth"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OAuth.Issuer == "" {
		return fmt.Errorf("ISSUER_URL is required")
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be memory or redis, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when STORAGE_BACKEND=redis")
	}
	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required when MIRROR_ENABLED=true")
	}
	if c.Secrets.CookieKey != "" {
		key, err := hex.DecodeString(c.Secrets.CookieKey)
		if err != nil {
			return fmt.Errorf("SESSION_COOKIE_KEY must be hex encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("SESSION_COOKIE_KEY must decode to 32 bytes, got %d", len(key))
		}
	}
	return nil
}

// CookieKeyBytes decodes the configured AEAD key, or nil when unset.
func (c *SecretsConfig) CookieKeyBytes() []byte {
	if c.CookieKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.CookieKey)
	if err != nil {
		return nil
	}
	return key
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

// parseDomainMap reads "host=tenant,host2=tenant2" pairs.
func parseDomainMap(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		host, tenantID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || host == "" || tenantID == "" {
			continue
		}
		out[host] = tenantID
	}
	return out
}
