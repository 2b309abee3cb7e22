package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "http://localhost:8080", cfg.OAuth.Issuer)
	assert.Equal(t, "openauth.session", cfg.Session.CookieName)
	assert.Equal(t, "default", cfg.Tenancy.DefaultTenant)
	assert.False(t, cfg.Database.Enabled)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "etcd")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateCookieKey(t *testing.T) {
	t.Setenv("SESSION_COOKIE_KEY", "not-hex")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SESSION_COOKIE_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Secrets.CookieKeyBytes(), 32)
}

func TestParseDomainMap(t *testing.T) {
	t.Setenv("TENANT_DOMAIN_MAP", "login.acme.com=acme, id.globex.io=globex,malformed")
	m := parseDomainMap("TENANT_DOMAIN_MAP")
	assert.Equal(t, map[string]string{
		"login.acme.com": "acme",
		"id.globex.io":   "globex",
	}, m)
}
