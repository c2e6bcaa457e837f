package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"OIDC_ENV",
		"OIDC_LOG_LEVEL",
		"OIDC_LISTEN_ADDR",
		"OIDC_ISSUER",
		"OIDC_PRIVATE_KEY_PATH",
		"OIDC_PUBLIC_KEY_PATH",
		"OIDC_KEY_ID",
		"OIDC_STORAGE",
		"OIDC_BOLT_PATH",
		"OIDC_DATABASE_URL",
		"OIDC_REDIS_URL",
		"OIDC_CLEANUP_INTERVAL",
		"OIDC_ACCESS_TOKEN_TTL",
		"OIDC_REFRESH_TOKEN_TTL",
		"OIDC_RATE_LIMIT",
		"OIDC_RATE_LIMIT_BURST",
		"OIDC_TRUST_PROXY",
		"OIDC_AUTH_USER_HEADER",
		"OIDC_METRICS",
		"OIDC_CLIENTS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OIDC_ISSUER", "https://auth.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, MetricsNone, cfg.Metrics)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.False(t, cfg.TrustProxy)
	assert.Empty(t, cfg.AuthUserHeader)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OIDC_ENV", "production")
	t.Setenv("OIDC_ISSUER", "https://auth.example.com")
	t.Setenv("OIDC_STORAGE", "postgres")
	t.Setenv("OIDC_DATABASE_URL", "postgres://u:p@db:5432/oidc")
	t.Setenv("OIDC_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("OIDC_ACCESS_TOKEN_TTL", "10m")
	t.Setenv("OIDC_REFRESH_TOKEN_TTL", "24h")
	t.Setenv("OIDC_RATE_LIMIT", "0")
	t.Setenv("OIDC_TRUST_PROXY", "true")
	t.Setenv("OIDC_AUTH_USER_HEADER", "X-Forwarded-User")
	t.Setenv("OIDC_METRICS", "prometheus")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 10*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 0, cfg.RateLimit)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, "X-Forwarded-User", cfg.AuthUserHeader)
	assert.Equal(t, MetricsPrometheus, cfg.Metrics)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing issuer",
			env:     map[string]string{},
			wantErr: "OIDC_ISSUER is required",
		},
		{
			name:    "relative issuer",
			env:     map[string]string{"OIDC_ISSUER": "auth.example.com"},
			wantErr: "absolute http(s) URL",
		},
		{
			name:    "http issuer in production",
			env:     map[string]string{"OIDC_ISSUER": "http://auth.example.com", "OIDC_ENV": "production"},
			wantErr: "https in production",
		},
		{
			name:    "unknown storage",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_STORAGE": "mongo"},
			wantErr: "OIDC_STORAGE",
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_STORAGE": "postgres"},
			wantErr: "OIDC_DATABASE_URL",
		},
		{
			name:    "unknown metrics",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_METRICS": "statsd"},
			wantErr: "OIDC_METRICS",
		},
		{
			name:    "refresh shorter than access",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_REFRESH_TOKEN_TTL": "1m"},
			wantErr: "OIDC_REFRESH_TOKEN_TTL",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_ACCESS_TOKEN_TTL": "soon"},
			wantErr: "parsing config",
		},
		{
			name:    "user header without trusted proxy",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_AUTH_USER_HEADER": "X-Forwarded-User"},
			wantErr: "OIDC_AUTH_USER_HEADER requires OIDC_TRUST_PROXY",
		},
		{
			name:    "negative rate limit",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_RATE_LIMIT": "-1"},
			wantErr: "OIDC_RATE_LIMIT",
		},
		{
			name:    "bad clients",
			env:     map[string]string{"OIDC_ISSUER": "https://a.example.com", "OIDC_CLIENTS": "no-redirect"},
			wantErr: "OIDC_CLIENTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClients(t *testing.T) {
	cfg := &Config{Clients: "web@https://app.example.com/cb, cli:0123456789abcdef@http://127.0.0.1:9000/cb ,"}

	clients, err := cfg.ParseClients()
	require.NoError(t, err)
	require.Len(t, clients, 2)

	assert.Equal(t, BootstrapClient{ClientID: "web", RedirectURI: "https://app.example.com/cb"}, clients[0])
	assert.Equal(t, BootstrapClient{
		ClientID:    "cli",
		Secret:      "0123456789abcdef",
		RedirectURI: "http://127.0.0.1:9000/cb",
	}, clients[1])
}

func TestParseClients_Empty(t *testing.T) {
	clients, err := (&Config{}).ParseClients()
	require.NoError(t, err)
	assert.Nil(t, clients)
}

func TestParseClients_Errors(t *testing.T) {
	tests := []struct {
		name    string
		clients string
		wantErr string
	}{
		{"missing redirect", "web", "missing redirect URI"},
		{"empty redirect", "web@", "missing redirect URI"},
		{"empty id", "@https://app.example.com/cb", "empty client_id"},
		{"short secret", "web:short@https://app.example.com/cb", "too short"},
		{"relative redirect", "web@/cb", "invalid redirect URI"},
		{"duplicate", "web@https://a.example.com/cb,web@https://b.example.com/cb", "duplicate client_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Config{Clients: tt.clients}).ParseClients()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
