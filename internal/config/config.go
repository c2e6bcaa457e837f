// Package config loads the oidc-server process configuration from the
// environment.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends accepted by OIDC_STORAGE.
const (
	StorageMemory   = "memory"
	StorageBolt     = "bolt"
	StoragePostgres = "postgres"
)

// Metrics exporters accepted by OIDC_METRICS.
const (
	MetricsNone       = "none"
	MetricsPrometheus = "prometheus"
)

// clientSecretMinLen is the minimum length of a bootstrap client secret.
const clientSecretMinLen = 16

// Config holds all environment-based configuration for oidc-server.
type Config struct {
	// Environment controls log format
	Environment string `env:"OIDC_ENV" envDefault:"development"`
	LogLevel    string `env:"OIDC_LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"OIDC_LISTEN_ADDR" envDefault:":8080"`
	Issuer     string `env:"OIDC_ISSUER"`

	// RS256 signing key. An empty KeyID selects the RFC 7638 thumbprint.
	PrivateKeyPath string `env:"OIDC_PRIVATE_KEY_PATH" envDefault:"keys/private.pem"`
	PublicKeyPath  string `env:"OIDC_PUBLIC_KEY_PATH" envDefault:"keys/public.pem"`
	KeyID          string `env:"OIDC_KEY_ID"`

	Storage     string `env:"OIDC_STORAGE" envDefault:"memory"`
	BoltPath    string `env:"OIDC_BOLT_PATH" envDefault:"data/oidc.db"`
	DatabaseURL string `env:"OIDC_DATABASE_URL"`

	// RedisURL moves authorization codes to Redis when set.
	RedisURL string `env:"OIDC_REDIS_URL"`

	CleanupInterval time.Duration `env:"OIDC_CLEANUP_INTERVAL" envDefault:"5m"`
	AccessTokenTTL  time.Duration `env:"OIDC_ACCESS_TOKEN_TTL" envDefault:"30m"`
	RefreshTokenTTL time.Duration `env:"OIDC_REFRESH_TOKEN_TTL" envDefault:"168h"`

	// RateLimit is token endpoint requests per second per client IP. Zero disables it.
	RateLimit      int  `env:"OIDC_RATE_LIMIT" envDefault:"10"`
	RateLimitBurst int  `env:"OIDC_RATE_LIMIT_BURST" envDefault:"20"`
	TrustProxy     bool `env:"OIDC_TRUST_PROXY" envDefault:"false"`

	// AuthUserHeader serves /authorize for users that an authenticating
	// reverse proxy names in this header. Requires OIDC_TRUST_PROXY.
	AuthUserHeader string `env:"OIDC_AUTH_USER_HEADER"`

	Metrics string `env:"OIDC_METRICS" envDefault:"none"`

	// Clients registers client applications at startup.
	// Format: "id@redirect_uri,id:secret@redirect_uri"
	Clients string `env:"OIDC_CLIENTS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("OIDC_ISSUER is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("OIDC_ISSUER must be an absolute http(s) URL")
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("OIDC_ISSUER must use https in production")
	}

	switch c.Storage {
	case StorageMemory:
	case StorageBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("OIDC_BOLT_PATH is required when OIDC_STORAGE is bolt")
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("OIDC_DATABASE_URL is required when OIDC_STORAGE is postgres")
		}
	default:
		return fmt.Errorf("OIDC_STORAGE must be one of memory, bolt, postgres (got %q)", c.Storage)
	}

	if !slices.Contains([]string{MetricsNone, MetricsPrometheus}, c.Metrics) {
		return fmt.Errorf("OIDC_METRICS must be none or prometheus (got %q)", c.Metrics)
	}

	if c.AccessTokenTTL < time.Second {
		return fmt.Errorf("OIDC_ACCESS_TOKEN_TTL must be at least 1s")
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("OIDC_REFRESH_TOKEN_TTL must not be shorter than OIDC_ACCESS_TOKEN_TTL")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("OIDC_CLEANUP_INTERVAL must be positive")
	}

	if c.RateLimit < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("OIDC_RATE_LIMIT and OIDC_RATE_LIMIT_BURST must not be negative")
	}

	if c.AuthUserHeader != "" && !c.TrustProxy {
		return fmt.Errorf("OIDC_AUTH_USER_HEADER requires OIDC_TRUST_PROXY")
	}

	if _, err := c.ParseClients(); err != nil {
		return fmt.Errorf("OIDC_CLIENTS: %w", err)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// BootstrapClient is a client application parsed from OIDC_CLIENTS.
// An empty Secret means a public client. The secret is hashed before storage.
type BootstrapClient struct {
	ClientID    string
	Secret      string
	RedirectURI string
}

// ParseClients parses the OIDC_CLIENTS string.
// Format: "client1@https://app/cb,client2:secret2@https://other/cb"
// Secrets must be at least 16 characters long.
func (c *Config) ParseClients() ([]BootstrapClient, error) {
	if c.Clients == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var clients []BootstrapClient

	for _, entry := range strings.Split(c.Clients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		ident, redirectURI, ok := strings.Cut(entry, "@")
		if !ok || redirectURI == "" {
			return nil, fmt.Errorf("missing redirect URI in entry %d", len(clients)+1)
		}

		clientID, secret, hasSecret := strings.Cut(ident, ":")
		if clientID == "" {
			return nil, fmt.Errorf("empty client_id in entry %d", len(clients)+1)
		}
		if hasSecret && len(secret) < clientSecretMinLen {
			return nil, fmt.Errorf("client secret too short in entry %d (minimum %d characters)", len(clients)+1, clientSecretMinLen)
		}

		if u, err := url.Parse(redirectURI); err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("invalid redirect URI in entry %d", len(clients)+1)
		}

		if _, dup := seen[clientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", clientID)
		}

		seen[clientID] = struct{}{}
		clients = append(clients, BootstrapClient{ClientID: clientID, Secret: secret, RedirectURI: redirectURI})
	}

	return clients, nil
}
