package server

import (
	"log/slog"
	"time"
)

// Config holds token server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It becomes the
	// "iss" claim of every ID token.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid when
	// the ttl_authorization_code setting is unset
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid when the
	// ttl_access_token setting is unset
	AccessTokenTTL int64 // seconds, default: 1800 (30 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid when the
	// ttl_refresh_token setting is unset. Every rotation starts a fresh TTL.
	RefreshTokenTTL int64 // seconds, default: 604800 (7 days)

	// ClockSkewGracePeriod extends refresh token expiry checks (in seconds).
	// Tokens are minted and checked against this server's own clock, so
	// the default is no grace at all.
	// Default: 0
	ClockSkewGracePeriod int64

	// SupportedScopes lists the scopes the server will put into an
	// authorization code. If empty, all scopes are allowed
	SupportedScopes []string

	// AllowUnregisteredClients treats a client_id missing from the client
	// registry as a public client instead of rejecting it with invalid_client.
	// WARNING: Only intended for development setups without a registry
	// Default: false
	AllowUnregisteredClients bool

	// RequireIntrospectionAuth requires client authentication on the
	// introspection and revocation endpoints
	// Default: false
	RequireIntrospectionAuth bool

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host
	// Default: false
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// for native app redirect URIs (e.g., myapp://, com.example.app://)
	// Default: ["^[a-z][a-z0-9+.-]*$"] (RFC 3986 compliant schemes)
	AllowedCustomSchemes []string
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 1800 // 30 minutes
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 604800 // 7 days
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod < 0 {
		config.ClockSkewGracePeriod = 0
	}
	if len(config.AllowedCustomSchemes) == 0 {
		config.AllowedCustomSchemes = DefaultRFC3986SchemePattern
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowUnregisteredClients {
		logger.Warn("SECURITY WARNING: Unregistered clients are ALLOWED",
			"risk", "Any client_id is accepted as a public client",
			"recommendation", "Set AllowUnregisteredClients=false and register clients")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.ClockSkewGracePeriod > 60 {
		logger.Warn("SECURITY WARNING: Large clock skew grace period",
			"grace_seconds", config.ClockSkewGracePeriod,
			"risk", "Expired refresh tokens stay usable for the grace period")
	}
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *Config) authorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) clockSkewGrace() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
