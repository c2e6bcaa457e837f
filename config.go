package oauth

import (
	"log/slog"
	"strings"

	"github.com/giantswarm/oidc-server/security"
)

// Endpoint paths served by RegisterRoutes
const (
	PathAuthorize       = "/authorize"
	PathToken           = "/token"
	PathIntrospect      = "/introspect"
	PathRevoke          = "/revoke"
	PathJWKS            = "/jwks.json"
	PathOpenIDDiscovery = "/.well-known/openid-configuration"
	PathHealth          = "/health"
)

// Config holds the HTTP handler configuration
type Config struct {
	// Authenticator logs users in at the authorization endpoint. The
	// endpoint is only served when it is set.
	Authenticator Authenticator

	// AuthorizationEndpoint is advertised in the discovery document. Set it
	// when an external login layer issues the codes; it is omitted from the
	// document when empty.
	// Default: Issuer + "/authorize" if Authenticator is set
	AuthorizationEndpoint string

	// Rate limiting configuration
	RateLimit RateLimitConfig
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	// Default: security.DefaultMaxLimiters
	MaxEntries int
}

// newRateLimiter returns nil when limiting is disabled.
func (c RateLimitConfig) newRateLimiter(logger *slog.Logger) *security.RateLimiter {
	if c.Rate <= 0 {
		return nil
	}
	maxEntries := c.MaxEntries
	if maxEntries <= 0 {
		maxEntries = security.DefaultMaxLimiters
	}
	return security.NewRateLimiterWithConfig(c.Rate, c.Burst, maxEntries, logger)
}

// endpointURL joins the issuer and an endpoint path.
func endpointURL(issuer, path string) string {
	return strings.TrimRight(issuer, "/") + path
}
