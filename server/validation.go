package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// AllowedHTTPSchemes lists allowed HTTP-based redirect URI schemes
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// validateHTTPSEnforcement ensures the issuer uses HTTPS outside of
// localhost development. ID tokens carry the issuer, so an http:// issuer
// in production means every token and client secret crosses the network
// in clear text.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("DEVELOPMENT WARNING: Running over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}

		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS in production (got %s://%s); "+
				"set AllowInsecureHTTP=true to override", issuerURL.Scheme, hostname)
		}

		s.Logger.Error("CRITICAL SECURITY WARNING: Running token server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname checks if a hostname refers to the local machine:
// the localhost name, 0.0.0.0, or any loopback IP (127.0.0.0/8, ::1 and
// IPv4-mapped loopback).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURI checks that redirectURI is registered for the client
// (exact match after normalization) and safe to redirect to.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	normalized := util.NormalizeURL(redirectURI)
	found := false
	for _, uri := range client.RedirectURIs {
		if util.NormalizeURL(uri) == normalized {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes)
}

// validateScopes rejects scopes the server does not support at all.
func (s *Server) validateScopes(scopes []string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	for _, scope := range scopes {
		if !slices.Contains(s.Config.SupportedScopes, scope) {
			return fmt.Errorf("unsupported scope: %s", scope)
		}
	}

	return nil
}

// filterClientScopes narrows the requested scopes to those the client is
// allowed. A client without a scope list keeps everything it asked for.
func filterClientScopes(requested, clientScopes []string) []string {
	if len(clientScopes) == 0 {
		return requested
	}

	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if slices.Contains(clientScopes, scope) {
			granted = append(granted, scope)
		}
	}
	return granted
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
// Returns error if the scheme is dangerous or not in the allowed list
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	if slices.Contains(DangerousSchemes, schemeLower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice
func validateRedirectURISecurity(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(AllowedHTTPSchemes, scheme) {
		// Custom scheme (native/mobile apps)
		return validateCustomScheme(scheme, allowedCustomSchemes)
	}

	if scheme == SchemeHTTP && !isLocalhostHostname(strings.ToLower(parsed.Hostname())) {
		if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == SchemeHTTPS {
			return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
		}
	}

	return nil
}
