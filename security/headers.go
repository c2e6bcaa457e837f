package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the headers every token-endpoint response carries.
// Responses are JSON only, so the content policy forbids everything.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the issuer is served over HTTPS
	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// RFC 6749 section 5.1: token responses must not be cached
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
