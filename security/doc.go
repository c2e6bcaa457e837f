// Package security provides the protective plumbing around the token
// endpoints: audit logging, per-identifier rate limiting, client IP
// extraction, request IDs, response security headers and expiry checks.
//
// # Audit Logging
//
// Auditor writes one structured "security_audit" record per event. User IDs
// are hashed before they are logged; token secrets are never passed in.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogRefreshTokenReuseDetected(userID, clientID, clientIP, tokenID, revoked)
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (client IP, or
// user:client for security event logs). The set of buckets is bounded with
// LRU eviction so a distributed flood cannot grow memory without limit;
// idle buckets are dropped by a background sweep.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    w.Header().Set("Retry-After", "1")
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// # Client IPs
//
// GetClientIP reads X-Forwarded-For and X-Real-IP only when the deployment
// sits behind a trusted proxy, and then only the entry left of the trusted
// hops.
package security
