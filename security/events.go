package security

// Event types written by Auditor. Dashboards and alerts key on these values.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an authorization code is exchanged for a token pair
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a revocation request revokes a token or chain
	EventTokenRevoked = "token_revoked"

	// EventExpiredTokensSwept is logged after a cleanup pass deleted expired rows
	EventExpiredTokensSwept = "expired_tokens_swept" //nolint:gosec // G101: event type name, not a credential

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when the login layer obtains a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Security violation events

	// EventRefreshTokenReuseDetected is logged when a revoked refresh token is
	// presented again. The whole descendant chain has been revoked.
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an authorization request names an unregistered redirect_uri
	EventInvalidRedirect = "invalid_redirect"
)
