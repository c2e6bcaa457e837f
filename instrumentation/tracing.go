package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are record IDs and metadata; raw tokens,
// codes and client secrets never go into a span.
const (
	// OAuth flow attributes, metadata only
	AttrClientID      = "oauth.client_id"       // Client identifier (non-secret)
	AttrUserID        = "oauth.user_id"         // User identifier (non-secret)
	AttrScope         = "oauth.scope"           // Requested scopes
	AttrPKCEMethod    = "oauth.pkce.method"     // PKCE method used (S256)
	AttrTokenID       = "oauth.token.id"        //nolint:gosec // Stored token record ID, never the secret
	AttrTokenParentID = "oauth.token.parent_id" //nolint:gosec // Parent refresh token record ID
	AttrTokenReuse    = "oauth.token.reuse"     //nolint:gosec // Whether token reuse was detected (boolean)
	AttrTokensRevoked = "oauth.tokens.revoked"  //nolint:gosec // Number of tokens revoked by a chain revocation
	AttrGrantType     = "oauth.grant_type"      // OAuth grant type
	AttrClientType    = "oauth.client_type"     // Client type (public/confidential)
	AttrTokenType     = "oauth.token_type"      //nolint:gosec // Token type hint, NOT the actual token
	AttrExpiresIn     = "oauth.expires_in"      // Token expiry duration
	AttrError         = "oauth.error"           // Error code
	AttrErrorReason   = "oauth.error_reason"    // Internal failure reason

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddTokenChainAttributes adds refresh chain attributes to a span (nil-safe)
func AddTokenChainAttributes(span trace.Span, tokenID, parentID string) {
	if tokenID != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenID, tokenID))
	}
	if parentID != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenParentID, parentID))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes records the client IP. Callers check
// ShouldLogClientIPs first since the address may be personal data.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
