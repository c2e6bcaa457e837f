// Package oauth is the HTTP surface of the token server: the authorization,
// token, introspection, revocation, key set and discovery endpoints plus a
// bearer token middleware for resource routes.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
)

const (
	tokenTypeBearer = "bearer"

	// tokenPrefixLength is the number of characters of a bearer secret
	// that may appear in logs
	tokenPrefixLength = 8
)

// SupportedTokenAuthMethods lists the client authentication methods accepted
// at the token, introspection and revocation endpoints.
var SupportedTokenAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// Handler is a thin HTTP adapter for the token Server.
// It parses requests, authenticates clients and delegates to the Server
// for business logic.
type Handler struct {
	server      *server.Server
	config      *Config
	logger      *slog.Logger
	tracer      trace.Tracer // OpenTelemetry tracer for HTTP layer
	rateLimiter *security.RateLimiter
	now         func() time.Time
}

// NewHandler creates a new HTTP handler. Instrumentation must be set on srv
// before the handler is created for HTTP spans to be recorded.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}
	if config.AuthorizationEndpoint == "" && config.Authenticator != nil {
		config.AuthorizationEndpoint = endpointURL(srv.Config.Issuer, PathAuthorize)
	}

	h := &Handler{
		server:      srv,
		config:      config,
		logger:      logger,
		rateLimiter: config.RateLimit.newRateLimiter(logger),
		now:         time.Now,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// Close stops the background work of the handler's rate limiter.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers every endpoint of the handler on mux.
// Wrap the mux in security.RequestIDMiddleware to correlate logs.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	if h.config.Authenticator != nil {
		mux.HandleFunc(PathAuthorize, h.ServeAuthorize)
	}
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathIntrospect, h.ServeTokenIntrospection)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathJWKS, h.ServeJWKS)
	mux.HandleFunc(PathOpenIDDiscovery, h.ServeOpenIDConfiguration)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeOpenIDConfiguration)
	mux.HandleFunc(PathHealth, h.ServeHealth)
}

// ServeToken handles the token endpoint for both supported grant types.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	if !h.requireMethod(w, r, "token", startTime, http.MethodPost) {
		return
	}

	clientIP := h.clientIP(r)
	ctx = security.WithClientIP(ctx, clientIP)
	h.traceClientIP(span, clientIP)

	if h.checkIPRateLimit(ctx, w, r, clientIP) {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeFailure(ctx, w, r, span, "token", startTime, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	if grantType == "" {
		h.writeFailure(ctx, w, r, span, "token", startTime, ErrInvalidRequest("grant_type is required"))
		return
	}
	// Unknown grant types are rejected before any store is touched.
	if _, err := server.ParseGrantType(grantType); err != nil {
		h.writeFailure(ctx, w, r, span, "token", startTime, err)
		return
	}

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.writeFailure(ctx, w, r, span, "token", startTime, err)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		h.writeFailure(ctx, w, r, span, "token", startTime, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
		attribute.String(instrumentation.AttrGrantType, grantType),
	)

	if err := server.CheckGrantAllowed(client, grantType); err != nil {
		h.writeFailure(ctx, w, r, span, "token", startTime, err)
		return
	}

	resp, err := h.server.Exchange(ctx, &server.TokenRequest{
		GrantType:    grantType,
		ClientID:     client.ClientID,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
	})
	if err != nil {
		h.writeFailure(ctx, w, r, span, "token", startTime, err)
		return
	}

	h.requestLogger(ctx).Info("Token request successful",
		"client_id", client.ClientID,
		"grant_type", grantType,
		"ip", clientIP)

	h.finishRequest(span, r, "token", http.StatusOK, startTime)

	h.writeTokenResponse(w, resp)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// The response is always 200 once the request is well formed and the caller
// authenticated; unknown tokens are simply inactive.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_introspection")
		defer span.End()
	}

	if !h.requireMethod(w, r, "introspect", startTime, http.MethodPost) {
		return
	}

	clientIP := h.clientIP(r)
	ctx = security.WithClientIP(ctx, clientIP)
	h.traceClientIP(span, clientIP)

	if h.checkIPRateLimit(ctx, w, r, clientIP) {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeFailure(ctx, w, r, span, "introspect", startTime, ErrInvalidRequest("Failed to parse request"))
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeFailure(ctx, w, r, span, "introspect", startTime, ErrInvalidRequest("token parameter is required"))
		return
	}

	if _, err := h.authenticateCaller(ctx, r, "introspection"); err != nil {
		h.writeFailure(ctx, w, r, span, "introspect", startTime, err)
		return
	}

	result := h.server.Tokens().Introspect(ctx, token)

	response := IntrospectionResponse{Active: result.Active}
	if result.Active {
		response.ClientID = result.ClientID
		response.Subject = result.Subject
		response.Scope = strings.Join(result.Scope, " ")
		response.ExpiresAt = result.ExpiresAt.Unix()
		response.IssuedAt = result.IssuedAt.Unix()
		response.TokenType = result.TokenType
	}

	h.finishRequest(span, r, "introspect", http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, response)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// token_type_hint is accepted and ignored: both token kinds are looked up.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	if !h.requireMethod(w, r, "revoke", startTime, http.MethodPost) {
		return
	}

	clientIP := h.clientIP(r)
	ctx = security.WithClientIP(ctx, clientIP)
	h.traceClientIP(span, clientIP)

	if h.checkIPRateLimit(ctx, w, r, clientIP) {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeFailure(ctx, w, r, span, "revoke", startTime, ErrInvalidRequest("Failed to parse request"))
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeFailure(ctx, w, r, span, "revoke", startTime, ErrInvalidRequest("token is required"))
		return
	}

	client, err := h.authenticateCaller(ctx, r, "revocation")
	if err != nil {
		h.writeFailure(ctx, w, r, span, "revoke", startTime, err)
		return
	}
	if client != nil {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	}
	if hint := r.PostForm.Get("token_type_hint"); hint != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, hint))
	}

	// Unlike RFC 7009's lenient reading, a storage failure is reported: the
	// caller must not believe a token is dead when it is not.
	if err := h.server.Tokens().RevokeToken(ctx, token); err != nil {
		h.writeFailure(ctx, w, r, span, "revoke", startTime, err)
		return
	}

	h.finishRequest(span, r, "revoke", http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, RevocationResponse{Revoked: true})
}

// ServeJWKS serves the public signing key as an RFC 7517 key set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if !h.requireMethod(w, r, "jwks", startTime, http.MethodGet) {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	// The key set is public and static for the life of the process.
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Del("Pragma")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"keys": []any{h.server.Keys().JWK()},
	})

	h.recordHTTPMetrics("jwks", r.Method, http.StatusOK, startTime)
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests.
// The same document is served as RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if !h.requireMethod(w, r, "discovery", startTime, http.MethodGet) {
		return
	}

	h.writeJSON(w, http.StatusOK, h.buildOpenIDConfiguration())
	h.recordHTTPMetrics("discovery", r.Method, http.StatusOK, startTime)
}

func (h *Handler) buildOpenIDConfiguration() OpenIDConfiguration {
	issuer := h.server.Config.Issuer
	return OpenIDConfiguration{
		Issuer:                            issuer,
		AuthorizationEndpoint:             h.config.AuthorizationEndpoint,
		TokenEndpoint:                     endpointURL(issuer, PathToken),
		JWKSURI:                           endpointURL(issuer, PathJWKS),
		RevocationEndpoint:                endpointURL(issuer, PathRevoke),
		IntrospectionEndpoint:             endpointURL(issuer, PathIntrospect),
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{string(server.GrantTypeAuthorizationCode), string(server.GrantTypeRefreshToken)},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{h.server.Keys().JWK().Alg},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
}

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if !h.requireMethod(w, r, "health", startTime, http.MethodGet) {
		return
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	h.recordHTTPMetrics("health", r.Method, http.StatusOK, startTime)
}

// ValidateToken is middleware that admits requests carrying an active
// access token and puts the token into the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		ctx := security.WithClientIP(r.Context(), clientIP)

		if h.checkIPRateLimit(ctx, w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		at, err := h.server.Tokens().ValidateAccessToken(ctx, accessToken)
		if errors.Is(err, server.ErrInvalidToken) {
			h.requestLogger(ctx).Debug("Token validation failed",
				"ip", clientIP,
				"token_prefix", util.SafeTruncate(accessToken, tokenPrefixLength))
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "The access token is invalid or expired")
			return
		}
		if err != nil {
			h.requestLogger(ctx).Error("Token validation failed", "ip", clientIP, "error", err)
			h.writeError(w, ErrorCodeServerError, "The server encountered an internal error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(ctx, at)))
	})
}

type accessTokenContextKey struct{}

// AccessTokenFromContext retrieves the access token admitted by ValidateToken
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	at, ok := ctx.Value(accessTokenContextKey{}).(*storage.AccessToken)
	return at, ok && at != nil
}

// ContextWithAccessToken returns a context carrying at.
//
// WARNING: Outside of tests only ValidateToken should call this. Setting a
// token any other way bypasses authentication.
func ContextWithAccessToken(ctx context.Context, at *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenContextKey{}, at)
}

// authenticateCaller authenticates the client on the introspection and
// revocation endpoints. Anonymous callers are admitted unless
// RequireIntrospectionAuth is set, in which case only confidential clients
// that present their secret are.
func (h *Handler) authenticateCaller(ctx context.Context, r *http.Request, endpoint string) (*storage.Client, error) {
	clientIP := security.ClientIPFromContext(ctx)
	required := h.server.Config.RequireIntrospectionAuth

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		return nil, err
	}

	if clientID == "" {
		if !required {
			return nil, nil
		}
		h.logAuthFailure(ctx, "", clientIP, endpoint+"_missing_auth")
		return nil, ErrInvalidClient("Client authentication required")
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	if required && client.IsPublic() {
		h.logAuthFailure(ctx, clientID, clientIP, endpoint+"_public_client")
		return nil, ErrInvalidClient("Client authentication required")
	}

	return client, nil
}

// clientCredentials returns the client_id and secret of the request from
// either HTTP Basic or the form body. Using both at once is an error.
func clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), nil
	}

	// RFC 6749 Section 2.3.1: both parts are form-urlencoded before encoding
	clientID, errID := url.QueryUnescape(basicID)
	clientSecret, errSecret := url.QueryUnescape(basicSecret)
	if errID != nil || errSecret != nil {
		return "", "", ErrInvalidClient("Malformed client credentials")
	}

	if r.PostForm.Get("client_secret") != "" {
		return "", "", ErrInvalidRequest("Multiple client authentication methods")
	}
	if formID := r.PostForm.Get("client_id"); formID != "" && formID != clientID {
		return "", "", ErrInvalidRequest("client_id does not match the authenticated client")
	}

	return clientID, clientSecret, nil
}

// requireMethod writes a 405 error response unless r uses one of methods.
func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time, methods ...string) bool {
	if slices.Contains(methods, r.Method) {
		return true
	}
	h.recordHTTPMetrics(endpoint, r.Method, http.StatusMethodNotAllowed, startTime)
	w.Header().Set("Allow", strings.Join(methods, ", "))
	h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// requestLogger returns the handler logger tagged with the request ID, if any.
func (h *Handler) requestLogger(ctx context.Context) *slog.Logger {
	if id := security.GetRequestID(ctx); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.requestLogger(ctx).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	h.recordRateLimitExceeded(ctx, clientIP, r.URL.Path)

	retryAfter := int(math.Ceil(h.rateLimiter.RetryAfter(clientIP).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, clientIP, endpoint string) {
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return token, true
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(ctx context.Context, clientID, clientIP, reason string) {
	h.requestLogger(ctx).Warn("Client authentication failed", "client_id", clientID, "ip", clientIP, "reason", reason)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// writeFailure maps err to its OAuth error, records it and writes the response.
func (h *Handler) writeFailure(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, endpoint string, startTime time.Time, err error) {
	oauthErr := errorFromServer(err)
	logger := h.requestLogger(ctx)
	clientIP := security.ClientIPFromContext(ctx)

	if oauthErr.Status >= http.StatusInternalServerError {
		logger.Error("Request failed", "endpoint", endpoint, "ip", clientIP, "error", err)
	} else {
		logger.Debug("Request rejected", "endpoint", endpoint, "code", oauthErr.Code, "ip", clientIP, "error", err)
	}

	instrumentation.RecordError(span, err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, oauthErr.Code))
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, oauthErr.Status)
	h.recordHTTPMetrics(endpoint, r.Method, oauthErr.Status, startTime)

	// RFC 6749 Section 5.2
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.server.Config.Issuer+`"`)
	}

	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *server.TokenResponse) {
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    resp.ExpiresIn,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		Scope:        strings.Join(resp.Scope, " "),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes an RFC 6750 bearer challenge.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer error="`+code+`", error_description="`+description+`"`)
	h.writeError(w, code, description, http.StatusUnauthorized)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// finishRequest records a successful request on span and in the HTTP metrics.
func (h *Handler) finishRequest(span trace.Span, r *http.Request, endpoint string, status int, startTime time.Time) {
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(endpoint, r.Method, status, startTime)
}

// traceClientIP tags span with the client address when instrumentation
// allows client IPs to be recorded.
func (h *Handler) traceClientIP(span trace.Span, clientIP string) {
	if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
