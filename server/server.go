package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/settings"
	"github.com/giantswarm/oidc-server/storage"
)

const (
	// tokenPrefixLength is the number of characters of a secret that may
	// appear in logs
	tokenPrefixLength = 8
)

// Server implements the token lifecycle: authorization code issuance and
// exchange, refresh token rotation, revocation and introspection.
type Server struct {
	tokenStore  storage.TokenStore
	codeStore   storage.CodeStore
	clientStore storage.ClientStore
	keys        *keys.Manager
	settings    *settings.Provider
	tokens      *TokenService
	grants      map[GrantType]GrantHandler

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new token server
func New(
	tokenStore storage.TokenStore,
	codeStore storage.CodeStore,
	clientStore storage.ClientStore,
	settingsStore storage.SettingsStore,
	keyManager *keys.Manager,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if keyManager == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		tokenStore:  tokenStore,
		codeStore:   codeStore,
		clientStore: clientStore,
		keys:        keyManager,
		settings:    settings.New(settingsStore, logger),
		Config:      config,
		Logger:      logger,
		now:         time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	srv.tokens = NewTokenService(tokenStore, srv.settings, TokenServiceConfig{
		AccessTokenTTL:  config.accessTokenTTL(),
		RefreshTokenTTL: config.refreshTokenTTL(),
		ClockSkewGrace:  config.clockSkewGrace(),
	}, logger)

	srv.grants = make(map[GrantType]GrantHandler, len(supportedGrantTypes))
	for _, gt := range supportedGrantTypes {
		srv.grants[gt] = newGrantHandler(srv, gt)
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.tokens.auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
	s.tokens.eventLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.tokens.setInstrumentation(inst)
	if inst != nil {
		s.tracer = inst.Tracer("server")
	} else {
		s.tracer = nil
	}
}

// Tokens returns the token service backing the grant handlers
func (s *Server) Tokens() *TokenService {
	return s.tokens
}

// Keys returns the key manager used to sign ID tokens
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// startSpan starts a server span, or returns the current span when
// instrumentation is not configured.
func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// allowSecurityLog reports whether a security event keyed by key may be
// logged at warn level.
func allowSecurityLog(rl *security.RateLimiter, key string) bool {
	return rl == nil || rl.Allow(key)
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier returns 32 random bytes as unpadded base64url.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
