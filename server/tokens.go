package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/settings"
	"github.com/giantswarm/oidc-server/storage"
)

// Token type names used in introspection responses, audit events and metrics.
const (
	TokenTypeAccess  = "access_token"
	TokenTypeRefresh = "refresh_token"
)

// ErrInvalidToken is returned by ValidateAccessToken for unknown, revoked
// and expired access tokens alike.
var ErrInvalidToken = errors.New("invalid or expired access token")

// TokenServiceConfig holds the fallbacks used when a lifetime setting is unset.
type TokenServiceConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkewGrace is added to ExpiresAt before a token counts as expired.
	ClockSkewGrace time.Duration
}

// Lifetimes are the token TTLs in effect for one unit of work.
type Lifetimes struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
}

// IntrospectionResult is the RFC 7662 view of a token.
type IntrospectionResult struct {
	Active    bool
	ClientID  string
	Subject   string
	Scope     []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	TokenType string
}

// TokenService issues, rotates, revokes and introspects opaque tokens.
//
// Methods that take a storage.TokenTx run inside the caller's unit of work
// and never commit on their own. RevokeToken, Introspect and
// ValidateAccessToken open their own.
type TokenService struct {
	store    storage.TokenStore
	settings *settings.Provider
	config   TokenServiceConfig
	logger   *slog.Logger

	auditor      *security.Auditor
	eventLimiter *security.RateLimiter
	inst         *instrumentation.Instrumentation
	tracer       trace.Tracer

	now func() time.Time
}

// NewTokenService creates a token service. A nil settings provider uses the
// config fallbacks for every lifetime.
func NewTokenService(store storage.TokenStore, provider *settings.Provider, config TokenServiceConfig, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 30 * time.Minute
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	return &TokenService{
		store:    store,
		settings: provider,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *TokenService) setInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	} else {
		s.tracer = nil
	}
}

func (s *TokenService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *TokenService) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

type lifetimesContextKey struct{}

// Lifetimes reads the current token TTLs from the settings provider.
func (s *TokenService) Lifetimes(ctx context.Context) Lifetimes {
	return Lifetimes{
		AccessToken:  s.settings.Seconds(ctx, settings.KeyAccessTokenTTL, s.config.AccessTokenTTL),
		RefreshToken: s.settings.Seconds(ctx, settings.KeyRefreshTokenTTL, s.config.RefreshTokenTTL),
	}
}

// withLifetimes resolves the TTLs before a unit of work opens, so the
// settings store is not read while a single-writer backend holds its lock.
func (s *TokenService) withLifetimes(ctx context.Context) context.Context {
	return context.WithValue(ctx, lifetimesContextKey{}, s.Lifetimes(ctx))
}

func (s *TokenService) lifetimes(ctx context.Context) Lifetimes {
	if lt, ok := ctx.Value(lifetimesContextKey{}).(Lifetimes); ok {
		return lt
	}
	return s.Lifetimes(ctx)
}

// IssueTokens mints a new refresh token and an access token bound to it.
func (s *TokenService) IssueTokens(ctx context.Context, tx storage.TokenTx, userID, clientID string, scope []string) (*storage.TokenPair, error) {
	lt := s.lifetimes(ctx)
	now := s.now()

	rt := &storage.RefreshToken{
		ID:        uuid.NewString(),
		Token:     generateRandomToken(),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     slices.Clone(scope),
		ExpiresAt: now.Add(lt.RefreshToken),
		CreatedAt: now,
	}
	if err := tx.RefreshTokens().CreateRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	at, err := s.createAccessToken(ctx, tx, rt, now, lt.AccessToken)
	if err != nil {
		return nil, err
	}

	return &storage.TokenPair{
		AccessToken:  at.Token,
		RefreshToken: rt.Token,
		ExpiresIn:    security.SecondsUntil(at.ExpiresAt, now),
		Scope:        slices.Clone(scope),
	}, nil
}

func (s *TokenService) createAccessToken(ctx context.Context, tx storage.TokenTx, rt *storage.RefreshToken, now time.Time, ttl time.Duration) (*storage.AccessToken, error) {
	at := &storage.AccessToken{
		ID:             uuid.NewString(),
		Token:          generateRandomToken(),
		UserID:         rt.UserID,
		ClientID:       rt.ClientID,
		Scope:          slices.Clone(rt.Scope),
		ExpiresAt:      now.Add(ttl),
		RefreshTokenID: rt.ID,
		CreatedAt:      now,
	}
	if err := tx.AccessTokens().CreateAccessToken(ctx, at); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}
	return at, nil
}

// RefreshWithRotation exchanges a refresh token for a new pair and retires
// the presented token. Presenting a token that was already retired revokes
// its whole lineage and returns ErrTokenRevoked; the caller must commit the
// unit of work in that case so the revocation sticks.
func (s *TokenService) RefreshWithRotation(ctx context.Context, tx storage.TokenTx, token, clientID string) (*storage.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "token.refresh")
	defer span.End()

	refreshTokens := tx.RefreshTokens()

	rt, err := refreshTokens.GetRefreshTokenForUpdate(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, s.refreshFailed(ctx, span, clientID, token, invalidGrant(ReasonTokenNotFound))
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	instrumentation.AddTokenChainAttributes(span, rt.ID, rt.ParentID)

	if rt.Revoked {
		return nil, s.handleReuse(ctx, span, tx, rt, clientID)
	}

	now := s.now()
	if security.IsTokenExpiredAt(rt.ExpiresAt, now, s.config.ClockSkewGrace) {
		return nil, s.refreshFailed(ctx, span, clientID, token, invalidGrant(ReasonTokenExpired))
	}
	if rt.ClientID != clientID {
		return nil, s.refreshFailed(ctx, span, clientID, token, invalidGrant(ReasonClientMismatch))
	}

	lt := s.lifetimes(ctx)
	next := &storage.RefreshToken{
		ID:        uuid.NewString(),
		Token:     generateRandomToken(),
		UserID:    rt.UserID,
		ClientID:  rt.ClientID,
		Scope:     slices.Clone(rt.Scope),
		ExpiresAt: now.Add(lt.RefreshToken),
		ParentID:  rt.ID,
		CreatedAt: now,
	}
	if err := refreshTokens.CreateRefreshToken(ctx, next); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to persist rotated refresh token: %w", err)
	}

	at, err := s.createAccessToken(ctx, tx, next, now, lt.AccessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if err := refreshTokens.MarkRefreshTokenReplaced(ctx, rt.ID, next.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent rotation retired the token after we read it.
			return nil, s.handleReuse(ctx, span, tx, rt, clientID)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to retire refresh token: %w", err)
	}

	s.logger.Debug("Refresh token rotated",
		"client_id", clientID,
		"parent_id", rt.ID,
		"token_id", next.ID)

	if s.auditor != nil {
		s.auditor.LogTokenRefreshed(rt.UserID, clientID, security.ClientIPFromContext(ctx), rt.ID, next.ID)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID, "success")
	}
	instrumentation.SetSpanSuccess(span)

	return &storage.TokenPair{
		AccessToken:  at.Token,
		RefreshToken: next.Token,
		ExpiresIn:    security.SecondsUntil(at.ExpiresAt, now),
		Scope:        slices.Clone(rt.Scope),
	}, nil
}

// refreshFailed records a non-reuse rotation failure. The reason stays
// internal; the client sees a generic invalid_grant.
func (s *TokenService) refreshFailed(ctx context.Context, span trace.Span, clientID, token string, err *Error) error {
	s.logger.Debug("Refresh token validation failed",
		"reason", err.Reason,
		"client_id", clientID,
		"token_prefix", util.SafeTruncate(token, tokenPrefixLength))

	span.SetAttributes(attribute.String(instrumentation.AttrErrorReason, string(err.Reason)))
	instrumentation.SetSpanError(span, string(err.Reason))

	if s.auditor != nil {
		s.auditor.LogAuthFailure("", clientID, security.ClientIPFromContext(ctx), "refresh_"+string(err.Reason))
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID, string(err.Reason))
	}
	return err
}

// handleReuse revokes the lineage below a retired token that was presented
// again, together with every access token minted from it. Only a
// presentation that revoked something is reported as reuse; a lineage
// that is already dead has nothing left to report.
func (s *TokenService) handleReuse(ctx context.Context, span trace.Span, tx storage.TokenTx, rt *storage.RefreshToken, clientID string) error {
	refreshRevoked, accessRevoked, err := s.revokeLineage(ctx, tx, rt)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to revoke compromised lineage: %w", err)
	}

	if refreshRevoked+accessRevoked == 0 {
		s.logger.Debug("Refresh token presented after its lineage was revoked",
			"client_id", clientID,
			"token_id", rt.ID)
		span.SetAttributes(
			attribute.String(instrumentation.AttrErrorReason, string(ReasonTokenReuse)),
			attribute.Int(instrumentation.AttrTokensRevoked, 0),
		)
		instrumentation.SetSpanError(span, string(ReasonTokenReuse))
		if m := s.metrics(); m != nil {
			m.RecordTokenRefresh(ctx, clientID, string(ReasonTokenReuse))
		}
		return invalidGrant(ReasonTokenReuse)
	}

	if allowSecurityLog(s.eventLimiter, rt.UserID+":"+clientID) {
		s.logger.Warn("Refresh token reuse detected, lineage revoked",
			"client_id", clientID,
			"token_id", rt.ID,
			"refresh_tokens_revoked", refreshRevoked,
			"access_tokens_revoked", accessRevoked)
	}

	span.SetAttributes(
		attribute.Bool(instrumentation.AttrTokenReuse, true),
		attribute.String(instrumentation.AttrErrorReason, string(ReasonTokenReuse)),
		attribute.Int(instrumentation.AttrTokensRevoked, refreshRevoked+accessRevoked),
	)
	instrumentation.SetSpanError(span, string(ReasonTokenReuse))

	if s.auditor != nil {
		s.auditor.LogRefreshTokenReuseDetected(rt.UserID, clientID, security.ClientIPFromContext(ctx), rt.ID, refreshRevoked+accessRevoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
		m.RecordTokenRefresh(ctx, clientID, string(ReasonTokenReuse))
	}

	return invalidGrant(ReasonTokenReuse)
}

// revokeLineage revokes root and every refresh token below it, then every
// access token minted from any of them. The walk uses an explicit queue
// and passes through tokens that are already revoked, because a rotated
// token sits between the root and the live end of the lineage. Counts
// cover only tokens that were still active.
func (s *TokenService) revokeLineage(ctx context.Context, tx storage.TokenTx, root *storage.RefreshToken) (refreshRevoked, accessRevoked int, err error) {
	refreshTokens := tx.RefreshTokens()

	ids := []string{root.ID}
	seen := map[string]struct{}{root.ID: {}}
	for queue := []string{root.ID}; len(queue) > 0; {
		id := queue[0]
		queue = queue[1:]

		children, err := refreshTokens.ListRefreshChildren(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		for _, child := range children {
			if _, ok := seen[child.ID]; ok {
				continue
			}
			seen[child.ID] = struct{}{}
			ids = append(ids, child.ID)
			queue = append(queue, child.ID)
		}
	}

	refreshRevoked, err = refreshTokens.RevokeRefreshTokens(ctx, ids)
	if err != nil {
		return 0, 0, err
	}
	accessRevoked, err = tx.AccessTokens().RevokeAccessTokensByRefreshTokenIDs(ctx, ids)
	if err != nil {
		return 0, 0, err
	}

	return refreshRevoked, accessRevoked, nil
}

// RevokeToken revokes token per RFC 7009. An access token is revoked on its
// own; a refresh token takes its lineage and their access tokens with it.
// Unknown tokens succeed. Only storage failures are returned.
func (s *TokenService) RevokeToken(ctx context.Context, token string) error {
	ctx, span := s.startSpan(ctx, "token.revoke")
	defer span.End()

	// The revocation outlives a client that hangs up mid-request.
	ctx = context.WithoutCancel(ctx)

	var (
		tokenType string
		userID    string
		clientID  string
		revoked   int
	)
	err := s.store.WithinTx(ctx, func(tx storage.TokenTx) error {
		at, err := tx.AccessTokens().GetAccessToken(ctx, token)
		if err == nil {
			tokenType, userID, clientID = TokenTypeAccess, at.UserID, at.ClientID
			if !at.Revoked {
				revoked = 1
			}
			return tx.AccessTokens().RevokeAccessToken(ctx, at.ID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		rt, err := tx.RefreshTokens().GetRefreshTokenForUpdate(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		tokenType, userID, clientID = TokenTypeRefresh, rt.UserID, rt.ClientID
		refreshRevoked, accessRevoked, err := s.revokeLineage(ctx, tx, rt)
		revoked = refreshRevoked + accessRevoked
		return err
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		s.logger.Error("Token revocation failed", "error", err)
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	if tokenType == "" {
		s.logger.Debug("Revocation of unknown token ignored",
			"token_prefix", util.SafeTruncate(token, tokenPrefixLength))
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	s.logger.Info("Token revoked",
		"client_id", clientID,
		"token_type", tokenType,
		"revoked", revoked)

	if s.auditor != nil {
		s.auditor.LogTokenRevoked(userID, clientID, security.ClientIPFromContext(ctx), tokenType, revoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, tokenType)
	}
	instrumentation.SetSpanSuccess(span)

	return nil
}

// Introspect reports whether token is active. It never fails: unknown
// tokens and storage errors are reported as inactive. An access token
// found past its expiry is revoked on the way.
func (s *TokenService) Introspect(ctx context.Context, token string) *IntrospectionResult {
	ctx, span := s.startSpan(ctx, "token.introspect")
	defer span.End()

	ctx = context.WithoutCancel(ctx)
	now := s.now()

	result := &IntrospectionResult{}
	err := s.store.WithinTx(ctx, func(tx storage.TokenTx) error {
		at, err := tx.AccessTokens().GetAccessToken(ctx, token)
		switch {
		case err == nil:
			if at.Revoked {
				return nil
			}
			if security.IsTokenExpiredAt(at.ExpiresAt, now, s.config.ClockSkewGrace) {
				return tx.AccessTokens().RevokeAccessToken(ctx, at.ID)
			}
			result = &IntrospectionResult{
				Active:    true,
				ClientID:  at.ClientID,
				Subject:   at.UserID,
				Scope:     at.Scope,
				ExpiresAt: at.ExpiresAt,
				IssuedAt:  at.CreatedAt,
				TokenType: TokenTypeAccess,
			}
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		rt, err := tx.RefreshTokens().GetRefreshTokenForUpdate(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rt.Revoked || security.IsTokenExpiredAt(rt.ExpiresAt, now, s.config.ClockSkewGrace) {
			return nil
		}
		result = &IntrospectionResult{
			Active:    true,
			ClientID:  rt.ClientID,
			Subject:   rt.UserID,
			Scope:     rt.Scope,
			ExpiresAt: rt.ExpiresAt,
			IssuedAt:  rt.CreatedAt,
			TokenType: TokenTypeRefresh,
		}
		return nil
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		s.logger.Error("Token introspection failed, reporting inactive", "error", err)
		result = &IntrospectionResult{}
	}

	span.SetAttributes(attribute.Bool("oauth.token.active", result.Active))
	if m := s.metrics(); m != nil {
		m.RecordTokenIntrospection(ctx, result.Active)
	}

	return result
}

// ValidateAccessToken returns the access token if it is known, not revoked
// and not expired. Every other outcome is ErrInvalidToken, except storage
// failures which are returned wrapped.
func (s *TokenService) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	var at *storage.AccessToken
	err := s.store.WithinTx(ctx, func(tx storage.TokenTx) error {
		var err error
		at, err = tx.AccessTokens().GetAccessToken(ctx, token)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}

	if at.Revoked || security.IsTokenExpiredAt(at.ExpiresAt, s.now(), s.config.ClockSkewGrace) {
		return nil, ErrInvalidToken
	}

	return at, nil
}

// scopeString joins scopes the way they travel on the wire.
func scopeString(scope []string) string {
	return strings.Join(scope, " ")
}
