package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/storage"
)

// authorizationCodeGrant redeems an authorization code for an access token,
// a refresh token and a signed ID token.
type authorizationCodeGrant struct {
	server *Server
}

func (g *authorizationCodeGrant) GrantType() GrantType { return GrantTypeAuthorizationCode }

// redeem consumes the code and checks it against the request. The code is
// spent whatever the outcome.
func (g *authorizationCodeGrant) redeem(ctx context.Context, req *TokenRequest) (*storage.AuthorizationCode, error) {
	s := g.server

	ctx, span := s.startSpan(ctx, "oauth.redeem_authorization_code")
	defer span.End()

	if req.Code == "" {
		return nil, newError(ErrorCodeInvalidRequest, ReasonMissingParameter, "code is required")
	}

	authCode, err := s.codeStore.ValidateAuthorizationCode(ctx, req.Code)
	if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		return nil, g.fail(ctx, req, "", ReasonCodeNotFound)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	if authCode.ClientID != req.ClientID {
		return nil, g.fail(ctx, req, authCode.UserID, ReasonClientMismatch)
	}
	if authCode.RedirectURI != req.RedirectURI {
		return nil, g.fail(ctx, req, authCode.UserID, ReasonRedirectMismatch)
	}

	instrumentation.AddPKCEAttributes(span, authCode.CodeChallengeMethod)
	if err := validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogPKCEValidationFailed(authCode.UserID, req.ClientID, clientIP(ctx), err.Error())
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, g.fail(ctx, req, authCode.UserID, ReasonPKCEMismatch)
	}

	instrumentation.SetSpanSuccess(span)
	return authCode, nil
}

func (g *authorizationCodeGrant) Handle(ctx context.Context, tx storage.TokenTx, req *TokenRequest) (*TokenResponse, error) {
	s := g.server

	ctx, span := s.startSpan(ctx, "oauth.exchange_authorization_code")
	defer span.End()

	authCode := req.authCode
	if authCode == nil {
		return nil, errors.New("authorization code was not redeemed before the exchange")
	}

	pair, err := s.tokens.IssueTokens(ctx, tx, authCode.UserID, authCode.ClientID, authCode.Scope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	idToken, err := g.signIDToken(authCode, time.Duration(pair.ExpiresIn)*time.Second)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to sign ID token: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, authCode.ClientID, authCode.UserID, scopeString(authCode.Scope))
	instrumentation.SetSpanSuccess(span)

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, authCode.ClientID, clientIP(ctx), scopeString(authCode.Scope))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, authCode.ClientID, "success")
	}

	return &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		IDToken:      idToken,
		Scope:        authCode.Scope,
	}, nil
}

// signIDToken issues an RS256 ID token that lives as long as the access token.
func (g *authorizationCodeGrant) signIDToken(code *storage.AuthorizationCode, ttl time.Duration) (string, error) {
	now := g.server.now()
	return g.server.keys.Sign(jwt.RegisteredClaims{
		Issuer:    g.server.Config.Issuer,
		Subject:   code.UserID,
		Audience:  jwt.ClaimStrings{code.ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
}

// fail logs the internal reason and returns a generic invalid_grant per
// RFC 6749 so that the caller learns nothing about why.
func (g *authorizationCodeGrant) fail(ctx context.Context, req *TokenRequest, userID string, reason Reason) error {
	s := g.server

	s.Logger.Debug("Authorization code exchange failed",
		"reason", reason,
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, tokenPrefixLength))

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String(instrumentation.AttrErrorReason, string(reason)))
	instrumentation.SetSpanError(span, string(reason))

	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userID, req.ClientID, clientIP(ctx), string(reason))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, req.ClientID, string(reason))
	}

	return invalidGrant(reason)
}
