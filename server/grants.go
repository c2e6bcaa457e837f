package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// GrantType is a token endpoint grant_type value.
type GrantType string

// Supported grant types. There is deliberately no implicit or
// client_credentials grant.
const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

var supportedGrantTypes = []GrantType{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

// ParseGrantType maps a grant_type form value to a GrantType.
func ParseGrantType(s string) (GrantType, error) {
	switch GrantType(s) {
	case GrantTypeAuthorizationCode:
		return GrantTypeAuthorizationCode, nil
	case GrantTypeRefreshToken:
		return GrantTypeRefreshToken, nil
	default:
		return "", newError(ErrorCodeUnsupportedGrantType, "", "grant_type %q", s)
	}
}

// TokenRequest is a parsed token endpoint request. The client is already
// authenticated when it reaches a GrantHandler.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string

	// authCode is the code consumed by Exchange before the unit of work.
	authCode *storage.AuthorizationCode
}

// TokenResponse is the successful outcome of a grant.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        []string
}

// GrantHandler turns one grant type into tokens inside a unit of work.
type GrantHandler interface {
	GrantType() GrantType
	Handle(ctx context.Context, tx storage.TokenTx, req *TokenRequest) (*TokenResponse, error)
}

// codeRedeemer is implemented by grants that consume a one-time credential.
// Exchange redeems it before the unit of work opens, so a rolled back
// transaction never hands a spent code back.
type codeRedeemer interface {
	redeem(ctx context.Context, req *TokenRequest) (*storage.AuthorizationCode, error)
}

func newGrantHandler(s *Server, gt GrantType) GrantHandler {
	switch gt {
	case GrantTypeAuthorizationCode:
		return &authorizationCodeGrant{server: s}
	case GrantTypeRefreshToken:
		return &refreshTokenGrant{tokens: s.tokens}
	default:
		panic(fmt.Sprintf("no handler for grant type %q", gt))
	}
}

// Exchange runs the grant named by req.GrantType in one unit of work.
//
// An authorization code is redeemed and checked before the unit of work
// opens; a failed check never touches the token store. The unit of work
// commits on success and rolls back on error, with one exception: refresh
// token reuse commits its lineage revocation before ErrTokenRevoked is
// returned.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.token",
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer span.End()

	gt, err := ParseGrantType(req.GrantType)
	if err != nil {
		instrumentation.SetSpanError(span, string(ErrorCodeUnsupportedGrantType))
		return nil, err
	}
	if req.ClientID == "" {
		instrumentation.SetSpanError(span, string(ErrorCodeInvalidRequest))
		return nil, newError(ErrorCodeInvalidRequest, ReasonMissingParameter, "client_id is required")
	}

	handler := s.grants[gt]

	// Once the exchange has begun it runs to completion even if the client
	// disconnects; a half-applied rotation is worse than a lost response.
	ctx = s.tokens.withLifetimes(context.WithoutCancel(ctx))

	if r, ok := handler.(codeRedeemer); ok {
		authCode, err := r.redeem(ctx, req)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		redeemed := *req
		redeemed.authCode = authCode
		req = &redeemed
	}

	var (
		resp     *TokenResponse
		reuseErr error
	)
	err = s.tokenStore.WithinTx(ctx, func(tx storage.TokenTx) error {
		r, err := handler.Handle(ctx, tx, req)
		if errors.Is(err, ErrTokenRevoked) {
			reuseErr = err
			return nil
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if reuseErr != nil {
		return nil, reuseErr
	}

	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// refreshTokenGrant rotates a refresh token through the TokenService.
type refreshTokenGrant struct {
	tokens *TokenService
}

func (g *refreshTokenGrant) GrantType() GrantType { return GrantTypeRefreshToken }

func (g *refreshTokenGrant) Handle(ctx context.Context, tx storage.TokenTx, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, newError(ErrorCodeInvalidRequest, ReasonMissingParameter, "refresh_token is required")
	}

	pair, err := g.tokens.RefreshWithRotation(ctx, tx, req.RefreshToken, req.ClientID)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	}, nil
}

// clientIP returns the caller's address for audit events, if known.
func clientIP(ctx context.Context) string {
	return security.ClientIPFromContext(ctx)
}
