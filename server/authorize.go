package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/settings"
	"github.com/giantswarm/oidc-server/storage"
)

// AuthorizationRequest is what the login layer hands over once the user
// has authenticated and consented.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               []string
	CodeChallenge       string
	CodeChallengeMethod string

	// UserID is the authenticated subject. It is not needed to validate the
	// request before login.
	UserID string
}

// ValidateAuthorizationRequest checks the client, redirect URI, PKCE
// parameters and scopes of an authorization request. Call it before
// showing the login page so that a bad redirect_uri is never followed.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !s.Config.AllowUnregisteredClients {
			return nil, &Error{Code: ErrorCodeInvalidClient, Reason: ReasonUnknownClient}
		}
		client = &storage.Client{
			ClientID:     req.ClientID,
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: []string{req.RedirectURI},
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(req.ClientID, req.RedirectURI, clientIP(ctx), err.Error())
		}
		return nil, &Error{Code: ErrorCodeInvalidRequest, Reason: ReasonRedirectUnregistered, Err: err}
	}

	if req.CodeChallenge == "" {
		return nil, newError(ErrorCodeInvalidRequest, ReasonMissingParameter, "code_challenge is required")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return nil, newError(ErrorCodeInvalidRequest, ReasonUnsupportedMethod,
			"code_challenge_method must be %s", PKCEMethodS256)
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return nil, &Error{Code: ErrorCodeInvalidScope, Err: err}
	}

	if err := CheckGrantAllowed(client, string(GrantTypeAuthorizationCode)); err != nil {
		return nil, err
	}

	return client, nil
}

// IssueAuthorizationCode validates req and stores a new single-use
// authorization code bound to the user, client, redirect URI and PKCE
// challenge. Scopes the client is not allowed are dropped.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "oauth.issue_authorization_code",
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer span.End()

	if req.UserID == "" {
		return nil, newError(ErrorCodeInvalidRequest, ReasonMissingParameter, "user is not authenticated")
	}

	client, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	now := s.now()
	ttl := s.settings.Seconds(ctx, settings.KeyAuthorizationCodeTTL, s.Config.authorizationCodeTTL())

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              req.UserID,
		Scope:               filterClientScopes(slices.Clone(req.Scope), client.Scopes),
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}

	if err := s.codeStore.SaveAuthorizationCode(ctx, code); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, code.ClientID, code.UserID, scopeString(code.Scope))
	instrumentation.SetSpanSuccess(span)

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(code.UserID, code.ClientID, scopeString(code.Scope))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, code.ClientID)
	}

	return code, nil
}
