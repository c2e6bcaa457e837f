package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-server/storage"
)

// dummySecretHash is compared against when the client is unknown so that
// authentication takes the same time whether or not the client exists.
var dummySecretHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalization-only"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generating dummy bcrypt hash: %v", err))
	}
	return hash
})

// AuthenticateClient resolves clientID in the registry and checks its
// credentials. Confidential clients must present their secret; public
// clients are identified by client_id alone. Every failure is
// ErrInvalidClient.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, newError(ErrorCodeInvalidRequest, ReasonMissingParameter, "client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		if clientSecret != "" {
			_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(clientSecret))
		}
		if s.Config.AllowUnregisteredClients && clientSecret == "" {
			return &storage.Client{ClientID: clientID, ClientType: storage.ClientTypePublic}, nil
		}
		return nil, s.clientAuthFailed(ctx, clientID, ReasonUnknownClient)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	if client.IsPublic() {
		return client, nil
	}

	if clientSecret == "" || client.ClientSecretHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(clientSecret))
		return nil, s.clientAuthFailed(ctx, clientID, ReasonBadCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, s.clientAuthFailed(ctx, clientID, ReasonBadCredentials)
	}

	return client, nil
}

// ValidateClientCredentials reports whether clientID authenticates with clientSecret.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	_, err := s.AuthenticateClient(ctx, clientID, clientSecret)
	return err
}

// GetClient retrieves a registered client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// CheckGrantAllowed rejects grant types the client was not registered for.
// A client without a grant type list may use every supported grant.
func CheckGrantAllowed(client *storage.Client, grantType string) error {
	if client == nil || len(client.GrantTypes) == 0 {
		return nil
	}
	if !slices.Contains(client.GrantTypes, grantType) {
		return newError(ErrorCodeUnauthorizedClient, "", "client may not use grant_type %q", grantType)
	}
	return nil
}

func (s *Server) clientAuthFailed(ctx context.Context, clientID string, reason Reason) error {
	s.Logger.Debug("Client authentication failed",
		"client_id", clientID,
		"reason", reason)

	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, clientIP(ctx), "client_"+string(reason))
	}
	if m := s.metrics(); m != nil {
		m.RecordClientAuthFailed(ctx, string(reason))
	}

	return &Error{Code: ErrorCodeInvalidClient, Reason: reason}
}
