package server

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/storage"
)

func TestServer_AuthenticateClient(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		clientID   string
		secret     string
		wantErr    error
		wantReason Reason
	}{
		{
			name:     "public client without secret",
			clientID: testutil.TestClientID,
		},
		{
			name:     "confidential client with correct secret",
			clientID: testConfidentialClient,
			secret:   testutil.TestClientSecret,
		},
		{
			name:       "confidential client with wrong secret",
			clientID:   testConfidentialClient,
			secret:     "wrong-secret",
			wantErr:    ErrInvalidClient,
			wantReason: ReasonBadCredentials,
		},
		{
			name:       "confidential client without secret",
			clientID:   testConfidentialClient,
			wantErr:    ErrInvalidClient,
			wantReason: ReasonBadCredentials,
		},
		{
			name:       "unknown client",
			clientID:   "unknown-client",
			secret:     "whatever",
			wantErr:    ErrInvalidClient,
			wantReason: ReasonUnknownClient,
		},
		{
			name:    "missing client_id",
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := setup.srv.AuthenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("AuthenticateClient() error = %v", err)
				}
				if client.ClientID != tt.clientID {
					t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AuthenticateClient() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantReason != "" {
				var oerr *Error
				if !errors.As(err, &oerr) || oerr.Reason != tt.wantReason {
					t.Errorf("Reason = %v, want %s", err, tt.wantReason)
				}
			}
		})
	}
}

func TestServer_AuthenticateClient_AllowUnregistered(t *testing.T) {
	setup := newTestServer(t, func(c *Config) { c.AllowUnregisteredClients = true })
	ctx := context.Background()

	client, err := setup.srv.AuthenticateClient(ctx, "dev-client", "")
	if err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	if !client.IsPublic() {
		t.Error("unregistered client should be treated as public")
	}

	// A secret cannot be checked for a client that does not exist.
	if _, err := setup.srv.AuthenticateClient(ctx, "dev-client", "secret"); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("AuthenticateClient() with secret error = %v, want ErrInvalidClient", err)
	}
}

func TestServer_ValidateClientCredentials(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	if err := setup.srv.ValidateClientCredentials(ctx, testConfidentialClient, testutil.TestClientSecret); err != nil {
		t.Errorf("ValidateClientCredentials() error = %v", err)
	}
	if err := setup.srv.ValidateClientCredentials(ctx, testConfidentialClient, "nope"); err == nil {
		t.Error("ValidateClientCredentials() expected error for wrong secret")
	}
}

func TestServer_GetClient(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	client, err := setup.srv.GetClient(ctx, testConfidentialClient)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if client.IsPublic() {
		t.Error("confidential client reported as public")
	}

	if _, err := setup.srv.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient() error = %v, want storage.ErrNotFound", err)
	}
}

func TestCheckGrantAllowed(t *testing.T) {
	restricted := &storage.Client{ClientID: "c", GrantTypes: []string{"authorization_code"}}

	tests := []struct {
		name      string
		client    *storage.Client
		grantType string
		wantErr   bool
	}{
		{name: "allowed", client: restricted, grantType: "authorization_code"},
		{name: "not allowed", client: restricted, grantType: "refresh_token", wantErr: true},
		{name: "no restriction", client: &storage.Client{ClientID: "c"}, grantType: "refresh_token"},
		{name: "nil client", client: nil, grantType: "refresh_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckGrantAllowed(tt.client, tt.grantType)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorizedClient) {
					t.Errorf("CheckGrantAllowed() error = %v, want ErrUnauthorizedClient", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckGrantAllowed() error = %v", err)
			}
		})
	}
}
