package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/settings"
	"github.com/giantswarm/oidc-server/storage"
)

func validAuthorizationRequest() *AuthorizationRequest {
	challenge, _ := testutil.GeneratePKCEPair()
	return &AuthorizationRequest{
		ClientID:            testutil.TestClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               []string{"openid"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              testutil.TestUserID,
	}
}

func TestValidateAuthorizationRequest(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(req *AuthorizationRequest)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*AuthorizationRequest) {},
		},
		{
			name:    "unknown client",
			mutate:  func(req *AuthorizationRequest) { req.ClientID = "unknown" },
			wantErr: ErrInvalidClient,
		},
		{
			name:    "unregistered redirect",
			mutate:  func(req *AuthorizationRequest) { req.RedirectURI = "https://evil.example.com/cb" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing redirect",
			mutate:  func(req *AuthorizationRequest) { req.RedirectURI = "" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing challenge",
			mutate:  func(req *AuthorizationRequest) { req.CodeChallenge = "" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "plain method",
			mutate:  func(req *AuthorizationRequest) { req.CodeChallengeMethod = "plain" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unsupported scope",
			mutate:  func(req *AuthorizationRequest) { req.Scope = []string{"openid", "admin"} },
			wantErr: ErrInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizationRequest()
			tt.mutate(req)

			_, err := setup.srv.ValidateAuthorizationRequest(ctx, req)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateAuthorizationRequest() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateAuthorizationRequest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAuthorizationRequest_GrantNotAllowed(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	client := testutil.PublicClient("refresh-only")
	client.GrantTypes = []string{"refresh_token"}
	if err := setup.store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	req := validAuthorizationRequest()
	req.ClientID = "refresh-only"
	if _, err := setup.srv.ValidateAuthorizationRequest(ctx, req); !errors.Is(err, ErrUnauthorizedClient) {
		t.Errorf("ValidateAuthorizationRequest() error = %v, want ErrUnauthorizedClient", err)
	}
}

func TestValidateAuthorizationRequest_InvalidRedirectAudited(t *testing.T) {
	setup := newTestServer(t)

	var buf bytes.Buffer
	setup.srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true))

	req := validAuthorizationRequest()
	req.RedirectURI = "https://evil.example.com/cb"
	ctx := security.WithClientIP(context.Background(), "198.51.100.4")

	if _, err := setup.srv.ValidateAuthorizationRequest(ctx, req); err == nil {
		t.Fatal("ValidateAuthorizationRequest() expected error")
	}
	if !strings.Contains(buf.String(), security.EventInvalidRedirect) {
		t.Errorf("audit log missing %s: %s", security.EventInvalidRedirect, buf.String())
	}
}

func TestIssueAuthorizationCode(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	req := validAuthorizationRequest()
	req.Scope = []string{"openid", "email"}

	before := time.Now()
	code, err := setup.srv.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	if len(code.Code) < 43 {
		t.Errorf("len(Code) = %d, want at least 43", len(code.Code))
	}
	if code.UserID != testutil.TestUserID || code.ClientID != testutil.TestClientID {
		t.Errorf("code bound to %s/%s", code.UserID, code.ClientID)
	}
	testutil.AssertTimeEqual(t, code.ExpiresAt, before.Add(10*time.Minute), 2*time.Second)

	redeemed, err := setup.store.ValidateAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("ValidateAuthorizationCode() error = %v", err)
	}
	if redeemed.CodeChallenge != req.CodeChallenge {
		t.Error("stored code lost its PKCE challenge")
	}
}

func TestIssueAuthorizationCode_TTLFromSettings(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	if err := setup.store.SetSetting(ctx, settings.KeyAuthorizationCodeTTL, "30"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}

	before := time.Now()
	code, err := setup.srv.IssueAuthorizationCode(ctx, validAuthorizationRequest())
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	testutil.AssertTimeEqual(t, code.ExpiresAt, before.Add(30*time.Second), 2*time.Second)
}

func TestIssueAuthorizationCode_FiltersClientScopes(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	client := testutil.PublicClient("narrow-client")
	client.Scopes = []string{"openid"}
	if err := setup.store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	req := validAuthorizationRequest()
	req.ClientID = "narrow-client"
	req.Scope = []string{"openid", "email"}

	code, err := setup.srv.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	if len(code.Scope) != 1 || code.Scope[0] != "openid" {
		t.Errorf("Scope = %v, want [openid]", code.Scope)
	}
}

func TestIssueAuthorizationCode_RequiresUser(t *testing.T) {
	setup := newTestServer(t)

	req := validAuthorizationRequest()
	req.UserID = ""
	if _, err := setup.srv.IssueAuthorizationCode(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("IssueAuthorizationCode() error = %v, want ErrInvalidRequest", err)
	}
}

func TestIssueAuthorizationCode_UnregisteredClientAllowed(t *testing.T) {
	setup := newTestServer(t, func(c *Config) { c.AllowUnregisteredClients = true })
	ctx := context.Background()

	req := validAuthorizationRequest()
	req.ClientID = "dev-client"
	req.RedirectURI = "http://localhost:3000/callback"

	code, err := setup.srv.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	if _, err := setup.srv.GetClient(ctx, "dev-client"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unregistered client should not be persisted, GetClient() error = %v", err)
	}
	if code.ClientID != "dev-client" {
		t.Errorf("ClientID = %q, want dev-client", code.ClientID)
	}
}
