package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/settings"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/memory"
)

func TestTokenService_Lifetimes(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	ctx := context.Background()

	provider := settings.New(store, nil)
	svc := NewTokenService(store, provider, TokenServiceConfig{}, nil)

	lt := svc.Lifetimes(ctx)
	if lt.AccessToken != 30*time.Minute {
		t.Errorf("default AccessToken = %v, want 30m", lt.AccessToken)
	}
	if lt.RefreshToken != 7*24*time.Hour {
		t.Errorf("default RefreshToken = %v, want 168h", lt.RefreshToken)
	}

	if err := store.SetSetting(ctx, settings.KeyRefreshTokenTTL, "3600"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	provider.Invalidate(settings.KeyRefreshTokenTTL)

	if got := svc.Lifetimes(ctx).RefreshToken; got != time.Hour {
		t.Errorf("RefreshToken = %v, want 1h", got)
	}
}

func TestTokenService_IssueTokens(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	ctx := context.Background()

	svc := NewTokenService(store, nil, TokenServiceConfig{AccessTokenTTL: time.Minute}, nil)

	var pair *storage.TokenPair
	err := store.WithinTx(ctx, func(tx storage.TokenTx) error {
		var err error
		pair, err = svc.IssueTokens(ctx, tx, testutil.TestUserID, testutil.TestClientID, []string{"openid"})
		return err
	})
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	if pair.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d, want 60", pair.ExpiresIn)
	}

	at, err := svc.ValidateAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if at.UserID != testutil.TestUserID || at.ClientID != testutil.TestClientID {
		t.Errorf("access token bound to %s/%s", at.UserID, at.ClientID)
	}
	if want := security.SecondsUntil(at.ExpiresAt, at.CreatedAt); pair.ExpiresIn != want {
		t.Errorf("ExpiresIn = %d, want %d from the stored expiry", pair.ExpiresIn, want)
	}

	result := svc.Introspect(ctx, pair.RefreshToken)
	if !result.Active || result.TokenType != TokenTypeRefresh {
		t.Errorf("Introspect(refresh) = %+v, want active refresh_token", result)
	}
}

func TestIntrospect(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	resp := setup.login(t)

	t.Run("active access token", func(t *testing.T) {
		result := setup.srv.Tokens().Introspect(ctx, resp.AccessToken)
		if !result.Active {
			t.Fatal("Active = false, want true")
		}
		if result.TokenType != TokenTypeAccess {
			t.Errorf("TokenType = %q, want %q", result.TokenType, TokenTypeAccess)
		}
		if result.ClientID != testutil.TestClientID {
			t.Errorf("ClientID = %q, want %q", result.ClientID, testutil.TestClientID)
		}
		if result.Subject != testutil.TestUserID {
			t.Errorf("Subject = %q, want %q", result.Subject, testutil.TestUserID)
		}
		if len(result.Scope) != 2 {
			t.Errorf("Scope = %v, want [openid email]", result.Scope)
		}
		if result.IssuedAt.IsZero() || !result.ExpiresAt.After(result.IssuedAt) {
			t.Errorf("IssuedAt = %v, ExpiresAt = %v", result.IssuedAt, result.ExpiresAt)
		}
	})

	t.Run("active refresh token", func(t *testing.T) {
		result := setup.srv.Tokens().Introspect(ctx, resp.RefreshToken)
		if !result.Active || result.TokenType != TokenTypeRefresh {
			t.Errorf("Introspect() = %+v, want active refresh_token", result)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		if result := setup.srv.Tokens().Introspect(ctx, "unknown"); result.Active {
			t.Error("Active = true for unknown token")
		}
	})
}

func TestIntrospect_RevokedAccessToken(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	resp := setup.login(t)
	if err := setup.srv.Tokens().RevokeToken(ctx, resp.AccessToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	result := setup.srv.Tokens().Introspect(ctx, resp.AccessToken)
	if result.Active {
		t.Error("Active = true for revoked token")
	}
	if result.ClientID != "" || result.Subject != "" {
		t.Errorf("inactive result leaks claims: %+v", result)
	}
}

func TestIntrospect_ExpiredAccessTokenIsRevoked(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	resp := setup.login(t)

	later := time.Now().Add(31 * time.Minute)
	setup.srv.tokens.now = func() time.Time { return later }

	if setup.srv.Tokens().Introspect(ctx, resp.AccessToken).Active {
		t.Fatal("Active = true for expired token")
	}

	var revoked bool
	err := setup.store.WithinTx(ctx, func(tx storage.TokenTx) error {
		at, err := tx.AccessTokens().GetAccessToken(ctx, resp.AccessToken)
		if err != nil {
			return err
		}
		revoked = at.Revoked
		return nil
	})
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !revoked {
		t.Error("expired access token should be revoked by introspection")
	}

	// The refresh token outlives the access token.
	setup.assertActive(t, resp.RefreshToken, true)
}

func TestIntrospect_StorageErrorIsInactive(t *testing.T) {
	setup := newTestServerWithTokenStore(t, func(s *memory.Store) storage.TokenStore {
		return failingTxStore{Store: s}
	})

	if result := setup.srv.Tokens().Introspect(context.Background(), "anything"); result.Active {
		t.Error("Active = true on storage failure")
	}
	if !bytes.Contains(setup.logBuf.Bytes(), []byte("Token introspection failed")) {
		t.Error("storage failure should be logged")
	}
}

// failingTxStore fails every unit of work.
type failingTxStore struct {
	*memory.Store
}

func (failingTxStore) WithinTx(context.Context, func(tx storage.TokenTx) error) error {
	return errInjected
}

func TestRevokeToken_AccessTokenOnly(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	resp := setup.login(t)
	if err := setup.srv.Tokens().RevokeToken(ctx, resp.AccessToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	setup.assertActive(t, resp.AccessToken, false)
	setup.assertActive(t, resp.RefreshToken, true)
}

func TestRevokeToken_RefreshTokenRevokesLineage(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	r1 := setup.login(t)
	r2, err := setup.refresh(ctx, testutil.TestClientID, r1.RefreshToken)
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}

	// Revoking a rotated ancestor still reaches the live descendant.
	if err := setup.srv.Tokens().RevokeToken(ctx, r1.RefreshToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	setup.assertActive(t, r2.RefreshToken, false)
	setup.assertActive(t, r2.AccessToken, false)
	setup.assertActive(t, r1.AccessToken, false)
}

func TestRevokeToken_Idempotent(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	resp := setup.login(t)
	for i := range 3 {
		if err := setup.srv.Tokens().RevokeToken(ctx, resp.RefreshToken); err != nil {
			t.Fatalf("RevokeToken() call %d error = %v", i, err)
		}
	}
	setup.assertActive(t, resp.RefreshToken, false)
}

func TestRevokeToken_UnknownTokenSucceeds(t *testing.T) {
	setup := newTestServer(t)

	if err := setup.srv.Tokens().RevokeToken(context.Background(), "never-issued"); err != nil {
		t.Errorf("RevokeToken() error = %v, want nil", err)
	}
}

func TestRevokeToken_StorageFailure(t *testing.T) {
	setup := newTestServerWithTokenStore(t, func(s *memory.Store) storage.TokenStore {
		return failingTxStore{Store: s}
	})

	err := setup.srv.Tokens().RevokeToken(context.Background(), "anything")
	if !errors.Is(err, errInjected) {
		t.Errorf("RevokeToken() error = %v, want injected failure", err)
	}
}

func TestRevokeToken_Audited(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	var auditBuf bytes.Buffer
	setup.srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&auditBuf, nil)), true))

	resp := setup.login(t)
	auditBuf.Reset()

	if err := setup.srv.Tokens().RevokeToken(security.WithClientIP(ctx, "203.0.113.7"), resp.RefreshToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(auditBuf.Bytes(), &record); err != nil {
		t.Fatalf("decoding audit record: %v (%s)", err, auditBuf.String())
	}
	if record["event_type"] != security.EventTokenRevoked {
		t.Errorf("event_type = %v, want %s", record["event_type"], security.EventTokenRevoked)
	}
	if record["ip_address"] != "203.0.113.7" {
		t.Errorf("ip_address = %v, want 203.0.113.7", record["ip_address"])
	}
}

func TestValidateAccessToken(t *testing.T) {
	setup := newTestServer(t)
	ctx := context.Background()

	resp := setup.login(t)

	if _, err := setup.srv.Tokens().ValidateAccessToken(ctx, resp.AccessToken); err != nil {
		t.Errorf("ValidateAccessToken(active) error = %v", err)
	}

	tests := []struct {
		name  string
		token string
		setup func()
	}{
		{name: "empty", token: ""},
		{name: "unknown", token: "unknown"},
		{name: "refresh token", token: resp.RefreshToken},
		{
			name:  "expired",
			token: resp.AccessToken,
			setup: func() {
				setup.srv.tokens.now = func() time.Time { return time.Now().Add(time.Hour) }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			if _, err := setup.srv.Tokens().ValidateAccessToken(ctx, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateAccessToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}
