// Package storagetest holds the behavioural tests every storage backend
// must pass. Backend packages call the Run functions from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/storage"
)

// Registry is the write and read side of the client and settings tables.
type Registry interface {
	storage.ClientStore
	storage.SettingsStore
	SaveClient(ctx context.Context, client *storage.Client) error
	SetSetting(ctx context.Context, key, value string) error
}

// RunTokenStoreTests exercises a storage.TokenStore. newStore must return
// an empty store; cleanup is the caller's business.
func RunTokenStoreTests(t *testing.T, newStore func(t *testing.T) storage.TokenStore) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.TokenStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"NotFound", testNotFound},
		{"DuplicateID", testDuplicateID},
		{"RollbackOnError", testRollbackOnError},
		{"MarkReplaced", testMarkReplaced},
		{"ListChildren", testListChildren},
		{"RevokeRefreshTokens", testRevokeRefreshTokens},
		{"RevokeAccessToken", testRevokeAccessToken},
		{"RevokeAccessByRefresh", testRevokeAccessByRefresh},
		{"DeleteExpired", testDeleteExpired},
		{"ConcurrentRotation", testConcurrentRotation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// RunRegistryTests exercises the client and settings tables of a backend.
func RunRegistryTests(t *testing.T, r Registry) {
	t.Helper()
	ctx := context.Background()

	t.Run("Client", func(t *testing.T) {
		client := &storage.Client{
			ClientID:         "registry-client",
			ClientSecretHash: "$2a$10$hash",
			ClientType:       storage.ClientTypeConfidential,
			ClientName:       "Registry",
			RedirectURIs:     []string{"https://app.example.com/cb"},
			GrantTypes:       []string{"authorization_code", "refresh_token"},
			Scopes:           []string{"openid", "email"},
		}
		if err := r.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}

		got, err := r.GetClient(ctx, "registry-client")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if got.ClientType != storage.ClientTypeConfidential || got.ClientSecretHash != client.ClientSecretHash {
			t.Errorf("GetClient() = %+v, want type and secret hash preserved", got)
		}
		if !slices.Equal(got.RedirectURIs, client.RedirectURIs) {
			t.Errorf("RedirectURIs = %v, want %v", got.RedirectURIs, client.RedirectURIs)
		}
		if !slices.Equal(got.Scopes, client.Scopes) {
			t.Errorf("Scopes = %v, want %v", got.Scopes, client.Scopes)
		}

		if _, err := r.GetClient(ctx, "missing-client"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetClient(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Settings", func(t *testing.T) {
		if _, err := r.GetSetting(ctx, "access_token_ttl"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetSetting(unset) error = %v, want ErrNotFound", err)
		}
		if err := r.SetSetting(ctx, "access_token_ttl", "600"); err != nil {
			t.Fatalf("SetSetting() error = %v", err)
		}
		if err := r.SetSetting(ctx, "access_token_ttl", "900"); err != nil {
			t.Fatalf("SetSetting() overwrite error = %v", err)
		}
		got, err := r.GetSetting(ctx, "access_token_ttl")
		if err != nil {
			t.Fatalf("GetSetting() error = %v", err)
		}
		if got != "900" {
			t.Errorf("GetSetting() = %q, want %q", got, "900")
		}
	})
}

func refreshToken(id, parentID string, expiresAt time.Time) *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:        id,
		Token:     "rt-secret-" + id,
		UserID:    "user-1",
		ClientID:  "client-1",
		Scope:     []string{"openid", "profile"},
		ExpiresAt: expiresAt,
		ParentID:  parentID,
		CreatedAt: time.Now(),
	}
}

func accessToken(id, refreshID string, expiresAt time.Time) *storage.AccessToken {
	return &storage.AccessToken{
		ID:             id,
		Token:          "at-secret-" + id,
		UserID:         "user-1",
		ClientID:       "client-1",
		Scope:          []string{"openid", "profile"},
		ExpiresAt:      expiresAt,
		RefreshTokenID: refreshID,
		CreatedAt:      time.Now(),
	}
}

// seed writes the given tokens in one unit of work. Refresh tokens are
// created first so lineage references resolve.
func seed(t *testing.T, s storage.TokenStore, refresh []*storage.RefreshToken, access []*storage.AccessToken) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		for _, rt := range refresh {
			if err := tx.RefreshTokens().CreateRefreshToken(context.Background(), rt); err != nil {
				return fmt.Errorf("refresh %s: %w", rt.ID, err)
			}
		}
		for _, at := range access {
			if err := tx.AccessTokens().CreateAccessToken(context.Background(), at); err != nil {
				return fmt.Errorf("access %s: %w", at.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func getRefresh(t *testing.T, s storage.TokenStore, token string) (*storage.RefreshToken, error) {
	t.Helper()
	var rt *storage.RefreshToken
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		var err error
		rt, err = tx.RefreshTokens().GetRefreshTokenForUpdate(context.Background(), token)
		return err
	})
	return rt, err
}

func getAccess(t *testing.T, s storage.TokenStore, token string) (*storage.AccessToken, error) {
	t.Helper()
	var at *storage.AccessToken
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		var err error
		at, err = tx.AccessTokens().GetAccessToken(context.Background(), token)
		return err
	})
	return at, err
}

func testCreateAndGet(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	rt := refreshToken("rt-1", "", expiresAt)
	at := accessToken("at-1", "rt-1", expiresAt)
	seed(t, s, []*storage.RefreshToken{rt}, []*storage.AccessToken{at})

	gotRT, err := getRefresh(t, s, rt.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenForUpdate() error = %v", err)
	}
	if gotRT.ID != "rt-1" || gotRT.UserID != "user-1" || gotRT.ClientID != "client-1" {
		t.Errorf("refresh token = %+v, want identity preserved", gotRT)
	}
	if gotRT.Revoked || gotRT.ParentID != "" || gotRT.ReplacedBy != "" {
		t.Errorf("refresh token = %+v, want fresh root token", gotRT)
	}
	if !slices.Equal(gotRT.Scope, rt.Scope) {
		t.Errorf("refresh Scope = %v, want %v", gotRT.Scope, rt.Scope)
	}
	if d := gotRT.ExpiresAt.Sub(expiresAt).Abs(); d > time.Millisecond {
		t.Errorf("refresh ExpiresAt off by %v", d)
	}

	gotAT, err := getAccess(t, s, at.Token)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if gotAT.ID != "at-1" || gotAT.RefreshTokenID != "rt-1" || gotAT.Revoked {
		t.Errorf("access token = %+v, want linked live token", gotAT)
	}
	if !slices.Equal(gotAT.Scope, at.Scope) {
		t.Errorf("access Scope = %v, want %v", gotAT.Scope, at.Scope)
	}
}

func testNotFound(t *testing.T, s storage.TokenStore) {
	if _, err := getRefresh(t, s, "no-such-token"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRefreshTokenForUpdate() error = %v, want ErrNotFound", err)
	}
	if _, err := getAccess(t, s, "no-such-token"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessToken() error = %v, want ErrNotFound", err)
	}

	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		return tx.RefreshTokens().MarkRefreshTokenReplaced(context.Background(), "no-such-id", "next")
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkRefreshTokenReplaced() error = %v, want ErrNotFound", err)
	}
}

func testDuplicateID(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	seed(t, s, []*storage.RefreshToken{refreshToken("rt-dup", "", expiresAt)}, nil)

	dup := refreshToken("rt-dup", "", expiresAt)
	dup.Token = "another-secret"
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		return tx.RefreshTokens().CreateRefreshToken(context.Background(), dup)
	})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateRefreshToken(duplicate) error = %v, want ErrAlreadyExists", err)
	}
}

func testRollbackOnError(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	seed(t, s, []*storage.RefreshToken{refreshToken("rt-parent", "", expiresAt)}, nil)

	boom := errors.New("boom")
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		ctx := context.Background()
		if err := tx.RefreshTokens().CreateRefreshToken(ctx, refreshToken("rt-child", "rt-parent", expiresAt)); err != nil {
			return err
		}
		if err := tx.AccessTokens().CreateAccessToken(ctx, accessToken("at-child", "rt-child", expiresAt)); err != nil {
			return err
		}
		if err := tx.RefreshTokens().MarkRefreshTokenReplaced(ctx, "rt-parent", "rt-child"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v, want callback error", err)
	}

	if _, err := getRefresh(t, s, "rt-secret-rt-child"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("child refresh token survived rollback: err = %v", err)
	}
	if _, err := getAccess(t, s, "at-secret-at-child"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("child access token survived rollback: err = %v", err)
	}
	parent, err := getRefresh(t, s, "rt-secret-rt-parent")
	if err != nil {
		t.Fatalf("GetRefreshTokenForUpdate(parent) error = %v", err)
	}
	if parent.Revoked || parent.ReplacedBy != "" {
		t.Errorf("parent = %+v, want replacement rolled back", parent)
	}
}

func testMarkReplaced(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	seed(t, s, []*storage.RefreshToken{refreshToken("rt-old", "", expiresAt)}, nil)

	mark := func() error {
		return s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
			return tx.RefreshTokens().MarkRefreshTokenReplaced(context.Background(), "rt-old", "rt-new")
		})
	}

	if err := mark(); err != nil {
		t.Fatalf("first MarkRefreshTokenReplaced() error = %v", err)
	}
	if err := mark(); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second MarkRefreshTokenReplaced() error = %v, want ErrConflict", err)
	}

	got, err := getRefresh(t, s, "rt-secret-rt-old")
	if err != nil {
		t.Fatalf("GetRefreshTokenForUpdate() error = %v", err)
	}
	if !got.Revoked || got.ReplacedBy != "rt-new" {
		t.Errorf("token = %+v, want revoked and replaced by rt-new", got)
	}
}

func testListChildren(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	root := refreshToken("rt-root", "", expiresAt)
	first := refreshToken("rt-first", "rt-root", expiresAt)
	first.Revoked = true
	second := refreshToken("rt-second", "rt-root", expiresAt)
	grandchild := refreshToken("rt-grand", "rt-first", expiresAt)
	seed(t, s, []*storage.RefreshToken{root, first, second, grandchild}, nil)

	var children []*storage.RefreshToken
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		var err error
		children, err = tx.RefreshTokens().ListRefreshChildren(context.Background(), "rt-root")
		return err
	})
	if err != nil {
		t.Fatalf("ListRefreshChildren() error = %v", err)
	}

	var ids []string
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	slices.Sort(ids)
	if want := []string{"rt-first", "rt-second"}; !slices.Equal(ids, want) {
		t.Errorf("ListRefreshChildren() = %v, want %v (revoked children included, grandchildren excluded)", ids, want)
	}
}

func testRevokeRefreshTokens(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	a := refreshToken("rt-a", "", expiresAt)
	b := refreshToken("rt-b", "", expiresAt)
	b.Revoked = true
	c := refreshToken("rt-c", "", expiresAt)
	seed(t, s, []*storage.RefreshToken{a, b, c}, nil)

	var n int
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		var err error
		n, err = tx.RefreshTokens().RevokeRefreshTokens(context.Background(), []string{"rt-a", "rt-b", "rt-missing"})
		return err
	})
	if err != nil {
		t.Fatalf("RevokeRefreshTokens() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RevokeRefreshTokens() = %d, want 1", n)
	}

	got, err := getRefresh(t, s, c.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenForUpdate() error = %v", err)
	}
	if got.Revoked {
		t.Error("untouched token was revoked")
	}
}

func testRevokeAccessToken(t *testing.T, s storage.TokenStore) {
	at := accessToken("at-single", "", time.Now().Add(time.Hour))
	seed(t, s, nil, []*storage.AccessToken{at})

	revoke := func(id string) error {
		return s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
			return tx.AccessTokens().RevokeAccessToken(context.Background(), id)
		})
	}

	if err := revoke("at-single"); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if err := revoke("at-single"); err != nil {
		t.Errorf("RevokeAccessToken() twice error = %v, want nil", err)
	}
	if err := revoke("at-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RevokeAccessToken(missing) error = %v, want ErrNotFound", err)
	}

	got, err := getAccess(t, s, at.Token)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !got.Revoked {
		t.Error("access token not revoked")
	}
}

func testRevokeAccessByRefresh(t *testing.T, s storage.TokenStore) {
	expiresAt := time.Now().Add(time.Hour)
	seed(t, s,
		[]*storage.RefreshToken{
			refreshToken("rt-1", "", expiresAt),
			refreshToken("rt-2", "", expiresAt),
		},
		[]*storage.AccessToken{
			accessToken("at-1a", "rt-1", expiresAt),
			accessToken("at-1b", "rt-1", expiresAt),
			accessToken("at-2", "rt-2", expiresAt),
			accessToken("at-alone", "", expiresAt),
		},
	)

	var n int
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		var err error
		n, err = tx.AccessTokens().RevokeAccessTokensByRefreshTokenIDs(context.Background(), []string{"rt-1"})
		return err
	})
	if err != nil {
		t.Fatalf("RevokeAccessTokensByRefreshTokenIDs() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeAccessTokensByRefreshTokenIDs() = %d, want 2", n)
	}

	for token, wantRevoked := range map[string]bool{
		"at-secret-at-1a":    true,
		"at-secret-at-1b":    true,
		"at-secret-at-2":     false,
		"at-secret-at-alone": false,
	} {
		got, err := getAccess(t, s, token)
		if err != nil {
			t.Fatalf("GetAccessToken(%s) error = %v", token, err)
		}
		if got.Revoked != wantRevoked {
			t.Errorf("%s Revoked = %v, want %v", token, got.Revoked, wantRevoked)
		}
	}
}

func testDeleteExpired(t *testing.T, s storage.TokenStore) {
	now := time.Now()
	live := now.Add(time.Hour)
	dead := now.Add(-time.Minute)
	seed(t, s,
		[]*storage.RefreshToken{
			refreshToken("rt-live", "", live),
			refreshToken("rt-dead", "", dead),
		},
		[]*storage.AccessToken{
			accessToken("at-live", "rt-live", live),
			accessToken("at-dead", "rt-dead", dead),
			accessToken("at-dead-alone", "", dead),
		},
	)

	accessDeleted, refreshDeleted, err := s.DeleteExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if accessDeleted != 2 || refreshDeleted != 1 {
		t.Errorf("DeleteExpired() = (%d, %d), want (2, 1)", accessDeleted, refreshDeleted)
	}

	if _, err := getAccess(t, s, "at-secret-at-live"); err != nil {
		t.Errorf("live access token deleted: %v", err)
	}
	if _, err := getRefresh(t, s, "rt-secret-rt-live"); err != nil {
		t.Errorf("live refresh token deleted: %v", err)
	}
	if _, err := getAccess(t, s, "at-secret-at-dead"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired access token kept: err = %v", err)
	}
	if _, err := getRefresh(t, s, "rt-secret-rt-dead"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired refresh token kept: err = %v", err)
	}
}

// testConcurrentRotation races rotations of one refresh token. Exactly one
// unit of work may commit; the others must lose with ErrConflict.
func testConcurrentRotation(t *testing.T, s storage.TokenStore) {
	const workers = 8
	expiresAt := time.Now().Add(time.Hour)
	seed(t, s, []*storage.RefreshToken{refreshToken("rt-race", "", expiresAt)}, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)

	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			childID := fmt.Sprintf("rt-race-child-%d", i)
			err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
				ctx := context.Background()
				rt, err := tx.RefreshTokens().GetRefreshTokenForUpdate(ctx, "rt-secret-rt-race")
				if err != nil {
					return err
				}
				if err := tx.RefreshTokens().CreateRefreshToken(ctx, refreshToken(childID, rt.ID, expiresAt)); err != nil {
					return err
				}
				return tx.RefreshTokens().MarkRefreshTokenReplaced(ctx, rt.ID, childID)
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if successes != 1 || conflicts != workers-1 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and %d", successes, conflicts, workers-1)
	}

	var children []*storage.RefreshToken
	err := s.WithinTx(context.Background(), func(tx storage.TokenTx) error {
		var err error
		children, err = tx.RefreshTokens().ListRefreshChildren(context.Background(), "rt-race")
		return err
	})
	if err != nil {
		t.Fatalf("ListRefreshChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Errorf("children = %d, want 1 committed rotation", len(children))
	}
}
