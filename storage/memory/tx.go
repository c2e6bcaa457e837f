package memory

import (
	"context"
	"slices"

	"github.com/giantswarm/oidc-server/storage"
)

// tx is the unit of work handed out by Store.WithinTx. The store lock is
// held by WithinTx for its whole lifetime, so methods here never lock.
type tx struct {
	store *Store
	undo  []func()
}

var (
	_ storage.TokenTx                = (*tx)(nil)
	_ storage.AccessTokenRepository  = accessRepo{}
	_ storage.RefreshTokenRepository = refreshRepo{}
)

func (t *tx) AccessTokens() storage.AccessTokenRepository   { return accessRepo{t} }
func (t *tx) RefreshTokens() storage.RefreshTokenRepository { return refreshRepo{t} }

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func cloneAccess(at *storage.AccessToken) *storage.AccessToken {
	c := *at
	c.Scope = slices.Clone(at.Scope)
	return &c
}

func cloneRefresh(rt *storage.RefreshToken) *storage.RefreshToken {
	c := *rt
	c.Scope = slices.Clone(rt.Scope)
	return &c
}

// ============================================================
// Access tokens
// ============================================================

type accessRepo struct{ t *tx }

func (r accessRepo) CreateAccessToken(_ context.Context, token *storage.AccessToken) error {
	s := r.t.store
	hash := storage.HashToken(token.Token)
	if _, exists := s.accessTokens[token.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.accessByHash[hash]; exists {
		return storage.ErrAlreadyExists
	}

	s.accessTokens[token.ID] = cloneAccess(token)
	s.accessByHash[hash] = token.ID
	r.t.undo = append(r.t.undo, func() {
		delete(s.accessTokens, token.ID)
		delete(s.accessByHash, hash)
	})
	return nil
}

func (r accessRepo) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	s := r.t.store
	id, ok := s.accessByHash[storage.HashToken(token)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAccess(s.accessTokens[id]), nil
}

func (r accessRepo) RevokeAccessToken(_ context.Context, id string) error {
	at, ok := r.t.store.accessTokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.revoke(at)
	return nil
}

func (r accessRepo) RevokeAccessTokensByRefreshTokenIDs(_ context.Context, refreshTokenIDs []string) (int, error) {
	revoked := 0
	for _, at := range r.t.store.accessTokens {
		if !at.Revoked && at.RefreshTokenID != "" && slices.Contains(refreshTokenIDs, at.RefreshTokenID) {
			r.revoke(at)
			revoked++
		}
	}
	return revoked, nil
}

func (r accessRepo) revoke(at *storage.AccessToken) {
	if at.Revoked {
		return
	}
	at.Revoked = true
	r.t.undo = append(r.t.undo, func() { at.Revoked = false })
}

// ============================================================
// Refresh tokens
// ============================================================

type refreshRepo struct{ t *tx }

func (r refreshRepo) CreateRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	s := r.t.store
	hash := storage.HashToken(token.Token)
	if _, exists := s.refreshTokens[token.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.refreshByHash[hash]; exists {
		return storage.ErrAlreadyExists
	}

	s.refreshTokens[token.ID] = cloneRefresh(token)
	s.refreshByHash[hash] = token.ID
	r.t.undo = append(r.t.undo, func() {
		delete(s.refreshTokens, token.ID)
		delete(s.refreshByHash, hash)
	})
	return nil
}

// GetRefreshTokenForUpdate needs no row lock here: the whole store is locked
// for the duration of the unit of work.
func (r refreshRepo) GetRefreshTokenForUpdate(_ context.Context, token string) (*storage.RefreshToken, error) {
	s := r.t.store
	id, ok := s.refreshByHash[storage.HashToken(token)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRefresh(s.refreshTokens[id]), nil
}

func (r refreshRepo) ListRefreshChildren(_ context.Context, parentID string) ([]*storage.RefreshToken, error) {
	var children []*storage.RefreshToken
	for _, rt := range r.t.store.refreshTokens {
		if rt.ParentID == parentID {
			children = append(children, cloneRefresh(rt))
		}
	}
	return children, nil
}

func (r refreshRepo) MarkRefreshTokenReplaced(_ context.Context, id, replacedBy string) error {
	rt, ok := r.t.store.refreshTokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rt.Revoked {
		return storage.ErrConflict
	}

	prevReplacedBy := rt.ReplacedBy
	rt.Revoked = true
	rt.ReplacedBy = replacedBy
	r.t.undo = append(r.t.undo, func() {
		rt.Revoked = false
		rt.ReplacedBy = prevReplacedBy
	})
	return nil
}

func (r refreshRepo) RevokeRefreshTokens(_ context.Context, ids []string) (int, error) {
	revoked := 0
	for _, id := range ids {
		rt, ok := r.t.store.refreshTokens[id]
		if !ok || rt.Revoked {
			continue
		}
		rt.Revoked = true
		r.t.undo = append(r.t.undo, func() { rt.Revoked = false })
		revoked++
	}
	return revoked, nil
}
