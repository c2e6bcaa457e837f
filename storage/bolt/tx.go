package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/giantswarm/oidc-server/storage"
)

// accessRecord is the on-disk form of an access token. The secret itself
// is represented only by its hash.
type accessRecord struct {
	ID             string    `json:"id"`
	TokenHash      string    `json:"token_hash"`
	UserID         string    `json:"user_id"`
	ClientID       string    `json:"client_id"`
	Scope          []string  `json:"scope"`
	ExpiresAt      time.Time `json:"expires_at"`
	Revoked        bool      `json:"revoked"`
	RefreshTokenID string    `json:"refresh_token_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r *accessRecord) toModel(token string) *storage.AccessToken {
	return &storage.AccessToken{
		ID:             r.ID,
		Token:          token,
		UserID:         r.UserID,
		ClientID:       r.ClientID,
		Scope:          r.Scope,
		ExpiresAt:      r.ExpiresAt,
		Revoked:        r.Revoked,
		RefreshTokenID: r.RefreshTokenID,
		CreatedAt:      r.CreatedAt,
	}
}

type refreshRecord struct {
	ID         string    `json:"id"`
	TokenHash  string    `json:"token_hash"`
	UserID     string    `json:"user_id"`
	ClientID   string    `json:"client_id"`
	Scope      []string  `json:"scope"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	ParentID   string    `json:"parent_id,omitempty"`
	ReplacedBy string    `json:"replaced_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *refreshRecord) toModel(token string) *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:         r.ID,
		Token:      token,
		UserID:     r.UserID,
		ClientID:   r.ClientID,
		Scope:      r.Scope,
		ExpiresAt:  r.ExpiresAt,
		Revoked:    r.Revoked,
		ParentID:   r.ParentID,
		ReplacedBy: r.ReplacedBy,
		CreatedAt:  r.CreatedAt,
	}
}

// linkKey builds the composite key of the one-to-many index buckets.
func linkKey(owner, member string) []byte {
	return []byte(owner + "\x00" + member)
}

// linkValue is stored under every index key; only the key carries data.
var linkValue = []byte{1}

func linkPrefix(owner string) []byte {
	return []byte(owner + "\x00")
}

// tx adapts a read-write bbolt transaction to storage.TokenTx.
type tx struct {
	btx *bbolt.Tx
}

var (
	_ storage.TokenTx                = (*tx)(nil)
	_ storage.AccessTokenRepository  = accessRepo{}
	_ storage.RefreshTokenRepository = refreshRepo{}
)

func (t *tx) AccessTokens() storage.AccessTokenRepository   { return accessRepo{t} }
func (t *tx) RefreshTokens() storage.RefreshTokenRepository { return refreshRepo{t} }

func (t *tx) getAccess(id string) (*accessRecord, error) {
	v := t.btx.Bucket(accessBucket).Get([]byte(id))
	if v == nil {
		return nil, storage.ErrNotFound
	}
	var rec accessRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decoding access token %s: %w", id, err)
	}
	return &rec, nil
}

func (t *tx) putAccess(rec *accessRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.btx.Bucket(accessBucket).Put([]byte(rec.ID), data)
}

func (t *tx) deleteAccess(rec *accessRecord) error {
	if err := t.btx.Bucket(accessBucket).Delete([]byte(rec.ID)); err != nil {
		return err
	}
	if err := t.btx.Bucket(accessByHashBucket).Delete([]byte(rec.TokenHash)); err != nil {
		return err
	}
	if rec.RefreshTokenID != "" {
		return t.btx.Bucket(accessByRefreshBucket).Delete(linkKey(rec.RefreshTokenID, rec.ID))
	}
	return nil
}

func (t *tx) getRefresh(id string) (*refreshRecord, error) {
	v := t.btx.Bucket(refreshBucket).Get([]byte(id))
	if v == nil {
		return nil, storage.ErrNotFound
	}
	var rec refreshRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decoding refresh token %s: %w", id, err)
	}
	return &rec, nil
}

func (t *tx) putRefresh(rec *refreshRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.btx.Bucket(refreshBucket).Put([]byte(rec.ID), data)
}

func (t *tx) deleteRefresh(rec *refreshRecord) error {
	if err := t.btx.Bucket(refreshBucket).Delete([]byte(rec.ID)); err != nil {
		return err
	}
	if err := t.btx.Bucket(refreshByHashBucket).Delete([]byte(rec.TokenHash)); err != nil {
		return err
	}
	if rec.ParentID != "" {
		return t.btx.Bucket(refreshChildrenBucket).Delete(linkKey(rec.ParentID, rec.ID))
	}
	return nil
}

// members lists the member IDs linked to owner in an index bucket.
func (t *tx) members(bucket []byte, owner string) []string {
	prefix := linkPrefix(owner)
	var ids []string
	c := t.btx.Bucket(bucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

// ============================================================
// Access tokens
// ============================================================

type accessRepo struct{ t *tx }

func (r accessRepo) CreateAccessToken(_ context.Context, token *storage.AccessToken) error {
	hash := storage.HashToken(token.Token)
	byHash := r.t.btx.Bucket(accessByHashBucket)
	if byHash.Get([]byte(hash)) != nil || r.t.btx.Bucket(accessBucket).Get([]byte(token.ID)) != nil {
		return storage.ErrAlreadyExists
	}

	rec := &accessRecord{
		ID:             token.ID,
		TokenHash:      hash,
		UserID:         token.UserID,
		ClientID:       token.ClientID,
		Scope:          token.Scope,
		ExpiresAt:      token.ExpiresAt,
		Revoked:        token.Revoked,
		RefreshTokenID: token.RefreshTokenID,
		CreatedAt:      token.CreatedAt,
	}
	if err := r.t.putAccess(rec); err != nil {
		return err
	}
	if err := byHash.Put([]byte(hash), []byte(token.ID)); err != nil {
		return err
	}
	if token.RefreshTokenID != "" {
		return r.t.btx.Bucket(accessByRefreshBucket).Put(linkKey(token.RefreshTokenID, token.ID), linkValue)
	}
	return nil
}

func (r accessRepo) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	id := r.t.btx.Bucket(accessByHashBucket).Get([]byte(storage.HashToken(token)))
	if id == nil {
		return nil, storage.ErrNotFound
	}
	rec, err := r.t.getAccess(string(id))
	if err != nil {
		return nil, err
	}
	return rec.toModel(token), nil
}

func (r accessRepo) RevokeAccessToken(_ context.Context, id string) error {
	rec, err := r.t.getAccess(id)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return nil
	}
	rec.Revoked = true
	return r.t.putAccess(rec)
}

func (r accessRepo) RevokeAccessTokensByRefreshTokenIDs(_ context.Context, refreshTokenIDs []string) (int, error) {
	revoked := 0
	for _, refreshID := range refreshTokenIDs {
		for _, accessID := range r.t.members(accessByRefreshBucket, refreshID) {
			rec, err := r.t.getAccess(accessID)
			if err != nil {
				return revoked, err
			}
			if rec.Revoked {
				continue
			}
			rec.Revoked = true
			if err := r.t.putAccess(rec); err != nil {
				return revoked, err
			}
			revoked++
		}
	}
	return revoked, nil
}

// ============================================================
// Refresh tokens
// ============================================================

type refreshRepo struct{ t *tx }

func (r refreshRepo) CreateRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	hash := storage.HashToken(token.Token)
	byHash := r.t.btx.Bucket(refreshByHashBucket)
	if byHash.Get([]byte(hash)) != nil || r.t.btx.Bucket(refreshBucket).Get([]byte(token.ID)) != nil {
		return storage.ErrAlreadyExists
	}

	rec := &refreshRecord{
		ID:         token.ID,
		TokenHash:  hash,
		UserID:     token.UserID,
		ClientID:   token.ClientID,
		Scope:      token.Scope,
		ExpiresAt:  token.ExpiresAt,
		Revoked:    token.Revoked,
		ParentID:   token.ParentID,
		ReplacedBy: token.ReplacedBy,
		CreatedAt:  token.CreatedAt,
	}
	if err := r.t.putRefresh(rec); err != nil {
		return err
	}
	if err := byHash.Put([]byte(hash), []byte(token.ID)); err != nil {
		return err
	}
	if token.ParentID != "" {
		return r.t.btx.Bucket(refreshChildrenBucket).Put(linkKey(token.ParentID, token.ID), linkValue)
	}
	return nil
}

// GetRefreshTokenForUpdate needs no explicit lock: bbolt admits one
// read-write transaction at a time.
func (r refreshRepo) GetRefreshTokenForUpdate(_ context.Context, token string) (*storage.RefreshToken, error) {
	id := r.t.btx.Bucket(refreshByHashBucket).Get([]byte(storage.HashToken(token)))
	if id == nil {
		return nil, storage.ErrNotFound
	}
	rec, err := r.t.getRefresh(string(id))
	if err != nil {
		return nil, err
	}
	return rec.toModel(token), nil
}

func (r refreshRepo) ListRefreshChildren(_ context.Context, parentID string) ([]*storage.RefreshToken, error) {
	var children []*storage.RefreshToken
	for _, childID := range r.t.members(refreshChildrenBucket, parentID) {
		rec, err := r.t.getRefresh(childID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		children = append(children, rec.toModel(""))
	}
	return children, nil
}

func (r refreshRepo) MarkRefreshTokenReplaced(_ context.Context, id, replacedBy string) error {
	rec, err := r.t.getRefresh(id)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return storage.ErrConflict
	}
	rec.Revoked = true
	rec.ReplacedBy = replacedBy
	return r.t.putRefresh(rec)
}

func (r refreshRepo) RevokeRefreshTokens(_ context.Context, ids []string) (int, error) {
	revoked := 0
	for _, id := range ids {
		rec, err := r.t.getRefresh(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return revoked, err
		}
		if rec.Revoked {
			continue
		}
		rec.Revoked = true
		if err := r.t.putRefresh(rec); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}
