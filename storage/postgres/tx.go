package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oidc-server/storage"
)

// tx adapts a pgx transaction to storage.TokenTx.
type tx struct {
	q pgx.Tx
}

var (
	_ storage.TokenTx                = (*tx)(nil)
	_ storage.AccessTokenRepository  = accessRepo{}
	_ storage.RefreshTokenRepository = refreshRepo{}
)

func (t *tx) AccessTokens() storage.AccessTokenRepository   { return accessRepo{t.q} }
func (t *tx) RefreshTokens() storage.RefreshTokenRepository { return refreshRepo{t.q} }

// ============================================================
// Access tokens
// ============================================================

type accessRepo struct{ q pgx.Tx }

func (r accessRepo) CreateAccessToken(ctx context.Context, token *storage.AccessToken) error {
	const op = "postgres.CreateAccessToken"

	query := `
		INSERT INTO access_tokens
			(id, token_hash, user_id, client_id, scope, expires_at, revoked, refresh_token_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
	`

	_, err := r.q.Exec(ctx, query,
		token.ID,
		storage.HashToken(token.Token),
		token.UserID,
		token.ClientID,
		nonNil(token.Scope),
		token.ExpiresAt,
		token.Revoked,
		token.RefreshTokenID,
		token.CreatedAt,
	)
	if err != nil {
		return mapInsertError(op, err)
	}

	return nil
}

func (r accessRepo) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	const op = "postgres.GetAccessToken"

	query := `
		SELECT id, user_id, client_id, scope, expires_at, revoked, COALESCE(refresh_token_id, ''), created_at
		FROM access_tokens
		WHERE token_hash = $1
	`

	at := storage.AccessToken{Token: token}
	err := r.q.QueryRow(ctx, query, storage.HashToken(token)).Scan(
		&at.ID,
		&at.UserID,
		&at.ClientID,
		&at.Scope,
		&at.ExpiresAt,
		&at.Revoked,
		&at.RefreshTokenID,
		&at.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &at, nil
}

func (r accessRepo) RevokeAccessToken(ctx context.Context, id string) error {
	const op = "postgres.RevokeAccessToken"

	tag, err := r.q.Exec(ctx, `UPDATE access_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

func (r accessRepo) RevokeAccessTokensByRefreshTokenIDs(ctx context.Context, refreshTokenIDs []string) (int, error) {
	const op = "postgres.RevokeAccessTokensByRefreshTokenIDs"

	if len(refreshTokenIDs) == 0 {
		return 0, nil
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE access_tokens SET revoked = TRUE
		WHERE refresh_token_id = ANY($1) AND revoked = FALSE
	`, refreshTokenIDs)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return int(tag.RowsAffected()), nil
}

// ============================================================
// Refresh tokens
// ============================================================

type refreshRepo struct{ q pgx.Tx }

const refreshColumns = `id, user_id, client_id, scope, expires_at, revoked,
	COALESCE(parent_id, ''), COALESCE(replaced_by, ''), created_at`

func scanRefresh(row pgx.Row, rt *storage.RefreshToken) error {
	return row.Scan(
		&rt.ID,
		&rt.UserID,
		&rt.ClientID,
		&rt.Scope,
		&rt.ExpiresAt,
		&rt.Revoked,
		&rt.ParentID,
		&rt.ReplacedBy,
		&rt.CreatedAt,
	)
}

func (r refreshRepo) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	const op = "postgres.CreateRefreshToken"

	query := `
		INSERT INTO refresh_tokens
			(id, token_hash, user_id, client_id, scope, expires_at, revoked, parent_id, replaced_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)
	`

	_, err := r.q.Exec(ctx, query,
		token.ID,
		storage.HashToken(token.Token),
		token.UserID,
		token.ClientID,
		nonNil(token.Scope),
		token.ExpiresAt,
		token.Revoked,
		token.ParentID,
		token.ReplacedBy,
		token.CreatedAt,
	)
	if err != nil {
		return mapInsertError(op, err)
	}

	return nil
}

func (r refreshRepo) GetRefreshTokenForUpdate(ctx context.Context, token string) (*storage.RefreshToken, error) {
	const op = "postgres.GetRefreshTokenForUpdate"

	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`

	rt := storage.RefreshToken{Token: token}
	if err := scanRefresh(r.q.QueryRow(ctx, query, storage.HashToken(token)), &rt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &rt, nil
}

func (r refreshRepo) ListRefreshChildren(ctx context.Context, parentID string) ([]*storage.RefreshToken, error) {
	const op = "postgres.ListRefreshChildren"

	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens
		WHERE parent_id = $1
		FOR UPDATE`

	rows, err := r.q.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var children []*storage.RefreshToken
	for rows.Next() {
		var rt storage.RefreshToken
		if err := scanRefresh(rows, &rt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		children = append(children, &rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return children, nil
}

func (r refreshRepo) MarkRefreshTokenReplaced(ctx context.Context, id, replacedBy string) error {
	const op = "postgres.MarkRefreshTokenReplaced"

	tag, err := r.q.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, replaced_by = $2
		WHERE id = $1 AND revoked = FALSE
	`, id, replacedBy)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, storage.ErrConflict)
}

func (r refreshRepo) RevokeRefreshTokens(ctx context.Context, ids []string) (int, error) {
	const op = "postgres.RevokeRefreshTokens"

	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE id = ANY($1) AND revoked = FALSE
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return int(tag.RowsAffected()), nil
}
