package storage

import (
	"context"
	"time"
)

// CodeStore holds short-lived, single-use authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode stores an issued authorization code until its ExpiresAt.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ValidateAuthorizationCode returns the code and removes it in one atomic step.
	// Unknown, expired and already redeemed codes all return ErrAuthorizationCodeNotFound.
	// SECURITY: concurrent callers presenting the same code must see exactly one success.
	ValidateAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore persists issued access and refresh tokens.
//
// Every mutation happens inside WithinTx so that the writes of one token
// endpoint call commit or roll back together. Implementations must serialize
// the rotation of a given refresh token, either by row locking or with the
// compare-and-swap in RefreshTokenRepository.MarkRefreshTokenReplaced.
type TokenStore interface {
	// WithinTx runs fn inside a unit of work. If fn returns an error the
	// unit of work is rolled back and the error is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx TokenTx) error) error

	// DeleteExpired physically removes access and refresh tokens whose
	// ExpiresAt is before now, in one transaction.
	DeleteExpired(ctx context.Context, now time.Time) (accessDeleted, refreshDeleted int, err error)
}

// TokenTx is the view of the token tables available inside WithinTx.
type TokenTx interface {
	AccessTokens() AccessTokenRepository
	RefreshTokens() RefreshTokenRepository
}

// AccessTokenRepository stores opaque access tokens.
type AccessTokenRepository interface {
	// CreateAccessToken persists a new access token.
	CreateAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken looks a token up by its bearer secret. Returns ErrNotFound if absent.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken marks a single access token revoked. Revoking an
	// already revoked token is not an error.
	RevokeAccessToken(ctx context.Context, id string) error

	// RevokeAccessTokensByRefreshTokenIDs revokes every access token minted
	// alongside one of the given refresh tokens and returns how many changed.
	RevokeAccessTokensByRefreshTokenIDs(ctx context.Context, refreshTokenIDs []string) (int, error)
}

// RefreshTokenRepository stores opaque refresh tokens and their lineage links.
type RefreshTokenRepository interface {
	// CreateRefreshToken persists a new refresh token.
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshTokenForUpdate looks a token up by its bearer secret and, on
	// backends that support it, locks the row until the unit of work ends.
	// Returns ErrNotFound if absent.
	GetRefreshTokenForUpdate(ctx context.Context, token string) (*RefreshToken, error)

	// ListRefreshChildren returns every token whose ParentID is parentID,
	// revoked or not. Lineage walks must pass through rotated tokens to reach
	// the live ones below them.
	ListRefreshChildren(ctx context.Context, parentID string) ([]*RefreshToken, error)

	// MarkRefreshTokenReplaced flips a non-revoked token to revoked and
	// records its successor. Returns ErrConflict when the token was already
	// revoked, which means another rotation won the race.
	MarkRefreshTokenReplaced(ctx context.Context, id, replacedBy string) error

	// RevokeRefreshTokens marks the given tokens revoked and returns how many
	// were not revoked before the call.
	RevokeRefreshTokens(ctx context.Context, ids []string) (int, error)
}

// ClientStore is the read side of the client application registry.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// SettingsStore is the key/value source behind the settings provider.
type SettingsStore interface {
	// GetSetting returns the raw value for key, or ErrNotFound if it is unset.
	GetSetting(ctx context.Context, key string) (string, error)
}
