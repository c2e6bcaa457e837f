package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"
)

// Sentinel errors shared by every storage backend.
var (
	// ErrNotFound is returned when a token, client or setting does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthorizationCodeNotFound is returned for unknown, expired and
	// already redeemed authorization codes alike.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAlreadyExists is returned when a unique key is inserted twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when a compare-and-swap loses to a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
)

// AuthorizationCode is the grant context bound to an issued authorization code.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	UserID              string    `json:"user_id"`
	Scope               []string  `json:"scope"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpiredAt reports whether the code is no longer redeemable at now.
func (c *AuthorizationCode) IsExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// AccessToken is an issued opaque access token.
type AccessToken struct {
	ID     string
	Token  string
	UserID string

	ClientID  string
	Scope     []string
	ExpiresAt time.Time
	Revoked   bool

	// RefreshTokenID links the token to the refresh token it was minted
	// with. Empty for standalone tokens.
	RefreshTokenID string

	CreatedAt time.Time
}

// RefreshToken is an issued opaque refresh token and its place in a lineage.
type RefreshToken struct {
	ID        string
	Token     string
	UserID    string
	ClientID  string
	Scope     []string
	ExpiresAt time.Time
	Revoked   bool

	// ParentID is the token this one was rotated from. Empty for the root
	// issued by the authorization code exchange.
	ParentID string

	// ReplacedBy is the token that superseded this one on rotation.
	ReplacedBy string

	CreatedAt time.Time
}

// TokenPair is the result of issuing or rotating tokens. It is never persisted.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        []string
}

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client represents a registered client application.
type Client struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"` // bcrypt hash
	ClientType       string    `json:"client_type"`                  // "public" or "confidential"
	ClientName       string    `json:"client_name,omitempty"`
	RedirectURIs     []string  `json:"redirect_uris"`
	GrantTypes       []string  `json:"grant_types,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsPublic reports whether the client authenticates by client_id alone.
func (c *Client) IsPublic() bool {
	return c.ClientType != ClientTypeConfidential
}

// HashToken returns the lookup key stored in place of a bearer secret.
// Backends index tokens by this value so raw secrets never reach disk.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
