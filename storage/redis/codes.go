// Package redis provides a Redis-backed authorization code store.
//
// Codes are written with SET ... PX so Redis expires them on its own, and
// redeemed with GETDEL so exactly one concurrent caller receives the record.
// Keys carry storage.HashToken(code), never the raw code.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-server/storage"
)

// DefaultPrefix namespaces authorization code keys.
const DefaultPrefix = "oidc:code"

// ErrBackend wraps failures of the Redis connection itself.
var ErrBackend = errors.New("authorization code backend unavailable")

// CodeStore implements storage.CodeStore on Redis.
type CodeStore struct {
	redis  goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.CodeStore = (*CodeStore)(nil)

// NewCodeStore creates a code store. An empty prefix selects DefaultPrefix.
func NewCodeStore(client goredis.UniversalClient, prefix string) *CodeStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &CodeStore{
		redis:  client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *CodeStore) key(code string) string {
	return s.prefix + ":" + storage.HashToken(code)
}

// SaveAuthorizationCode stores the code until its ExpiresAt.
func (s *CodeStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	ttl := code.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("encoding authorization code: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, s.key(code.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}

	return nil
}

// ValidateAuthorizationCode redeems the code with GETDEL. The expiry is
// checked again after decoding because Redis key expiry has millisecond
// granularity and may lag behind ExpiresAt.
func (s *CodeStore) ValidateAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.redis.GetDel(ctx, s.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	var authCode storage.AuthorizationCode
	if err := json.Unmarshal(data, &authCode); err != nil {
		return nil, fmt.Errorf("decoding authorization code: %w", err)
	}

	if authCode.IsExpiredAt(s.now()) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	return &authCode, nil
}
