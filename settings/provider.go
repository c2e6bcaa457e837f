// Package settings reads runtime tunables from a key/value settings store.
//
// Values are cached per key for DefaultCacheTTL so that the token endpoint
// does not hit the store on every request. A missing key or a failing store
// yields the caller's default; the token lifecycle never fails because a
// setting could not be read.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/giantswarm/oidc-server/storage"
)

// Setting keys understood by the server.
const (
	KeyAccessTokenTTL       = "ttl_access_token"
	KeyRefreshTokenTTL      = "ttl_refresh_token"
	KeyAuthorizationCodeTTL = "ttl_authorization_code"
)

// DefaultCacheTTL is how long a value read from the store is reused.
const DefaultCacheTTL = 60 * time.Second

type entry struct {
	value    string
	found    bool
	cachedAt time.Time
}

// Provider is a read-through cache over a storage.SettingsStore.
// It is safe for concurrent use.
type Provider struct {
	store    storage.SettingsStore
	logger   *slog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// New creates a provider. A nil store makes every lookup return its default.
func New(store storage.SettingsStore, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:    store,
		logger:   logger,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
		entries:  make(map[string]entry),
	}
}

// SetCacheTTL overrides DefaultCacheTTL. Zero or negative disables caching.
func (p *Provider) SetCacheTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cacheTTL = ttl
	clear(p.entries)
}

// Get returns the value stored for key, or def when it is unset or unreadable.
func (p *Provider) Get(ctx context.Context, key, def string) string {
	if p == nil || p.store == nil {
		return def
	}

	if e, ok := p.cached(key); ok {
		if !e.found {
			return def
		}
		return e.value
	}

	value, err := p.store.GetSetting(ctx, key)
	switch {
	case err == nil:
		p.remember(key, entry{value: value, found: true})
		return value
	case errors.Is(err, storage.ErrNotFound):
		p.remember(key, entry{})
		return def
	default:
		// Store errors are not cached so the next call retries.
		p.logger.Warn("Failed to read setting, using default",
			"key", key,
			"default", def,
			"error", err)
		return def
	}
}

// Seconds reads key as an integer number of seconds. Unparsable or
// non-positive values fall back to def.
func (p *Provider) Seconds(ctx context.Context, key string, def time.Duration) time.Duration {
	raw := p.Get(ctx, key, "")
	if raw == "" {
		return def
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		p.logger.Warn("Ignoring invalid duration setting",
			"key", key,
			"value", raw,
			"default_seconds", int64(def.Seconds()))
		return def
	}

	return time.Duration(n) * time.Second
}

// Invalidate drops the cached value for key so the next Get reads the store.
func (p *Provider) Invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

func (p *Provider) cached(key string) (entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[key]
	if !ok || p.cacheTTL <= 0 {
		return entry{}, false
	}
	if p.now().Sub(e.cachedAt) >= p.cacheTTL {
		return entry{}, false
	}
	return e, true
}

func (p *Provider) remember(key string, e entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cacheTTL <= 0 {
		return
	}
	e.cachedAt = p.now()
	p.entries[key] = e
}
