package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/storage"
)

type countingStore struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	reads  int
}

func (s *countingStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *countingStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func newTestProvider(store storage.SettingsStore) (*Provider, *testutil.MockTime) {
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = clock.Now
	return p, clock
}

func TestProvider_Get(t *testing.T) {
	store := &countingStore{values: map[string]string{KeyAccessTokenTTL: "900"}}
	p, _ := newTestProvider(store)
	ctx := context.Background()

	if got := p.Get(ctx, KeyAccessTokenTTL, "1800"); got != "900" {
		t.Errorf("Get() = %q, want %q", got, "900")
	}
	if got := p.Get(ctx, "missing", "fallback"); got != "fallback" {
		t.Errorf("Get(missing) = %q, want %q", got, "fallback")
	}
}

func TestProvider_CachesForTTL(t *testing.T) {
	store := &countingStore{values: map[string]string{KeyAccessTokenTTL: "900"}}
	p, clock := newTestProvider(store)
	ctx := context.Background()

	p.Get(ctx, KeyAccessTokenTTL, "")
	store.set(KeyAccessTokenTTL, "60")

	if got := p.Get(ctx, KeyAccessTokenTTL, ""); got != "900" {
		t.Errorf("Get() within cache TTL = %q, want cached %q", got, "900")
	}
	if store.reads != 1 {
		t.Errorf("store reads = %d, want 1", store.reads)
	}

	clock.Advance(DefaultCacheTTL)
	if got := p.Get(ctx, KeyAccessTokenTTL, ""); got != "60" {
		t.Errorf("Get() after cache TTL = %q, want %q", got, "60")
	}
	if store.reads != 2 {
		t.Errorf("store reads = %d, want 2", store.reads)
	}
}

func TestProvider_CachesMissingKeys(t *testing.T) {
	store := &countingStore{values: map[string]string{}}
	p, _ := newTestProvider(store)
	ctx := context.Background()

	p.Get(ctx, "missing", "a")
	p.Get(ctx, "missing", "b")

	if store.reads != 1 {
		t.Errorf("store reads = %d, want 1", store.reads)
	}
}

func TestProvider_StoreErrorFallsBackWithoutCaching(t *testing.T) {
	store := &countingStore{values: map[string]string{}, err: errors.New("connection refused")}
	p, _ := newTestProvider(store)
	ctx := context.Background()

	if got := p.Get(ctx, KeyAccessTokenTTL, "1800"); got != "1800" {
		t.Errorf("Get() = %q, want default", got)
	}
	p.Get(ctx, KeyAccessTokenTTL, "1800")

	if store.reads != 2 {
		t.Errorf("store reads = %d, want 2 (errors must not be cached)", store.reads)
	}
}

func TestProvider_Invalidate(t *testing.T) {
	store := &countingStore{values: map[string]string{KeyRefreshTokenTTL: "100"}}
	p, _ := newTestProvider(store)
	ctx := context.Background()

	p.Get(ctx, KeyRefreshTokenTTL, "")
	store.set(KeyRefreshTokenTTL, "200")
	p.Invalidate(KeyRefreshTokenTTL)

	if got := p.Get(ctx, KeyRefreshTokenTTL, ""); got != "200" {
		t.Errorf("Get() after Invalidate = %q, want %q", got, "200")
	}
}

func TestProvider_Seconds(t *testing.T) {
	tests := []struct {
		name  string
		value string
		set   bool
		want  time.Duration
	}{
		{"configured", "900", true, 900 * time.Second},
		{"missing", "", false, 30 * time.Minute},
		{"not a number", "ten", true, 30 * time.Minute},
		{"zero", "0", true, 30 * time.Minute},
		{"negative", "-5", true, 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingStore{values: map[string]string{}}
			if tt.set {
				store.values[KeyAccessTokenTTL] = tt.value
			}
			p, _ := newTestProvider(store)

			if got := p.Seconds(context.Background(), KeyAccessTokenTTL, 30*time.Minute); got != tt.want {
				t.Errorf("Seconds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProvider_NilStore(t *testing.T) {
	p := New(nil, nil)
	if got := p.Get(context.Background(), KeyAccessTokenTTL, "1800"); got != "1800" {
		t.Errorf("Get() = %q, want default", got)
	}

	var nilProvider *Provider
	if got := nilProvider.Seconds(context.Background(), KeyAccessTokenTTL, time.Minute); got != time.Minute {
		t.Errorf("nil provider Seconds() = %v, want default", got)
	}
}

func TestProvider_DisabledCache(t *testing.T) {
	store := &countingStore{values: map[string]string{KeyAccessTokenTTL: "900"}}
	p, _ := newTestProvider(store)
	p.SetCacheTTL(0)

	p.Get(context.Background(), KeyAccessTokenTTL, "")
	p.Get(context.Background(), KeyAccessTokenTTL, "")

	if store.reads != 2 {
		t.Errorf("store reads = %d, want 2", store.reads)
	}
}
