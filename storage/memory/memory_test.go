package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/storagetest"
	"github.com/giantswarm/oidc-server/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	t.Cleanup(store.Stop)
	return store
}

func TestStore_TokenStore(t *testing.T) {
	storagetest.RunTokenStoreTests(t, func(t *testing.T) storage.TokenStore {
		return newTestStore(t)
	})
}

func TestStore_Registry(t *testing.T) {
	storagetest.RunRegistryTests(t, newTestStore(t))
}

func testCode(code string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		UserID:              "user-1",
		Scope:               []string{"openid"},
		CreatedAt:           time.Now(),
		ExpiresAt:           expiresAt,
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_AuthorizationCode_SingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, testCode("code-1", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ValidateAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ValidateAuthorizationCode() error = %v", err)
	}
	if got.ClientID != "client-1" || got.UserID != "user-1" || got.CodeChallenge != "challenge" {
		t.Errorf("ValidateAuthorizationCode() = %+v, want stored grant context", got)
	}

	if _, err := store.ValidateAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("second ValidateAuthorizationCode() error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestStore_AuthorizationCode_Invalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, nil); err == nil {
		t.Error("SaveAuthorizationCode(nil) should return error")
	}
	if err := store.SaveAuthorizationCode(ctx, testCode("", time.Now().Add(time.Minute))); err == nil {
		t.Error("SaveAuthorizationCode() with empty code should return error")
	}

	if err := store.SaveAuthorizationCode(ctx, testCode("dup", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := store.SaveAuthorizationCode(ctx, testCode("dup", time.Now().Add(time.Minute))); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("SaveAuthorizationCode(duplicate) error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_AuthorizationCode_Expired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, testCode("stale", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if _, err := store.ValidateAuthorizationCode(ctx, "stale"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("ValidateAuthorizationCode(expired) error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if n := store.codesCountAtomic.Load(); n != 0 {
		t.Errorf("codes count = %d, want expired code purged", n)
	}
}

func TestStore_AuthorizationCode_ConcurrentRedemption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveAuthorizationCode(ctx, testCode("contended", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ValidateAuthorizationCode(ctx, "contended"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful redemptions = %d, want 1", successes)
	}
}

func TestStore_CleanupCodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.SaveAuthorizationCode(ctx, testCode("live", now.Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := store.SaveAuthorizationCode(ctx, testCode("dead", now.Add(-time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if cleaned := store.cleanupCodes(now); cleaned != 1 {
		t.Errorf("cleanupCodes() = %d, want 1", cleaned)
	}
	if _, err := store.ValidateAuthorizationCode(ctx, "live"); err != nil {
		t.Errorf("live code removed by cleanup: %v", err)
	}
}

// ============================================================
// Lifecycle Tests
// ============================================================

func TestStore_StopIdempotent(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	store.Stop()
	store.Stop()
}

func TestStore_NewWithInterval_Default(t *testing.T) {
	store := NewWithInterval(0)
	defer store.Stop()

	if store.cleanupInterval != time.Minute {
		t.Errorf("cleanupInterval = %v, want %v", store.cleanupInterval, time.Minute)
	}
}

func TestStore_GetClient_ReturnsCopy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveClient(ctx, &storage.Client{ClientID: "c", ClientType: storage.ClientTypePublic}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, "c")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	got.ClientType = storage.ClientTypeConfidential

	again, err := store.GetClient(ctx, "c")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if again.ClientType != storage.ClientTypePublic {
		t.Error("mutating a returned client changed the stored client")
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	store := newTestStore(t)
	store.SetInstrumentation(inst)

	ctx := context.Background()
	if err := store.SaveAuthorizationCode(ctx, testCode("traced", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if store.tracer == nil {
		t.Error("tracer not set")
	}
	if n := store.codesCountAtomic.Load(); n != 1 {
		t.Errorf("codes count = %d, want 1", n)
	}
}

func TestStore_StorageSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := newTestStore(t)
	store.tracer = tp.Tracer("storage")

	if err := store.SaveAuthorizationCode(context.Background(), testCode("spanned", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	span := ended[0]
	if span.Name() != "storage.save_authorization_code" {
		t.Errorf("span name = %q", span.Name())
	}

	got := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		got[kv.Key] = kv.Value.Emit()
	}
	if got[instrumentation.AttrStorageOperation] != "save_authorization_code" {
		t.Errorf("%s = %q", instrumentation.AttrStorageOperation, got[instrumentation.AttrStorageOperation])
	}
	if got[instrumentation.AttrStorageType] != "memory" {
		t.Errorf("%s = %q, want memory", instrumentation.AttrStorageType, got[instrumentation.AttrStorageType])
	}
}
