package oauth

import (
	"testing"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/storage/memory"
)

func TestNewServer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	km, err := keys.NewManager(testutil.RSAKey(t), "")
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}

	srv, err := NewServer(store, store, store, store, km, &ServerConfig{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv == nil {
		t.Fatal("NewServer() returned nil")
	}
	if srv.Keys().KeyID() == "" {
		t.Error("key ID should default to the key thumbprint")
	}
}

func TestNewServer_RequiresIssuer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	km, err := keys.NewManager(testutil.RSAKey(t), "")
	if err != nil {
		t.Fatalf("keys.NewManager() error = %v", err)
	}

	if _, err := NewServer(store, store, store, store, km, &ServerConfig{}, nil); err == nil {
		t.Error("NewServer() expected error for missing issuer")
	}
}
