package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-server/storage"
)

// Fixture values shared by tests across packages.
const (
	TestClientID     = "test-client-id"
	TestClientSecret = "test-client-secret"
	TestRedirectURI  = "https://app.example.com/callback"
	TestUserID       = "test-user-123"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
	rsaKeyErr  error
)

// RSAKey returns a 2048-bit key shared by every test in the binary, since
// generating one per test is slow.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		rsaKey, rsaKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if rsaKeyErr != nil {
		t.Fatalf("generating RSA key: %v", rsaKeyErr)
	}
	return rsaKey
}

// PublicClient returns a public client registered for TestRedirectURI.
func PublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:     clientID,
		ClientType:   storage.ClientTypePublic,
		ClientName:   "Test Public Client",
		RedirectURIs: []string{TestRedirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		CreatedAt:    time.Now(),
	}
}

// ConfidentialClient returns a confidential client whose secret hash
// matches secret. bcrypt runs at minimum cost to keep tests fast.
func ConfidentialClient(t testing.TB, clientID, secret string) *storage.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing client secret: %v", err)
	}
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: string(hash),
		ClientType:       storage.ClientTypeConfidential,
		ClientName:       "Test Confidential Client",
		RedirectURIs:     []string{TestRedirectURI},
		GrantTypes:       []string{"authorization_code", "refresh_token"},
		Scopes:           []string{"openid", "email", "profile"},
		CreatedAt:        time.Now(),
	}
}

// AuthorizationCode returns a pending code bound to the given challenge,
// expiring ttl after now.
func AuthorizationCode(clientID, challenge string, now time.Time, ttl time.Duration) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            clientID,
		RedirectURI:         TestRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              TestUserID,
		Scope:               []string{"openid", "email"},
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

// PostForm serves a form-encoded POST through handler.
func PostForm(handler http.Handler, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t testing.TB, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
