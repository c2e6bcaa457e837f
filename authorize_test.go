package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/memory"
)

const testUserHeader = "X-Forwarded-User"

func setupAuthorizeHandler(t *testing.T) *testHandler {
	t.Helper()
	return setupTestHandler(t, handlerOptions{
		handlerConfig: &Config{Authenticator: HeaderAuthenticator{Header: testUserHeader}},
	})
}

func authorizeQuery(challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testutil.TestClientID},
		"redirect_uri":          {testutil.TestRedirectURI},
		"scope":                 {"openid email"},
		"state":                 {"af0ifjsldkj"},
		"code_challenge":        {challenge},
		"code_challenge_method": {server.PKCEMethodS256},
	}
}

func getAuthorize(h http.Handler, query url.Values, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+query.Encode(), nil)
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// redirectQuery returns the query of the 302 target after checking that it
// points at the registered redirect URI.
func redirectQuery(t *testing.T, rr *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %s)", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testutil.TestRedirectURI {
		t.Fatalf("redirect target = %q, want %q", got, testutil.TestRedirectURI)
	}
	return loc.Query()
}

func TestServeAuthorize_CodeFlow(t *testing.T) {
	th := setupAuthorizeHandler(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	rr := getAuthorize(th.mux, authorizeQuery(challenge), testutil.TestUserID)
	query := redirectQuery(t, rr)

	if query.Get("state") != "af0ifjsldkj" {
		t.Errorf("state = %q, want it echoed", query.Get("state"))
	}
	code := query.Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", rr.Header().Get("Cache-Control"))
	}

	tokenRR := testutil.PostForm(th.mux, PathToken, codeForm(testutil.TestClientID, code, verifier), nil)
	if tokenRR.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", tokenRR.Code, tokenRR.Body.String())
	}
	tokens := decodeJSON[TokenResponse](t, tokenRR)
	if got := th.introspect(t, tokens.AccessToken); !got.Active || got.Subject != testutil.TestUserID {
		t.Errorf("introspect = %+v, want active token for %s", got, testutil.TestUserID)
	}
}

func TestServeAuthorize_PostForm(t *testing.T) {
	th := setupAuthorizeHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	rr := testutil.PostForm(th.mux, PathAuthorize, authorizeQuery(challenge), http.Header{testUserHeader: {testutil.TestUserID}})
	if query := redirectQuery(t, rr); query.Get("code") == "" {
		t.Error("redirect carries no code")
	}
}

func TestServeAuthorize_UntrustedRedirect(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{
			name:   "unknown client",
			mutate: func(q url.Values) { q.Set("client_id", "unknown-client") },
		},
		{
			name:   "unregistered redirect uri",
			mutate: func(q url.Values) { q.Set("redirect_uri", "https://evil.example.com/callback") },
		},
		{
			name:   "missing redirect uri",
			mutate: func(q url.Values) { q.Del("redirect_uri") },
		},
		{
			name:   "missing client id",
			mutate: func(q url.Values) { q.Del("client_id") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := setupAuthorizeHandler(t)
			challenge, _ := testutil.GeneratePKCEPair()
			query := authorizeQuery(challenge)
			tt.mutate(query)

			rr := getAuthorize(th.mux, query, testutil.TestUserID)

			assertOAuthError(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)
			if loc := rr.Header().Get("Location"); loc != "" {
				t.Errorf("Location = %q, want no redirect", loc)
			}
		})
	}
}

func TestServeAuthorize_ErrorRedirects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantCode string
	}{
		{
			name:     "missing code challenge",
			mutate:   func(q url.Values) { q.Del("code_challenge") },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain challenge method",
			mutate:   func(q url.Values) { q.Set("code_challenge_method", "plain") },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported scope",
			mutate:   func(q url.Values) { q.Set("scope", "openid admin") },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "implicit response type",
			mutate:   func(q url.Values) { q.Set("response_type", "token") },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := setupAuthorizeHandler(t)
			challenge, _ := testutil.GeneratePKCEPair()
			query := authorizeQuery(challenge)
			tt.mutate(query)

			got := redirectQuery(t, getAuthorize(th.mux, query, testutil.TestUserID))

			if got.Get("error") != tt.wantCode {
				t.Errorf("error = %q, want %q", got.Get("error"), tt.wantCode)
			}
			if got.Get("state") != "af0ifjsldkj" {
				t.Errorf("state = %q, want it echoed", got.Get("state"))
			}
			if got.Get("code") != "" {
				t.Error("error redirect must not carry a code")
			}
		})
	}
}

func TestServeAuthorize_NotAuthenticated(t *testing.T) {
	th := setupAuthorizeHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	rr := getAuthorize(th.mux, authorizeQuery(challenge), "")

	assertOAuthError(t, rr, http.StatusUnauthorized, ErrorCodeLoginRequired)
	if loc := rr.Header().Get("Location"); loc != "" {
		t.Errorf("Location = %q, want no redirect", loc)
	}
}

func TestServeAuthorize_AuthenticatorSeesValidatedRequest(t *testing.T) {
	var seen *server.AuthorizationRequest
	th := setupTestHandler(t, handlerOptions{
		handlerConfig: &Config{Authenticator: AuthenticatorFunc(
			func(w http.ResponseWriter, _ *http.Request, req *server.AuthorizationRequest) (string, bool) {
				seen = req
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("login form"))
				return "", false
			})},
	})
	challenge, _ := testutil.GeneratePKCEPair()

	rr := getAuthorize(th.mux, authorizeQuery(challenge), "")
	if rr.Code != http.StatusOK || rr.Body.String() != "login form" {
		t.Errorf("response = %d %q, want the authenticator's login form", rr.Code, rr.Body.String())
	}
	if seen == nil || seen.ClientID != testutil.TestClientID || seen.CodeChallenge != challenge {
		t.Errorf("authenticator saw %+v", seen)
	}

	query := authorizeQuery(challenge)
	query.Set("redirect_uri", "https://evil.example.com/callback")
	seen = nil
	getAuthorize(th.mux, query, "")
	if seen != nil {
		t.Error("authenticator must not see a request with an untrusted redirect")
	}
}

// failingCodeStore fails to save authorization codes.
type failingCodeStore struct {
	storage.CodeStore
}

func (failingCodeStore) SaveAuthorizationCode(context.Context, *storage.AuthorizationCode) error {
	return errors.New("code store unavailable")
}

func TestServeAuthorize_StorageFailure(t *testing.T) {
	th := setupTestHandler(t, handlerOptions{
		handlerConfig: &Config{Authenticator: HeaderAuthenticator{Header: testUserHeader}},
		codeStore:     func(s *memory.Store) storage.CodeStore { return failingCodeStore{CodeStore: s} },
	})
	challenge, _ := testutil.GeneratePKCEPair()

	rr := getAuthorize(th.mux, authorizeQuery(challenge), testutil.TestUserID)

	assertOAuthError(t, rr, http.StatusInternalServerError, ErrorCodeServerError)
	if loc := rr.Header().Get("Location"); loc != "" {
		t.Errorf("Location = %q, want no redirect", loc)
	}
}

func TestServeAuthorize_MethodNotAllowed(t *testing.T) {
	th := setupAuthorizeHandler(t)

	rr := httptest.NewRecorder()
	th.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, PathAuthorize, nil))

	assertOAuthError(t, rr, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest)
	if got := rr.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q, want GET, POST", got)
	}
}

func TestServeAuthorize_NotRegisteredWithoutAuthenticator(t *testing.T) {
	th := setupTestHandler(t, handlerOptions{})

	rr := getAuthorize(th.mux, authorizeQuery("challenge"), testutil.TestUserID)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestServeOpenIDConfiguration_AuthorizationEndpoint(t *testing.T) {
	th := setupAuthorizeHandler(t)

	rr := httptest.NewRecorder()
	th.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, PathOpenIDDiscovery, nil))

	doc := decodeJSON[OpenIDConfiguration](t, rr)
	if doc.AuthorizationEndpoint != testIssuer+PathAuthorize {
		t.Errorf("authorization_endpoint = %q, want %q", doc.AuthorizationEndpoint, testIssuer+PathAuthorize)
	}
}
