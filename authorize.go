package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
)

// Authenticator identifies the end user behind an authorization request.
//
// It returns the user ID and true once the user is authenticated. Otherwise
// it writes its own response, such as a login form or a redirect to one,
// and returns false. req has already been validated when it is called.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request, req *server.AuthorizationRequest) (userID string, ok bool)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(w http.ResponseWriter, r *http.Request, req *server.AuthorizationRequest) (string, bool)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(w http.ResponseWriter, r *http.Request, req *server.AuthorizationRequest) (string, bool) {
	return f(w, r, req)
}

// HeaderAuthenticator trusts the user ID an authenticating reverse proxy
// puts into Header.
//
// WARNING: only deploy it behind a proxy that strips Header from client
// requests, or anyone can log in as anyone.
type HeaderAuthenticator struct {
	Header string
}

// Authenticate implements Authenticator.
func (a HeaderAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request, _ *server.AuthorizationRequest) (string, bool) {
	if userID := strings.TrimSpace(r.Header.Get(a.Header)); userID != "" {
		return userID, true
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeLoginRequired,
		ErrorDescription: "The user is not authenticated",
	})
	return "", false
}

// ServeAuthorize handles the authorization endpoint of the code flow.
//
// The request is validated before the Authenticator sees it. Errors about
// the client or the redirect_uri are answered directly since the redirect
// target cannot be trusted; every later error is sent back to the client
// on its redirect_uri.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.config.Authenticator == nil {
		http.NotFound(w, r)
		return
	}

	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
	}

	if !h.requireMethod(w, r, "authorize", startTime, http.MethodGet, http.MethodPost) {
		return
	}

	clientIP := h.clientIP(r)
	ctx = security.WithClientIP(ctx, clientIP)
	r = r.WithContext(ctx)
	h.traceClientIP(span, clientIP)

	if h.checkIPRateLimit(ctx, w, r, clientIP) {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeFailure(ctx, w, r, span, "authorize", startTime, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := &server.AuthorizationRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               strings.Fields(r.Form.Get("scope")),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
	}
	state := r.Form.Get("state")

	if req.ClientID == "" {
		h.writeFailure(ctx, w, r, span, "authorize", startTime, ErrInvalidRequest("client_id is required"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	if _, err := h.server.ValidateAuthorizationRequest(ctx, req); err != nil {
		h.authorizeFailure(ctx, w, r, span, req.RedirectURI, state, startTime, err)
		return
	}

	if responseType := r.Form.Get("response_type"); responseType != "code" {
		h.authorizeFailure(ctx, w, r, span, req.RedirectURI, state, startTime,
			ErrUnsupportedResponseType("Only the code response type is supported"))
		return
	}

	userID, ok := h.config.Authenticator.Authenticate(w, r, req)
	if !ok {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "user not authenticated")
		return
	}
	req.UserID = userID

	code, err := h.server.IssueAuthorizationCode(ctx, req)
	if err != nil {
		h.authorizeFailure(ctx, w, r, span, req.RedirectURI, state, startTime, err)
		return
	}

	h.requestLogger(ctx).Info("Authorization code issued",
		"client_id", code.ClientID,
		"ip", clientIP)

	h.finishRequest(span, r, "authorize", http.StatusFound, startTime)
	h.redirect(w, r, code.RedirectURI, url.Values{"code": {code.Code}}, state)
}

// authorizeFailure sends err back to the client on redirectURI, unless the
// client or the redirect URI itself failed validation.
func (h *Handler) authorizeFailure(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, redirectURI, state string, startTime time.Time, err error) {
	if errors.Is(err, server.ErrInvalidClient) {
		// A browser cannot answer a Basic challenge.
		h.writeFailure(ctx, w, r, span, "authorize", startTime, ErrInvalidRequest("Unknown client"))
		return
	}
	var serverErr *server.Error
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) && (!errors.As(err, &serverErr) || serverErr.Reason == server.ReasonRedirectUnregistered) {
		h.writeFailure(ctx, w, r, span, "authorize", startTime, err)
		return
	}

	mapped := errorFromServer(err)
	h.requestLogger(ctx).Debug("Authorization request rejected",
		"code", mapped.Code,
		"ip", security.ClientIPFromContext(ctx),
		"error", err)

	instrumentation.RecordError(span, err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, mapped.Code))
	instrumentation.AddHTTPAttributes(span, r.Method, "authorize", http.StatusFound)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)

	// RFC 6749 Section 4.1.2.1
	h.redirect(w, r, redirectURI, url.Values{
		"error":             {mapped.Code},
		"error_description": {mapped.Description},
	}, state)
}

// redirect sends a 302 to target with params merged into its query.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string, params url.Values, state string) {
	u, err := url.Parse(target)
	if err != nil {
		h.writeError(w, ErrorCodeServerError, "The server encountered an internal error", http.StatusInternalServerError)
		return
	}

	query := u.Query()
	for k, v := range params {
		query[k] = v
	}
	if state != "" {
		query.Set("state", state)
	}
	u.RawQuery = query.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, u.String(), http.StatusFound)
}
