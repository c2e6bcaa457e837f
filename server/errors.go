package server

import (
	"fmt"
)

// ErrorCode is an OAuth 2.0 error code (RFC 6749 Section 5.2).
type ErrorCode string

// Error codes returned by the token lifecycle.
const (
	ErrorCodeInvalidRequest       ErrorCode = "invalid_request"
	ErrorCodeInvalidClient        ErrorCode = "invalid_client"
	ErrorCodeInvalidGrant         ErrorCode = "invalid_grant"
	ErrorCodeUnsupportedGrantType ErrorCode = "unsupported_grant_type"
	ErrorCodeInvalidScope         ErrorCode = "invalid_scope"
	ErrorCodeUnauthorizedClient   ErrorCode = "unauthorized_client"
)

// Reason is the internal failure kind behind an ErrorCode. It is written to
// logs, spans and the audit trail but never returned to the client.
type Reason string

const (
	ReasonCodeNotFound         Reason = "code_not_found"
	ReasonRedirectMismatch     Reason = "redirect_mismatch"
	ReasonClientMismatch       Reason = "client_mismatch"
	ReasonPKCEMismatch         Reason = "pkce_mismatch"
	ReasonTokenNotFound        Reason = "token_not_found"
	ReasonTokenExpired         Reason = "token_expired"
	ReasonTokenReuse           Reason = "token_reuse"
	ReasonUnknownClient        Reason = "unknown_client"
	ReasonBadCredentials       Reason = "bad_credentials"
	ReasonRedirectUnregistered Reason = "redirect_unregistered"
	ReasonUnsupportedMethod    Reason = "unsupported_challenge_method"
	ReasonMissingParameter     Reason = "missing_parameter"
)

// Error is a protocol failure of the token lifecycle.
//
// errors.Is matches on Code alone when the target has no Reason, so
// errors.Is(err, ErrInvalidGrant) holds for every invalid_grant failure and
// errors.Is(err, ErrTokenRevoked) only for reuse.
type Error struct {
	Code   ErrorCode
	Reason Reason
	Err    error
}

// Sentinel errors for errors.Is checks.
var (
	ErrInvalidGrant         = &Error{Code: ErrorCodeInvalidGrant}
	ErrTokenRevoked         = &Error{Code: ErrorCodeInvalidGrant, Reason: ReasonTokenReuse}
	ErrUnsupportedGrantType = &Error{Code: ErrorCodeUnsupportedGrantType}
	ErrInvalidRequest       = &Error{Code: ErrorCodeInvalidRequest}
	ErrInvalidClient        = &Error{Code: ErrorCodeInvalidClient}
	ErrInvalidScope         = &Error{Code: ErrorCodeInvalidScope}
	ErrUnauthorizedClient   = &Error{Code: ErrorCodeUnauthorizedClient}
)

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += ": " + string(e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code and, when the
// target sets one, the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func newError(code ErrorCode, reason Reason, format string, args ...any) *Error {
	e := &Error{Code: code, Reason: reason}
	if format != "" {
		e.Err = fmt.Errorf(format, args...)
	}
	return e
}

func invalidGrant(reason Reason) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Reason: reason}
}
