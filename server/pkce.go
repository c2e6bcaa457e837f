package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// VerifyPKCE reports whether verifier hashes to challenge under method.
// Only S256 is supported; a malformed verifier never matches.
func VerifyPKCE(verifier, challenge, method string) bool {
	return validatePKCE(challenge, method, verifier) == nil
}

// validatePKCE returns why verification failed, for logging.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("no code_challenge bound to the authorization code")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}
	if err := validateCodeVerifier(verifier); err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateCodeVerifier enforces the RFC 7636 length and character set:
// 43-128 characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func validateCodeVerifier(verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}

	for i := 0; i < len(verifier); i++ {
		ch := verifier[i]
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	return nil
}
