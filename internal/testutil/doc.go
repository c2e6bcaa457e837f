// Package testutil provides fixtures shared by the package tests: a
// controllable clock, PKCE pairs, RSA signing keys, registered clients,
// authorization codes and form-encoded HTTP requests.
package testutil
