// Package keys manages the RSA key that signs ID tokens.
//
// A Manager holds one private key and its key ID. It signs RS256 JWTs with
// a "kid" header, verifies them, and publishes the public half as a JWK for
// the /jwks.json endpoint.
//
//	km, err := keys.LoadFromFiles("keys/private.pem", "keys/public.pem", "")
//	if err != nil {
//		log.Fatal(err) // wraps keys.ErrKeyLoad
//	}
//
//	idToken, err := km.Sign(jwt.RegisteredClaims{Subject: userID})
//
// When no key ID is configured, the RFC 7638 thumbprint of the public key is
// used, so the ID is stable across restarts for the same key.
package keys
