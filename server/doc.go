// Package server implements the token lifecycle of the authorization server.
//
// A Server validates authorization requests, issues single-use authorization
// codes and exchanges them for tokens. Two grants are supported:
// authorization_code (PKCE S256 is mandatory) and refresh_token.
//
// Refresh tokens rotate on every use. Each new token records its parent, so
// presenting an already rotated token is treated as theft: the whole lineage
// below it is revoked together with the access tokens minted alongside it,
// and the caller receives invalid_grant.
//
// All writes of one token request go through storage.TokenStore.WithinTx and
// commit or roll back together. The only exception is reuse detection, whose
// revocations are committed even though the request fails.
//
// Example usage:
//
//	store := memory.New()
//	key, _ := keys.Generate(2048)
//	km, _ := keys.NewManager(key, "")
//
//	srv, err := server.New(store, store, store, store, km, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := srv.Exchange(ctx, &server.TokenRequest{
//	    GrantType:    "refresh_token",
//	    ClientID:     "my-client",
//	    RefreshToken: refreshToken,
//	})
package server
