// Package storage defines the persistence contracts of the token lifecycle engine.
//
// The storage package defines the interfaces used throughout the server:
//   - CodeStore: single-use authorization codes
//   - TokenStore: access and refresh tokens, mutated only inside a unit of work
//   - ClientStore: read-only lookup into the client application registry
//   - SettingsStore: key/value source for token lifetimes
//
// Tokens are indexed by HashToken(secret), never by the raw bearer value.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/bolt: Embedded bbolt storage for single-node deployments
//   - storage/postgres: PostgreSQL storage with row-level locking
//   - storage/redis: Redis authorization code store
package storage
