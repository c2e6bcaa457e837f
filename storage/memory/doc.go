// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements CodeStore, TokenStore, ClientStore and SettingsStore
// using Go's built-in maps with mutex protection for thread safety. It is suitable
// for development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Serialized token units of work with an undo journal for rollback
//   - Atomic redeem-and-delete of authorization codes
//   - Background purge of authorization codes that expire unredeemed
//   - Storage size gauges via SetInstrumentation
//
// For deployments requiring persistence, use storage/bolt or storage/postgres.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, store, store, keyManager, config, logger)
package memory
