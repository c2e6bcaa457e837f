// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	// This provides enough uniqueness for debugging while keeping logs secure
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
// It implements CodeStore, TokenStore, ClientStore and SettingsStore.
//
// Token writes are serialized: WithinTx holds the store lock for the whole
// unit of work and replays an undo journal if the callback fails.
type Store struct {
	mu sync.Mutex

	// Token storage, keyed by row ID with a secondary index by token hash
	accessTokens  map[string]*storage.AccessToken
	accessByHash  map[string]string
	refreshTokens map[string]*storage.RefreshToken
	refreshByHash map[string]string

	// Authorization codes, keyed by code hash
	codesMu sync.Mutex
	codes   map[string]*storage.AuthorizationCode

	// Registry and settings
	registryMu sync.RWMutex
	clients    map[string]*storage.Client
	settings   map[string]string

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	accessCountAtomic  atomic.Int64
	refreshCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	clientsCountAtomic atomic.Int64

	// Cleanup of unredeemed authorization codes
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.CodeStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

// New creates a new in-memory store with default code cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom code cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		accessTokens:    make(map[string]*storage.AccessToken),
		accessByHash:    make(map[string]string),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		refreshByHash:   make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		clients:         make(map[string]*storage.Client),
		settings:        make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.accessCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessCountAtomic.Load() },
			func() int64 { return s.refreshCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	c := *code
	c.Scope = slices.Clone(code.Scope)

	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	key := storage.HashToken(code.Code)
	if _, exists := s.codes[key]; exists {
		return storage.ErrAlreadyExists
	}
	s.codes[key] = &c
	s.codesCountAtomic.Store(int64(len(s.codes)))

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ValidateAuthorizationCode returns the code and deletes it under one lock.
// Expired codes are deleted as well and reported as not found.
func (s *Store) ValidateAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "validate_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "validate_authorization_code", err, start) }(time.Now())

	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	key := storage.HashToken(code)
	authCode, ok := s.codes[key]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	delete(s.codes, key)
	s.codesCountAtomic.Store(int64(len(s.codes)))

	if authCode.IsExpiredAt(time.Now()) {
		s.logger.Debug("Purged expired authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	return authCode, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// WithinTx runs fn while holding the store lock. Writes made through tx are
// journaled and undone in reverse order when fn returns an error.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.TokenTx) error) (err error) {
	ctx, span := s.startStorageSpan(ctx, "within_tx")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "within_tx", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s}
	if err = fn(t); err != nil {
		t.rollback()
		return err
	}

	s.accessCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshCountAtomic.Store(int64(len(s.refreshTokens)))
	return nil
}

// DeleteExpired removes tokens whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (accessDeleted, refreshDeleted int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "delete_expired", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range s.accessTokens {
		if at.ExpiresAt.Before(now) {
			delete(s.accessByHash, storage.HashToken(at.Token))
			delete(s.accessTokens, id)
			accessDeleted++
		}
	}
	for id, rt := range s.refreshTokens {
		if rt.ExpiresAt.Before(now) {
			delete(s.refreshByHash, storage.HashToken(rt.Token))
			delete(s.refreshTokens, id)
			refreshDeleted++
		}
	}

	s.accessCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshCountAtomic.Store(int64(len(s.refreshTokens)))
	return accessDeleted, refreshDeleted, nil
}

// ============================================================
// ClientStore and SettingsStore Implementation
// ============================================================

// SaveClient registers or replaces a client application.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	c := *client
	c.RedirectURIs = slices.Clone(client.RedirectURIs)
	c.GrantTypes = slices.Clone(client.GrantTypes)
	c.Scopes = slices.Clone(client.Scopes)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.clients[c.ClientID] = &c
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	c := *client
	return &c, nil
}

// SetSetting stores a settings value.
func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.settings[key] = value
	return nil
}

// GetSetting returns the raw value for key.
func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupCodes(time.Now())
		}
	}
}

// cleanupCodes drops authorization codes that expired without being redeemed.
func (s *Store) cleanupCodes(now time.Time) int {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	cleaned := 0
	for key, code := range s.codes {
		if code.IsExpiredAt(now) {
			delete(s.codes, key)
			cleaned++
		}
	}
	s.codesCountAtomic.Store(int64(len(s.codes)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired authorization codes", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, "memory", operation, result, durationMs)
}
