package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// DefaultCleanupInterval is how often expired tokens are removed when no
// interval is configured.
const DefaultCleanupInterval = 300 * time.Second

// CleanupScheduler periodically deletes expired access and refresh tokens.
type CleanupScheduler struct {
	store    storage.TokenStore
	interval time.Duration
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	auditor  *security.Auditor
	now      func() time.Time

	// running makes RunOnce single-flight
	running sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewCleanupScheduler creates a scheduler. A non-positive interval selects
// DefaultCleanupInterval.
func NewCleanupScheduler(store storage.TokenStore, interval time.Duration, logger *slog.Logger, inst *instrumentation.Instrumentation) *CleanupScheduler {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{
		store:    store,
		interval: interval,
		logger:   logger,
		inst:     inst,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetAuditor enables an audit event for every pass that removed tokens
func (c *CleanupScheduler) SetAuditor(aud *security.Auditor) {
	c.auditor = aud
}

// Interval returns the tick interval
func (c *CleanupScheduler) Interval() time.Duration {
	return c.interval
}

// Start launches the background loop. Calling Start more than once has no effect.
func (c *CleanupScheduler) Start() {
	c.startOnce.Do(func() {
		go c.loop()
	})
}

// Stop ends the loop and waits for an in-flight pass to finish.
// It is safe to call Stop without Start and more than once.
func (c *CleanupScheduler) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })

	started := true
	c.startOnce.Do(func() { started = false })
	if started {
		<-c.done
	}
}

func (c *CleanupScheduler) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// errors are logged and counted inside RunOnce
			_, _, _ = c.RunOnce(context.Background())
		}
	}
}

// RunOnce performs one cleanup pass. When another pass is already running
// it returns immediately with zero counts.
func (c *CleanupScheduler) RunOnce(ctx context.Context) (accessDeleted, refreshDeleted int, err error) {
	if !c.running.TryLock() {
		c.logger.Debug("Cleanup pass already running, skipping tick")
		return 0, 0, nil
	}
	defer c.running.Unlock()

	start := c.now()
	accessDeleted, refreshDeleted, err = c.store.DeleteExpired(ctx, start)
	if err != nil {
		c.logger.Error("Failed to delete expired tokens", "error", err)
		c.record(ctx, "error", 0, 0)
		return 0, 0, err
	}

	c.record(ctx, "success", accessDeleted, refreshDeleted)

	if accessDeleted > 0 || refreshDeleted > 0 {
		c.logger.Info("Deleted expired tokens",
			"access_tokens", accessDeleted,
			"refresh_tokens", refreshDeleted,
			"duration", time.Since(start))
		if c.auditor != nil {
			c.auditor.LogExpiredTokensSwept(accessDeleted, refreshDeleted)
		}
	}

	return accessDeleted, refreshDeleted, nil
}

func (c *CleanupScheduler) record(ctx context.Context, result string, accessDeleted, refreshDeleted int) {
	if c.inst == nil {
		return
	}
	if m := c.inst.Metrics(); m != nil {
		m.RecordCleanup(ctx, result, accessDeleted, refreshDeleted)
	}
}
