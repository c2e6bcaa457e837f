package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxLimiters bounds the number of identifiers tracked at once
	DefaultMaxLimiters = 10000

	defaultSweepInterval = 5 * time.Minute
	defaultIdleTimeout   = 30 * time.Minute
)

// bucket is one identifier's token bucket. It lives in the LRU list.
type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-identifier token bucket limiter. The number of
// buckets is bounded: when full, the least recently used one is dropped.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front is most recently used

	limit      rate.Limit
	burst      int
	maxBuckets int

	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	evictions int64
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the
// given burst per identifier, tracking up to DefaultMaxLimiters identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxLimiters, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit bound on
// tracked identifiers. Zero means unbounded.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxBuckets int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBuckets < 0 {
		logger.Warn("Invalid rate limiter capacity, using default", "max_entries", maxBuckets)
		maxBuckets = DefaultMaxLimiters
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxBuckets: maxBuckets,
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	go rl.sweepLoop(defaultSweepInterval, defaultIdleTimeout)

	return rl
}

// Allow reports whether one more event for identifier fits its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.bucketFor(identifier, now).limiter.AllowN(now, 1)
}

// RetryAfter estimates how long identifier has to wait for its next token.
func (rl *RateLimiter) RetryAfter(identifier string) time.Duration {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	r := rl.bucketFor(identifier, now).limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	// Only peeking: hand the token back.
	r.CancelAt(now)
	return delay
}

// bucketFor returns the bucket of identifier, creating it if needed.
// rl.mu must be held.
func (rl *RateLimiter) bucketFor(identifier string, now time.Time) *bucket {
	if elem, ok := rl.buckets[identifier]; ok {
		rl.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b
	}

	if rl.maxBuckets > 0 && len(rl.buckets) >= rl.maxBuckets {
		rl.evictOldest()
	}

	b := &bucket{
		key:      identifier,
		limiter:  rate.NewLimiter(rl.limit, rl.burst),
		lastSeen: now,
	}
	rl.buckets[identifier] = rl.lru.PushFront(b)
	return b
}

// evictOldest drops the least recently used bucket. rl.mu must be held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	rl.lru.Remove(elem)
	delete(rl.buckets, b.key)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted least recently used identifier",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.buckets))
}

func (rl *RateLimiter) sweepLoop(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(idle)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops buckets not used for maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The list is ordered by recency, so walk from the oldest end.
	for elem := rl.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if now.Sub(b.lastSeen) <= maxIdle {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.buckets, b.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.buckets))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
