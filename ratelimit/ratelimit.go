// Package ratelimit provides sliding-window rate limiting keyed by client
// identifier (IP address or user id), with LRU eviction to prevent unbounded
// memory growth under identifier churn.
package ratelimit

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultKeyPrefix is the key prefix used when none is configured
	DefaultKeyPrefix = "rl"

	// DefaultMaxEntries is the maximum number of identifiers to track
	DefaultMaxEntries = 10000

	// DefaultCleanupInterval is how often the cleanup goroutine runs
	DefaultCleanupInterval = time.Minute
)

// Outcome annotates a recorded request with its eventual result.
// It enables future outcome-aware policies (e.g. only counting failed
// requests against an auth scope) without changing the accept/reject logic.
type Outcome int8

const (
	// OutcomeUnknown means no result has been recorded for the request
	OutcomeUnknown Outcome = iota

	// OutcomeSuccess means the request completed successfully
	OutcomeSuccess

	// OutcomeFailure means the request failed
	OutcomeFailure
)

// Config holds sliding-window rate limiter configuration.
type Config struct {
	// MaxRequests is the maximum number of requests allowed per identifier
	// within Window (required, must be positive).
	MaxRequests int

	// Window is the sliding time window (required, must be positive).
	Window time.Duration

	// KeyPrefix namespaces tracked identifiers so one Limiter per scope
	// ("api", "auth", "public") can share telemetry. Default: "rl".
	KeyPrefix string

	// MaxEntries is the hard ceiling on tracked identifiers. When the limit
	// is reached, least recently used entries are evicted. Default: 10,000.
	// Set to 0 for unlimited (not recommended for production).
	MaxEntries int

	// CleanupInterval is how often idle entries are swept. Default: 1 minute.
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now is the optional time source, overridable for testing.
	Now func() time.Time
}

// validate rejects fatal misconfiguration before any traffic is served.
func (c *Config) validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit: MaxRequests must be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("ratelimit: Window must be positive, got %v", c.Window)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("ratelimit: MaxEntries must not be negative, got %d", c.MaxEntries)
	}
	return nil
}

// requestRecord is a single request timestamp plus its recorded outcome.
type requestRecord struct {
	at      time.Time
	outcome Outcome
}

// windowEntry tracks the request timestamps for one identifier
type windowEntry struct {
	key        string
	requests   []requestRecord // timestamps still inside the window, arrival order
	lastAccess time.Time
}

// Result reports a single rate limit decision.
type Result struct {
	// Allowed is false when the identifier has exhausted its window budget
	Allowed bool

	// Remaining is the number of requests left in the current window
	Remaining int

	// ResetTime is when the oldest counted request leaves the window
	ResetTime time.Time

	// TotalRequests is the number of requests counted in the current window
	TotalRequests int

	// RetryAfter is how long until the next request could be allowed.
	// Only meaningful when Allowed is false; never negative.
	RetryAfter time.Duration
}

// Limiter is a sliding-window rate limiter over per-identifier request
// timestamps. Unlike a fixed-bucket counter, the window is recomputed
// continuously from "now", so a burst can never exceed MaxRequests in any
// trailing Window-sized interval.
type Limiter struct {
	entries map[string]*list.Element // key -> list element
	lruList *list.List               // LRU list of *windowEntry
	mu      sync.Mutex

	maxRequests int
	window      time.Duration
	keyPrefix   string
	maxEntries  int

	logger          *slog.Logger
	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalAllowed   int64
	totalDenied    int64
	totalEvictions int64
	totalCleanups  int64
}

// New creates a sliding-window rate limiter and starts its background
// cleanup goroutine. It returns an error for fatal misconfiguration
// (non-positive MaxRequests or Window) so a broken policy fails at setup
// time, never at request time.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Limiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxRequests:     cfg.MaxRequests,
		window:          cfg.Window,
		keyPrefix:       cfg.KeyPrefix,
		maxEntries:      cfg.MaxEntries,
		logger:          cfg.Logger,
		now:             cfg.Now,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	// Start background cleanup goroutine
	go l.cleanupLoop()

	l.logger.Debug("Rate limiter initialized",
		"key_prefix", l.keyPrefix,
		"max_requests", l.maxRequests,
		"window", l.window,
		"max_entries", l.maxEntries)

	return l, nil
}

// Check records a request for the given identifier and decides whether it is
// allowed. The decision is made against the trailing window: timestamps older
// than Window are discarded first, then the remaining count is compared
// against MaxRequests.
//
// Check never panics. A malformed internal entry fails closed: the request
// is denied and the entry is discarded.
func (l *Limiter) Check(identifier string) Result {
	now := l.now()
	key := l.keyPrefix + ":" + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, exists := l.entries[key]
	if !exists {
		// First request for this key - evict if at capacity, then track it
		if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
			l.evictLRU()
		}

		entry := &windowEntry{
			key:        key,
			requests:   []requestRecord{{at: now}},
			lastAccess: now,
		}
		l.entries[key] = l.lruList.PushFront(entry)
		l.totalAllowed++

		return Result{
			Allowed:       true,
			Remaining:     l.maxRequests - 1,
			ResetTime:     now.Add(l.window),
			TotalRequests: 1,
		}
	}

	l.lruList.MoveToFront(elem)
	entry, ok := elem.Value.(*windowEntry)
	if !ok {
		// Malformed entry: fail closed and discard it
		l.logger.Error("Rate limiter entry has unexpected type, denying request", "key", key)
		delete(l.entries, key)
		l.lruList.Remove(elem)
		l.totalDenied++
		return Result{RetryAfter: l.window, ResetTime: now.Add(l.window)}
	}
	entry.lastAccess = now
	entry.trim(now.Add(-l.window))

	if len(entry.requests) >= l.maxRequests {
		oldest := entry.requests[0].at
		retryAfter := oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.totalDenied++

		l.logger.Warn("Rate limit exceeded",
			"key", key,
			"requests_in_window", len(entry.requests),
			"max_requests", l.maxRequests,
			"retry_after", retryAfter)

		return Result{
			Allowed:       false,
			Remaining:     0,
			ResetTime:     oldest.Add(l.window),
			TotalRequests: len(entry.requests),
			RetryAfter:    retryAfter,
		}
	}

	entry.requests = append(entry.requests, requestRecord{at: now})
	l.totalAllowed++

	return Result{
		Allowed:       true,
		Remaining:     l.maxRequests - len(entry.requests),
		ResetTime:     entry.requests[0].at.Add(l.window),
		TotalRequests: len(entry.requests),
	}
}

// Status reports the current window state for an identifier without counting
// a request. It performs the same stale-timestamp trimming as Check.
func (l *Limiter) Status(identifier string) Result {
	now := l.now()
	key := l.keyPrefix + ":" + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, exists := l.entries[key]
	if !exists {
		return Result{
			Allowed:   true,
			Remaining: l.maxRequests,
			ResetTime: now.Add(l.window),
		}
	}

	entry, ok := elem.Value.(*windowEntry)
	if !ok {
		delete(l.entries, key)
		l.lruList.Remove(elem)
		return Result{RetryAfter: l.window, ResetTime: now.Add(l.window)}
	}
	entry.trim(now.Add(-l.window))

	count := len(entry.requests)
	res := Result{
		Allowed:       count < l.maxRequests,
		Remaining:     l.maxRequests - count,
		ResetTime:     now.Add(l.window),
		TotalRequests: count,
	}
	if count > 0 {
		res.ResetTime = entry.requests[0].at.Add(l.window)
	}
	if !res.Allowed {
		res.Remaining = 0
		res.RetryAfter = res.ResetTime.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

// RecordResult annotates the most recent recorded request for the identifier
// with its outcome. It is a no-op when the identifier is unknown or its
// window is empty.
func (l *Limiter) RecordResult(identifier string, success bool) {
	key := l.keyPrefix + ":" + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, exists := l.entries[key]
	if !exists {
		return
	}
	entry, ok := elem.Value.(*windowEntry)
	if !ok || len(entry.requests) == 0 {
		return
	}

	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	entry.requests[len(entry.requests)-1].outcome = outcome
}

// trim discards timestamps at or before cutoff, in place.
func (e *windowEntry) trim(cutoff time.Time) {
	n := 0
	for _, r := range e.requests {
		if r.at.After(cutoff) {
			e.requests[n] = r
			n++
		}
	}
	e.requests = e.requests[:n]
}

// evictLRU removes the least recently used entry from the cache.
// Must be called with mutex locked.
func (l *Limiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}

	entry, ok := elem.Value.(*windowEntry)
	l.lruList.Remove(elem)
	if ok {
		delete(l.entries, entry.key)
	}
	l.totalEvictions++

	l.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", l.totalEvictions,
		"current_entries", len(l.entries))
}

// cleanupLoop periodically removes idle entries to prevent memory leaks
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup trims stale timestamps from live entries and removes entries whose
// window has fully elapsed with no new requests. An entry is removed once its
// last access is older than the window, since its request sequence is
// necessarily empty by then.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	removed := 0

	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry, ok := elem.Value.(*windowEntry)
		if !ok {
			l.lruList.Remove(elem)
			continue
		}

		entry.trim(cutoff)
		if len(entry.requests) == 0 && entry.lastAccess.Before(cutoff) {
			delete(l.entries, entry.key)
			l.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		l.totalCleanups++
		l.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.entries),
			"total_cleanups", l.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine.
// Safe to call multiple times concurrently.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
		l.logger.Debug("Rate limiter stopped", "key_prefix", l.keyPrefix)
	})
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked identifiers
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalAllowed   int64   // Total requests allowed
	TotalDenied    int64   // Total requests denied
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MaxRequests    int     // Maximum requests per window
	Window         string  // Window duration
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and alerting
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(l.entries),
		MaxEntries:     l.maxEntries,
		TotalAllowed:   l.totalAllowed,
		TotalDenied:    l.totalDenied,
		TotalEvictions: l.totalEvictions,
		TotalCleanups:  l.totalCleanups,
		MaxRequests:    l.maxRequests,
		Window:         l.window.String(),
	}

	if l.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(stats.MaxEntries) * 100.0
	}

	return stats
}
