// Package audit records structured security events with automatic PII
// redaction, bounded in-memory retention, filtered query, and export.
//
// Events flow through one path: level filter, redaction, append, async sink
// dispatch. Redaction always happens before storage, so no raw denylisted
// field or PII-shaped string is ever retained. Logging is fire-and-forget
// and can never fail the caller: sink errors are recovered to a throttled
// fallback channel and internal errors drop the event (availability
// outranks audit completeness).
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxEntries is the retention ceiling on stored events
	DefaultMaxEntries = 10000

	// DefaultMaxAge is the age-based retention limit
	DefaultMaxAge = 30 * 24 * time.Hour

	// DefaultSweepInterval is how often the age-based sweep runs
	DefaultSweepInterval = time.Minute

	// sinkQueueSize bounds the async sink dispatch queue. When the queue is
	// full events are still stored; only sink delivery is dropped.
	sinkQueueSize = 1024

	// fallbackLogsPerSecond throttles fallback error logging so a broken
	// sink cannot flood the process logs.
	fallbackLogsPerSecond = 1
)

// Config holds audit logger configuration.
type Config struct {
	// MinLevel drops events below this level before storage (not merely at
	// read time). Zero value is Info; set LevelDebug to keep everything.
	MinLevel Level

	// RedactFields is the denylist of field names replaced wholesale,
	// matched case-insensitively. Nil uses DefaultRedactFields.
	RedactFields []string

	// RedactReplacement is the marker substituted for redacted values.
	// Default: "[REDACTED]".
	RedactReplacement string

	// MaxEntries is the retention ceiling; the oldest events are dropped
	// FIFO once it is exceeded. Default: 10,000.
	MaxEntries int

	// MaxAge is the age-based retention limit. Default: 30 days.
	MaxAge time.Duration

	// SweepInterval is how often the age-based sweep runs. Default: 1 minute.
	SweepInterval time.Duration

	// Sinks are optional output destinations, written asynchronously.
	Sinks []Sink

	// Logger is the fallback channel for sink and internal errors
	// (default: slog.Default()).
	Logger *slog.Logger

	// Now is the optional time source, overridable for testing.
	Now func() time.Time
}

// Logger captures security events in memory with redaction and retention.
type Logger struct {
	mu     sync.RWMutex
	events []*Event // append order, oldest first

	redactor   *Redactor
	minLevel   Level
	maxEntries int
	maxAge     time.Duration

	sinks     []Sink
	queue     chan *Event
	fallback  *slog.Logger
	throttle  *rate.Limiter
	now       func() time.Time
	sweepEach time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	writerWG  sync.WaitGroup

	// Statistics
	totalFiltered    int64 // events dropped by the level filter
	totalSinkErrors  int64
	totalSinkDropped int64 // sink deliveries dropped due to a full queue
}

// NewLogger creates an audit logger and starts its retention sweep and sink
// writer goroutines.
func NewLogger(cfg Config) (*Logger, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Logger{
		redactor:   NewRedactor(cfg.RedactFields, cfg.RedactReplacement),
		minLevel:   cfg.MinLevel,
		maxEntries: cfg.MaxEntries,
		maxAge:     cfg.MaxAge,
		sinks:      cfg.Sinks,
		queue:      make(chan *Event, sinkQueueSize),
		fallback:   cfg.Logger,
		throttle:   rate.NewLimiter(rate.Limit(fallbackLogsPerSecond), fallbackLogsPerSecond),
		now:        cfg.Now,
		sweepEach:  cfg.SweepInterval,
		stop:       make(chan struct{}),
	}

	l.writerWG.Add(1)
	go l.sinkWriterLoop()
	go l.sweepLoop()

	return l, nil
}

// Log records a security event. The entry's payload is redacted before
// storage and the caller's maps are never mutated. Log never panics and
// never returns an error: on any internal failure the event is dropped and
// the failure reported on the fallback channel.
func (l *Logger) Log(category, action string, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			if l.throttle.Allow() {
				l.fallback.Error("audit event dropped after internal error",
					"category", category, "action", action, "panic", r)
			}
		}
	}()

	if e.Level < l.minLevel {
		l.mu.Lock()
		l.totalFiltered++
		l.mu.Unlock()
		return
	}

	details := l.redactor.Redact(e.Data)
	if e.Metadata != nil {
		if details == nil {
			details = make(map[string]any, 1)
		}
		details["metadata"] = l.redactor.Redact(e.Metadata)
	}

	ev := &Event{
		ID:        uuid.NewString(),
		Timestamp: l.now(),
		Level:     e.Level,
		Category:  category,
		Action:    action,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		IPAddress: l.redactor.RedactString(e.IPAddress),
		UserAgent: e.UserAgent,
		Resource:  e.Resource,
		Details:   details,
		Tags:      append([]string(nil), e.Tags...),
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if overflow := len(l.events) - l.maxEntries; overflow > 0 {
		// FIFO retention: copy so the dropped prefix can be collected
		l.events = append([]*Event(nil), l.events[overflow:]...)
	}
	l.mu.Unlock()

	l.enqueue(ev)
}

// enqueue hands an event to the sink writer without ever blocking the
// request path. A full queue drops the delivery (the event itself is
// already stored).
func (l *Logger) enqueue(ev *Event) {
	if len(l.sinks) == 0 {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.mu.Lock()
		l.totalSinkDropped++
		l.mu.Unlock()
		if l.throttle.Allow() {
			l.fallback.Warn("audit sink queue full, delivery dropped", "event_id", ev.ID)
		}
	}
}

// sinkWriterLoop delivers stored events to the configured sinks off the
// request path. Sink failures are recovered and throttled-logged, never
// propagated.
func (l *Logger) sinkWriterLoop() {
	defer l.writerWG.Done()

	for {
		select {
		case ev := <-l.queue:
			l.deliver(ev)
		case <-l.stop:
			// Drain whatever is already queued before exiting
			for {
				select {
				case ev := <-l.queue:
					l.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) deliver(ev *Event) {
	for _, sink := range l.sinks {
		if err := l.writeSink(sink, ev); err != nil {
			l.mu.Lock()
			l.totalSinkErrors++
			l.mu.Unlock()
			if l.throttle.Allow() {
				l.fallback.Error("audit sink write failed",
					"sink", sink.Name(), "event_id", ev.ID, "error", err)
			}
		}
	}
}

// writeSink isolates a single sink write so a panicking sink is contained
// like an erroring one.
func (l *Logger) writeSink(sink Sink, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sinkPanicError{sink: sink.Name(), value: r}
		}
	}()
	return sink.Write(*ev)
}

type sinkPanicError struct {
	sink  string
	value any
}

func (e *sinkPanicError) Error() string {
	return "sink panicked"
}

// LogAuthentication records an authentication event. The action
// "failed_login" defaults to Warn; other actions default to Info. An
// explicit non-Info level in the entry takes precedence.
func (l *Logger) LogAuthentication(action string, e Entry) {
	if e.Level == LevelInfo && action == ActionFailedLogin {
		e.Level = LevelWarn
	}
	e.Tags = append(e.Tags, "auth")
	l.Log(CategoryAuthentication, action, e)
}

// LogAuthorization records an authorization event. The action
// "permission_escalation" defaults to Warn.
func (l *Logger) LogAuthorization(action string, e Entry) {
	if e.Level == LevelInfo && action == ActionPermissionEscalation {
		e.Level = LevelWarn
	}
	e.Tags = append(e.Tags, "authz")
	l.Log(CategoryAuthorization, action, e)
}

// LogDataAccess records a data-access event at Info by default.
func (l *Logger) LogDataAccess(action string, e Entry) {
	e.Tags = append(e.Tags, "data")
	l.Log(CategoryDataAccess, action, e)
}

// LogViolation records a confirmed security violation at Error by default.
func (l *Logger) LogViolation(action string, e Entry) {
	if e.Level == LevelInfo {
		e.Level = LevelError
	}
	e.Tags = append(e.Tags, "violation", "security")
	l.Log(CategoryViolation, action, e)
}

// Filter selects events for Query and Export. Zero-value fields are
// ignored, except MinLevel whose zero value is Info; set LevelDebug to
// include debug events.
type Filter struct {
	MinLevel Level
	Category string
	UserID   string
	From     time.Time
	To       time.Time

	// Tags requires every listed tag to be present on the event
	Tags []string

	// Limit caps the result count after filtering; 0 means no limit
	Limit int
}

func (f *Filter) matches(ev *Event) bool {
	if ev.Level < f.MinLevel {
		return false
	}
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range ev.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query returns stored events matching the filter, newest first. Events are
// copied out, so the result is safe to hold across later appends.
func (l *Logger) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if !f.matches(l.events[i]) {
			continue
		}
		out = append(out, *l.events[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Stats summarizes the stored events for monitoring.
type Stats struct {
	TotalEvents int            // events currently retained
	ByLevel     map[string]int // counts keyed by level name
	ByCategory  map[string]int // counts keyed by category
	LastHour    int            // events recorded within the last hour
	OldestAge   time.Duration  // age of the oldest retained event

	TotalFiltered    int64 // events dropped by the level filter
	TotalSinkErrors  int64 // sink write failures
	TotalSinkDropped int64 // sink deliveries dropped (queue full)
}

// GetStats returns current audit log statistics.
func (l *Logger) GetStats() Stats {
	now := l.now()
	hourAgo := now.Add(-time.Hour)

	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalEvents:      len(l.events),
		ByLevel:          make(map[string]int),
		ByCategory:       make(map[string]int),
		TotalFiltered:    l.totalFiltered,
		TotalSinkErrors:  l.totalSinkErrors,
		TotalSinkDropped: l.totalSinkDropped,
	}

	for _, ev := range l.events {
		stats.ByLevel[ev.Level.String()]++
		stats.ByCategory[ev.Category]++
		if ev.Timestamp.After(hourAgo) {
			stats.LastHour++
		}
	}
	if len(l.events) > 0 {
		stats.OldestAge = now.Sub(l.events[0].Timestamp)
	}
	return stats
}

// Sweep removes events older than MaxAge. It runs periodically but can be
// invoked directly. Returns the number of events removed.
func (l *Logger) Sweep() int {
	cutoff := l.now().Add(-l.maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Events are stored oldest first, so find the first retained index
	keep := 0
	for keep < len(l.events) && l.events[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return 0
	}
	l.events = append([]*Event(nil), l.events[keep:]...)
	return keep
}

// Clear removes all stored events, e.g. after a successful export.
func (l *Logger) Clear() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// sweepLoop periodically enforces age-based retention
func (l *Logger) sweepLoop() {
	ticker := time.NewTicker(l.sweepEach)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.fallback.Debug("audit retention sweep completed", "removed", removed)
			}
		case <-l.stop:
			return
		}
	}
}

// Close stops the background goroutines, drains the sink queue, and closes
// any sinks that implement io.Closer. Safe to call multiple times.
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.writerWG.Wait()
		for _, sink := range l.sinks {
			if c, ok := sink.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					l.fallback.Error("audit sink close failed", "sink", sink.Name(), "error", err)
				}
			}
		}
	})
}
