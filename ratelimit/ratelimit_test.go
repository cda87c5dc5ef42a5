package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pocketledger/guard/internal/testutil"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *testutil.MockTime) {
	t.Helper()

	mt := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg.Now = mt.Now
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l, mt
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero max requests", Config{MaxRequests: 0, Window: time.Second}},
		{"negative max requests", Config{MaxRequests: -1, Window: time.Second}},
		{"zero window", Config{MaxRequests: 10, Window: 0}},
		{"negative window", Config{MaxRequests: 10, Window: -time.Second}},
		{"negative max entries", Config{MaxRequests: 10, Window: time.Second, MaxEntries: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() should reject invalid config")
			}
		})
	}
}

func TestCheck_AllowsUpToMaxThenDenies(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 3, Window: time.Second})

	for i, wantRemaining := range []int{2, 1, 0} {
		res := l.Check("ip1")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != wantRemaining {
			t.Errorf("request %d Remaining = %d, want %d", i+1, res.Remaining, wantRemaining)
		}
		if res.TotalRequests != i+1 {
			t.Errorf("request %d TotalRequests = %d, want %d", i+1, res.TotalRequests, i+1)
		}
	}

	res := l.Check("ip1")
	if res.Allowed {
		t.Error("4th request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want %v", res.RetryAfter, time.Second)
	}
}

func TestCheck_SlidingWindow(t *testing.T) {
	l, mt := newTestLimiter(t, Config{MaxRequests: 2, Window: time.Second})

	l.Check("ip1")
	mt.Advance(600 * time.Millisecond)
	l.Check("ip1")

	// Window still holds both requests
	if res := l.Check("ip1"); res.Allowed {
		t.Error("3rd request inside window should be denied")
	}

	// First request leaves the window; one slot frees up
	mt.Advance(500 * time.Millisecond)
	res := l.Check("ip1")
	if !res.Allowed {
		t.Error("request should be allowed after oldest timestamp expired")
	}
	if res.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", res.TotalRequests)
	}
}

func TestCheck_RetryAfterDecreasesOverTime(t *testing.T) {
	l, mt := newTestLimiter(t, Config{MaxRequests: 1, Window: time.Second})

	l.Check("ip1")

	prev := l.Check("ip1").RetryAfter
	for i := 0; i < 3; i++ {
		mt.Advance(200 * time.Millisecond)
		cur := l.Check("ip1").RetryAfter
		if cur < 0 {
			t.Fatalf("RetryAfter = %v, must never be negative", cur)
		}
		if cur >= prev {
			t.Errorf("RetryAfter should strictly decrease: prev=%v cur=%v", prev, cur)
		}
		prev = cur
	}
}

func TestCheck_MultipleIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 2, Window: time.Second})

	l.Check("ip1")
	l.Check("ip1")
	if l.Check("ip1").Allowed {
		t.Error("ip1 should be rate limited")
	}
	if !l.Check("ip2").Allowed {
		t.Error("ip2 should not be affected by ip1's limit")
	}
}

func TestCheck_WindowNeverExceedsMax(t *testing.T) {
	const maxRequests = 5
	l, mt := newTestLimiter(t, Config{MaxRequests: maxRequests, Window: time.Second})

	// Issue requests every 100ms and verify no trailing 1s interval ever
	// contains more than maxRequests allowed requests.
	var allowedAt []time.Time
	for i := 0; i < 40; i++ {
		if l.Check("ip1").Allowed {
			allowedAt = append(allowedAt, mt.Now())
		}
		mt.Advance(100 * time.Millisecond)
	}

	for _, end := range allowedAt {
		start := end.Add(-time.Second)
		count := 0
		for _, at := range allowedAt {
			if at.After(start) && !at.After(end) {
				count++
			}
		}
		if count > maxRequests {
			t.Fatalf("sliding window violated: %d allowed requests in 1s ending %v", count, end)
		}
	}
}

func TestStatus_DoesNotCount(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 2, Window: time.Second})

	if res := l.Status("ip1"); !res.Allowed || res.Remaining != 2 {
		t.Errorf("Status of unknown identifier = %+v, want allowed with full budget", res)
	}

	l.Check("ip1")
	for i := 0; i < 5; i++ {
		res := l.Status("ip1")
		if res.TotalRequests != 1 {
			t.Fatalf("Status call %d counted a request: TotalRequests = %d", i+1, res.TotalRequests)
		}
		if res.Remaining != 1 {
			t.Errorf("Remaining = %d, want 1", res.Remaining)
		}
	}
}

func TestRecordResult(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 3, Window: time.Second})

	// No-op on unknown identifier
	l.RecordResult("ghost", true)

	l.Check("ip1")
	l.Check("ip1")
	l.RecordResult("ip1", false)

	l.mu.Lock()
	entry := l.entries["rl:ip1"].Value.(*windowEntry)
	last := entry.requests[len(entry.requests)-1].outcome
	first := entry.requests[0].outcome
	l.mu.Unlock()

	if last != OutcomeFailure {
		t.Errorf("last request outcome = %v, want OutcomeFailure", last)
	}
	if first != OutcomeUnknown {
		t.Errorf("first request outcome = %v, want OutcomeUnknown", first)
	}
}

func TestCheck_LRUEviction(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 5, Window: time.Hour, MaxEntries: 3})

	for i := 0; i < 3; i++ {
		l.Check(fmt.Sprintf("ip%d", i))
	}
	// Touch ip0 so ip1 becomes least recently used
	l.Check("ip0")
	l.Check("ip99")

	stats := l.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}

	l.mu.Lock()
	_, evicted := l.entries["rl:ip1"]
	_, kept := l.entries["rl:ip0"]
	l.mu.Unlock()
	if evicted {
		t.Error("least recently used entry ip1 should have been evicted")
	}
	if !kept {
		t.Error("recently used entry ip0 should have been kept")
	}
}

func TestCleanup_RemovesExpiredKeys(t *testing.T) {
	l, mt := newTestLimiter(t, Config{MaxRequests: 5, Window: time.Second})

	l.Check("ip1")
	l.Check("ip2")
	mt.Advance(3 * time.Second)
	l.Check("ip3")

	l.Cleanup()

	stats := l.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries after cleanup = %d, want 1", stats.CurrentEntries)
	}

	l.mu.Lock()
	_, ok := l.entries["rl:ip3"]
	l.mu.Unlock()
	if !ok {
		t.Error("live entry ip3 should survive cleanup")
	}
}

func TestGetStats(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 1, Window: time.Second, MaxEntries: 10})

	l.Check("ip1")
	l.Check("ip1")

	stats := l.GetStats()
	if stats.TotalAllowed != 1 {
		t.Errorf("TotalAllowed = %d, want 1", stats.TotalAllowed)
	}
	if stats.TotalDenied != 1 {
		t.Errorf("TotalDenied = %d, want 1", stats.TotalDenied)
	}
	if stats.MemoryPressure != 10.0 {
		t.Errorf("MemoryPressure = %f, want 10.0", stats.MemoryPressure)
	}
	if stats.Window != "1s" {
		t.Errorf("Window = %q, want %q", stats.Window, "1s")
	}
}

func TestCheck_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 50, Window: time.Minute})

	var wg sync.WaitGroup
	allowed := make([]int64, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if l.Check("shared").Allowed {
					allowed[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	var total int64
	for _, n := range allowed {
		total += n
	}
	if total != 50 {
		t.Errorf("allowed %d concurrent requests, want exactly 50", total)
	}
}

func TestStop_Idempotent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxRequests: 1, Window: time.Second})
	l.Stop()
	l.Stop() // must not panic
}
