package relay

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func limiterAt(c *fakeClock, maxAttempts int) *AuthLimiter {
	rl := NewAuthLimiter(maxAttempts, time.Minute, 30*time.Second)
	rl.mu.Lock()
	rl.now = c.Now
	rl.mu.Unlock()
	return rl
}

func TestAuthLimiterBlocksAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	rl := limiterAt(newFakeClock(), 3)
	defer rl.Stop()

	blocked, shouldLog, count := rl.RecordFailure("192.168.1.100", scopeConfirm)
	if blocked || !shouldLog || count != 1 {
		t.Fatalf("first failure = (%v, %v, %d), want (false, true, 1)", blocked, shouldLog, count)
	}
	if blocked, _, _ = rl.RecordFailure("192.168.1.100", scopeConfirm); blocked {
		t.Fatal("second failure should not block")
	}
	if blocked, _, count = rl.RecordFailure("192.168.1.100", scopeConfirm); !blocked || count != 3 {
		t.Fatalf("third failure = (%v, %d), want blocked at 3", blocked, count)
	}
	if b, _ := rl.IsBlocked("192.168.1.100", scopeConfirm); !b {
		t.Error("IsBlocked should report the block")
	}
	if blocked, _, _ = rl.RecordFailure("192.168.1.100", scopeConfirm); !blocked {
		t.Error("fourth failure should still be blocked")
	}
}

func TestAuthLimiterScopesAndClientsAreIndependent(t *testing.T) {
	t.Parallel()

	rl := limiterAt(newFakeClock(), 2)
	defer rl.Stop()

	rl.RecordFailure("10.0.0.1", scopeConfirm)
	rl.RecordFailure("10.0.0.1", scopeConfirm)

	if b, _ := rl.IsBlocked("10.0.0.1", scopeConfirm); !b {
		t.Fatal("10.0.0.1/confirm should be blocked")
	}
	if b, _ := rl.IsBlocked("10.0.0.1", scopeOperator); b {
		t.Error("another scope must not be blocked")
	}
	if b, _ := rl.IsBlocked("10.0.0.2", scopeConfirm); b {
		t.Error("another client must not be blocked")
	}
}

func TestAuthLimiterSuccessResetsCount(t *testing.T) {
	t.Parallel()

	rl := limiterAt(newFakeClock(), 3)
	defer rl.Stop()

	rl.RecordFailure("192.168.1.100", scopeDevice)
	rl.RecordFailure("192.168.1.100", scopeDevice)
	rl.RecordSuccess("192.168.1.100", scopeDevice)

	blocked, _, count := rl.RecordFailure("192.168.1.100", scopeDevice)
	if blocked || count != 1 {
		t.Errorf("after success = (%v, %d), want (false, 1)", blocked, count)
	}
}

func TestAuthLimiterBlockAndWindowExpire(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rl := limiterAt(clock, 2)
	defer rl.Stop()

	rl.RecordFailure("10.0.0.1", scopeConfirm)
	rl.RecordFailure("10.0.0.1", scopeConfirm)
	clock.Advance(61 * time.Second)
	if b, _ := rl.IsBlocked("10.0.0.1", scopeConfirm); b {
		t.Fatal("block should have expired")
	}
	// The window has passed too, so counting starts over.
	if blocked, _, count := rl.RecordFailure("10.0.0.1", scopeConfirm); blocked || count != 1 {
		t.Errorf("after expiry = (%v, %d), want (false, 1)", blocked, count)
	}

	rl2 := limiterAt(clock, 3)
	defer rl2.Stop()
	rl2.RecordFailure("10.0.0.9", scopeOperator)
	clock.Advance(31 * time.Second)
	rl2.RecordFailure("10.0.0.9", scopeOperator)
	if blocked, _, count := rl2.RecordFailure("10.0.0.9", scopeOperator); blocked || count != 2 {
		t.Errorf("failures spread past the window = (%v, %d), want (false, 2)", blocked, count)
	}
}

func TestAuthLimiterSingleAttempt(t *testing.T) {
	t.Parallel()

	rl := limiterAt(newFakeClock(), 1)
	defer rl.Stop()

	if blocked, _, _ := rl.RecordFailure("10.0.0.1", scopeConfirm); !blocked {
		t.Fatal("maxAttempts=1 should block on the first failure")
	}
	if b, _ := rl.IsBlocked("10.0.0.1", scopeConfirm); !b {
		t.Error("IsBlocked should report the block")
	}
}

func TestAuthLimiterCleanupAndStats(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rl := limiterAt(clock, 2)
	defer rl.Stop()

	rl.RecordFailure("10.0.0.1", scopeConfirm)
	rl.RecordFailure("10.0.0.1", scopeConfirm)
	rl.RecordFailure("10.0.0.2", scopeConfirm)

	stats := rl.Stats()
	if stats["tracked_clients"] != 2 || stats["blocked_clients"] != 1 {
		t.Fatalf("stats = %v", stats)
	}

	clock.Advance(3 * time.Minute)
	rl.cleanup()
	if stats := rl.Stats(); stats["tracked_clients"] != 0 {
		t.Errorf("cleanup left %v", stats)
	}
	rl.Stop()
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.5:41000"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	if got := clientIP(r, false); got != "203.0.113.5" {
		t.Errorf("untrusted proxy: got %q", got)
	}
	if got := clientIP(r, true); got != "198.51.100.7" {
		t.Errorf("trusted proxy: got %q", got)
	}

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "198.51.100.8")
	if got := clientIP(r, true); got != "198.51.100.8" {
		t.Errorf("X-Real-IP: got %q", got)
	}
}
