package relay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// AuthLimiter tracks failed attempts per client and scope ("confirm",
// "device", "operator") and blocks repeat offenders. Six-character pairing
// codes are guessable without it.
type AuthLimiter struct {
	mu              sync.Mutex
	attempts        map[string]*attemptRecord
	maxAttempts     int
	blockDuration   time.Duration
	attemptsWindow  time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	stopOnce        sync.Once
	stopCleanup     chan struct{}
}

type attemptRecord struct {
	firstAttempt    time.Time
	lastAttempt     time.Time
	failureCount    int
	blockedUntil    time.Time
	lastLoggedCount int
}

// NewAuthLimiter blocks a client for blockDuration after maxAttempts
// failures within attemptsWindow.
func NewAuthLimiter(maxAttempts int, blockDuration, attemptsWindow time.Duration) *AuthLimiter {
	rl := &AuthLimiter{
		attempts:        make(map[string]*attemptRecord),
		maxAttempts:     maxAttempts,
		blockDuration:   blockDuration,
		attemptsWindow:  attemptsWindow,
		cleanupInterval: time.Minute,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// RecordFailure records a failed attempt.
// Returns (isBlocked, shouldLog, attemptCount).
func (rl *AuthLimiter) RecordFailure(ip, scope string) (bool, bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := ip + "|" + scope
	now := rl.now()

	record, exists := rl.attempts[key]
	if !exists {
		record = &attemptRecord{firstAttempt: now, lastAttempt: now, failureCount: 1}
		rl.attempts[key] = record
		if rl.maxAttempts <= 1 {
			record.blockedUntil = now.Add(rl.blockDuration)
			return true, true, 1
		}
		return false, true, 1
	}

	if now.Before(record.blockedUntil) {
		record.lastAttempt = now
		record.failureCount++
		// Only log periodically during a block.
		return true, record.failureCount%10 == 0, record.failureCount
	}

	if now.Sub(record.firstAttempt) > rl.attemptsWindow {
		*record = attemptRecord{firstAttempt: now, lastAttempt: now, failureCount: 1}
		return false, true, 1
	}

	record.lastAttempt = now
	record.failureCount++
	if record.failureCount >= rl.maxAttempts {
		record.blockedUntil = now.Add(rl.blockDuration)
		return true, true, record.failureCount
	}

	shouldLog := record.failureCount <= rl.maxAttempts ||
		record.failureCount-record.lastLoggedCount >= 5
	if shouldLog {
		record.lastLoggedCount = record.failureCount
	}
	return false, shouldLog, record.failureCount
}

// IsBlocked reports whether ip is blocked for scope, and until when.
func (rl *AuthLimiter) IsBlocked(ip, scope string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	record, exists := rl.attempts[ip+"|"+scope]
	if !exists || !rl.now().Before(record.blockedUntil) {
		return false, time.Time{}
	}
	return true, record.blockedUntil
}

// RecordSuccess clears the failure record.
func (rl *AuthLimiter) RecordSuccess(ip, scope string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip+"|"+scope)
}

func (rl *AuthLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *AuthLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, record := range rl.attempts {
		if (now.After(record.blockedUntil) && now.Sub(record.lastAttempt) > rl.attemptsWindow) ||
			now.Sub(record.lastAttempt) > rl.blockDuration*2 {
			delete(rl.attempts, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *AuthLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats returns counters for the health endpoint.
func (rl *AuthLimiter) Stats() map[string]int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	blocked := 0
	now := rl.now()
	for _, record := range rl.attempts {
		if now.Before(record.blockedUntil) {
			blocked++
		}
	}
	return map[string]int{"tracked_clients": len(rl.attempts), "blocked_clients": blocked}
}

// clientIP returns the request's client address. X-Forwarded-For is only
// honoured behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
