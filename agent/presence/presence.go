// Package presence keeps a paired agent marked online at the relay.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/relay"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/storage"
)

// ErrRevoked is returned by Run when the relay no longer accepts the device
// secret.
var ErrRevoked = errors.New("device credentials revoked")

// DefaultInterval is the heartbeat period.
const DefaultInterval = 15 * time.Second

// Relay sends one heartbeat.
type Relay interface {
	Heartbeat(ctx context.Context, secret string, req relay.HeartbeatRequest) (relay.HeartbeatResponse, error)
}

// Logger interface for heartbeat operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// rateLimited is implemented by common/logger.Logger.
type rateLimited interface {
	WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Debug(string, ...interface{}) {}

// Options configures a Reporter.
type Options struct {
	Relay    Relay
	Identity storage.Identity
	Version  string
	Interval time.Duration
	// RetryInitial is the first wait after a failed heartbeat (default 1s).
	// Retries back off up to Interval.
	RetryInitial time.Duration
	// OnRevoked runs once when the relay rejects the secret.
	OnRevoked func(ctx context.Context, reason string)
	Logger    Logger
	Now       func() time.Time
}

// Status is a snapshot for diagnostics.
type Status struct {
	LastSuccess   time.Time `json:"last_success"`
	LastError     string    `json:"last_error,omitempty"`
	Failures      int       `json:"consecutive_failures"`
	RelayStatus   string    `json:"relay_status,omitempty"`
	LatestVersion string    `json:"latest_version,omitempty"`
}

// Reporter sends heartbeats on a fixed interval.
type Reporter struct {
	relay        Relay
	identity     storage.Identity
	version      string
	interval     time.Duration
	retryInitial time.Duration
	onRevoked    func(ctx context.Context, reason string)
	log          Logger
	now          func() time.Time

	mu      sync.Mutex
	status  Status
	advised string
	revoked bool
}

// New creates a reporter for a paired identity.
func New(opts Options) (*Reporter, error) {
	if opts.Relay == nil {
		return nil, errors.New("presence: relay is required")
	}
	if !opts.Identity.Valid() {
		return nil, errors.New("presence: agent is not paired")
	}
	r := &Reporter{
		relay:        opts.Relay,
		identity:     opts.Identity,
		version:      opts.Version,
		interval:     opts.Interval,
		retryInitial: opts.RetryInitial,
		onRevoked:    opts.OnRevoked,
		log:          opts.Logger,
		now:          opts.Now,
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.retryInitial <= 0 || r.retryInitial > r.interval {
		r.retryInitial = minDuration(time.Second, r.interval)
	}
	if r.log == nil {
		r.log = nullLogger{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Status returns the latest heartbeat outcome.
func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run sends a heartbeat immediately and then every interval until ctx is
// done (returns nil) or the relay revokes the device (returns ErrRevoked).
// Other failures are retried with backoff and never end the loop.
func (r *Reporter) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxInterval = r.interval
	b.MaxElapsedTime = 0
	b.Reset()

	r.log.Info("Heartbeat reporter started", "interval", r.interval, "device_id", r.identity.DeviceID)
	for {
		wait := r.interval
		err := r.Beat(ctx)
		switch {
		case err == nil:
			b.Reset()
		case errors.Is(err, ErrRevoked):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			wait = b.NextBackOff()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.log.Debug("Heartbeat reporter stopped")
			return nil
		case <-t.C:
		}
	}
}

// Beat sends a single heartbeat.
func (r *Reporter) Beat(ctx context.Context) error {
	r.mu.Lock()
	if r.revoked {
		r.mu.Unlock()
		return ErrRevoked
	}
	r.mu.Unlock()

	resp, err := r.relay.Heartbeat(ctx, r.identity.Secret, relay.HeartbeatRequest{
		DeviceID:     r.identity.DeviceID,
		AgentVersion: r.version,
	})
	if err != nil {
		if errors.Is(err, relay.ErrUnauthorized) {
			r.revoke(ctx)
			return ErrRevoked
		}
		r.recordFailure(err)
		return fmt.Errorf("heartbeat: %w", err)
	}

	r.mu.Lock()
	r.status.LastSuccess = r.now()
	r.status.LastError = ""
	r.status.Failures = 0
	r.status.RelayStatus = resp.Status
	r.status.LatestVersion = resp.LatestVersion
	r.mu.Unlock()

	r.log.Debug("Heartbeat sent", "relay_status", resp.Status)
	r.checkClock(resp.ServerTime)
	r.advise(resp.LatestVersion)
	return nil
}

func (r *Reporter) revoke(ctx context.Context) {
	r.mu.Lock()
	if r.revoked {
		r.mu.Unlock()
		return
	}
	r.revoked = true
	r.status.LastError = ErrRevoked.Error()
	r.mu.Unlock()

	r.log.Error("Relay rejected device credentials, pairing required", "device_id", r.identity.DeviceID)
	if r.onRevoked != nil {
		r.onRevoked(ctx, "relay rejected device credentials")
	}
}

func (r *Reporter) recordFailure(err error) {
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.status.Failures++
	failures := r.status.Failures
	r.mu.Unlock()
	r.warn("relay-unreachable", time.Minute, "Heartbeat failed, retrying", "error", err, "consecutive_failures", failures)
}

// checkClock warns when the local clock drifts far from the relay's.
func (r *Reporter) checkClock(server time.Time) {
	if server.IsZero() {
		return
	}
	skew := r.now().Sub(server)
	if skew < 0 {
		skew = -skew
	}
	if skew > 2*time.Minute {
		r.warn("clock-skew", time.Hour, "Local clock differs from relay clock", "skew", skew.Round(time.Second))
	}
}

// advise logs once per advertised version newer than the running one.
func (r *Reporter) advise(latest string) {
	if latest == "" {
		return
	}
	r.mu.Lock()
	seen := r.advised == latest
	r.advised = latest
	r.mu.Unlock()
	if seen {
		return
	}
	newer, err := IsNewer(latest, r.version)
	if err != nil {
		r.log.Debug("Cannot compare agent versions", "latest", latest, "running", r.version, "error", err)
		return
	}
	if newer {
		r.log.Info("A newer agent version is available", "running", r.version, "latest", latest)
	}
}

func (r *Reporter) warn(key string, every time.Duration, msg string, kv ...interface{}) {
	if rl, ok := r.log.(rateLimited); ok {
		rl.WarnRateLimited(key, every, msg, kv...)
		return
	}
	r.log.Warn(msg, kv...)
}

// IsNewer reports whether latest is a higher semantic version than running.
func IsNewer(latest, running string) (bool, error) {
	l, err := semver.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("parse %q: %w", latest, err)
	}
	r, err := semver.NewVersion(running)
	if err != nil {
		return false, fmt.Errorf("parse %q: %w", running, err)
	}
	return l.GreaterThan(r), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
