// Package pairing drives the agent through UNPAIRED, AWAITING_CONFIRMATION
// and PAIRED, trading a short-lived code for a durable device identity.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/relay"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/storage"
	"github.com/JoilsonLima1/foodhub09-sub007/common/util"
)

// State is a pairing state.
type State string

const (
	StateUnpaired State = "UNPAIRED"
	StateAwaiting State = "AWAITING_CONFIRMATION"
	StatePaired   State = "PAIRED"
)

var (
	// ErrTokenExpired means the code expired before it was confirmed.
	ErrTokenExpired = relay.ErrTokenExpired
	// ErrTokenRejected means the relay does not know the code or it was
	// already used.
	ErrTokenRejected = errors.New("pairing code rejected")
	// ErrInvalidCode means a typed code is not well formed.
	ErrInvalidCode = errors.New("invalid pairing code")
	// ErrBusy means another pairing run is in progress.
	ErrBusy = errors.New("pairing already in progress")
	// ErrNotAwaiting means Await was called without a pending code.
	ErrNotAwaiting = errors.New("no pairing code pending")
)

// Relay is the part of the relay API pairing uses.
type Relay interface {
	BeginPairing(ctx context.Context) (relay.PairToken, error)
	Confirm(ctx context.Context, req relay.ConfirmRequest) (relay.ConfirmResponse, error)
}

// IdentityStore persists the device identity.
type IdentityStore interface {
	LoadIdentity(ctx context.Context) (storage.Identity, error)
	SaveIdentity(ctx context.Context, id storage.Identity) error
	ClearIdentity(ctx context.Context) error
	// ClearIdentityIf clears the identity only while it carries secret and
	// otherwise returns the identity stored in its place.
	ClearIdentityIf(ctx context.Context, secret string) (storage.Identity, error)
	DeviceID(ctx context.Context) (string, error)
}

// Logger interface for pairing operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Debug(string, ...interface{}) {}

// Change is published to subscribers on every state transition.
type Change struct {
	From  State
	To    State
	Token relay.PairToken
	// Reason is set for transitions to UNPAIRED and when a stored identity
	// replaced the one in use.
	Reason string
}

// Options configures a Manager.
type Options struct {
	Relay      Relay
	Store      IdentityStore
	Logger     Logger
	Version    string
	DeviceName string
	// PollInterval is the wait between confirm polls while the code is
	// unclaimed (default 2s).
	PollInterval time.Duration
	// RetryInitial and RetryMax bound the backoff after network errors
	// (defaults 1s and 30s).
	RetryInitial time.Duration
	RetryMax     time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Manager owns the pairing state.
type Manager struct {
	relay        Relay
	store        IdentityStore
	log          Logger
	version      string
	deviceName   string
	pollInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	token    relay.PairToken
	identity storage.Identity
	running  bool
	subs     []func(Change)
	changes  []Change
}

// New creates a manager in UNPAIRED; call Load to pick up a stored identity.
func New(opts Options) *Manager {
	m := &Manager{
		relay:        opts.Relay,
		store:        opts.Store,
		log:          opts.Logger,
		version:      opts.Version,
		deviceName:   opts.DeviceName,
		pollInterval: opts.PollInterval,
		retryInitial: opts.RetryInitial,
		retryMax:     opts.RetryMax,
		now:          opts.Now,
		state:        StateUnpaired,
	}
	if m.log == nil {
		m.log = nullLogger{}
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 2 * time.Second
	}
	if m.retryInitial <= 0 {
		m.retryInitial = time.Second
	}
	if m.retryMax <= 0 {
		m.retryMax = 30 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.deviceName == "" {
		m.deviceName = util.DefaultDeviceName()
	}
	return m
}

// Load restores PAIRED from the store. A missing or unreadable identity
// leaves the agent UNPAIRED.
func (m *Manager) Load(ctx context.Context) error {
	id, err := m.store.LoadIdentity(ctx)
	switch {
	case errors.Is(err, storage.ErrNoIdentity):
		return nil
	case err != nil:
		m.log.Warn("Stored device identity is unreadable, pairing required", "error", err)
		return err
	case !id.Valid():
		return nil
	}
	m.mu.Lock()
	m.identity = id
	m.setStateLocked(StatePaired, "")
	m.mu.Unlock()
	m.publish()
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the device identity while one is stored.
func (m *Manager) Identity() (storage.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.identity.Valid()
}

// Pending returns the code awaiting confirmation, if any.
func (m *Manager) Pending() (relay.PairToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.state == StateAwaiting
}

// OnChange subscribes fn to state transitions. fn runs on the goroutine that
// caused the change.
func (m *Manager) OnChange(fn func(Change)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Begin requests a fresh code from the relay for the operator to enter in
// the dashboard. A stored identity is kept until a replacement is saved.
func (m *Manager) Begin(ctx context.Context) (relay.PairToken, error) {
	if err := m.acquire(); err != nil {
		return relay.PairToken{}, err
	}
	defer m.release()

	var tok relay.PairToken
	err := m.retry(ctx, func() error {
		var err error
		tok, err = m.relay.BeginPairing(ctx)
		return err
	})
	if err != nil {
		return relay.PairToken{}, fmt.Errorf("begin pairing: %w", err)
	}

	m.mu.Lock()
	m.token = tok
	m.setStateLocked(StateAwaiting, "")
	m.mu.Unlock()
	m.publish()
	m.log.Info("Pairing code issued", "expires_at", tok.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

// Await polls the relay until the pending code is confirmed, expires or is
// rejected. Cancelling ctx keeps the code pending.
func (m *Manager) Await(ctx context.Context) (storage.Identity, error) {
	if err := m.acquire(); err != nil {
		return storage.Identity{}, err
	}
	defer m.release()

	m.mu.Lock()
	tok, awaiting := m.token, m.state == StateAwaiting
	m.mu.Unlock()
	if !awaiting {
		return storage.Identity{}, ErrNotAwaiting
	}
	return m.confirmLoop(ctx, tok)
}

// Confirm redeems a code issued by the dashboard and typed in by the
// operator.
func (m *Manager) Confirm(ctx context.Context, code string) (storage.Identity, error) {
	norm, ok := util.NormalizePairingCode(code)
	if !ok {
		return storage.Identity{}, ErrInvalidCode
	}
	if err := m.acquire(); err != nil {
		return storage.Identity{}, err
	}
	defer m.release()

	tok := relay.PairToken{Token: norm}
	m.mu.Lock()
	m.token = tok
	m.setStateLocked(StateAwaiting, "")
	m.mu.Unlock()
	m.publish()
	return m.confirmLoop(ctx, tok)
}

// Revoke drops the identity holding secret after the relay rejected it or
// unpaired the device remotely. When the store meanwhile holds a different
// identity, saved by a re-pair from another process, the manager switches to
// it and stays PAIRED; revoked is false in that case.
func (m *Manager) Revoke(ctx context.Context, secret, reason string) (revoked bool, err error) {
	current, err := m.store.ClearIdentityIf(ctx, secret)
	if err != nil {
		return false, fmt.Errorf("clear identity: %w", err)
	}
	if current.Valid() {
		m.adopt(current)
		m.log.Info("Rejected identity was already replaced, using the stored one",
			"reason", reason, "tenant_id", current.TenantID, "device_id", current.DeviceID)
		return false, nil
	}
	m.forget(reason)
	return true, nil
}

// Unpair forgets the identity at the operator's request.
func (m *Manager) Unpair(ctx context.Context) error {
	if err := m.store.ClearIdentity(ctx); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	m.forget("unpaired locally")
	return nil
}

func (m *Manager) forget(reason string) {
	m.mu.Lock()
	m.identity = storage.Identity{}
	m.token = relay.PairToken{}
	m.setStateLocked(StateUnpaired, reason)
	m.mu.Unlock()
	m.publish()
	m.log.Warn("Device identity revoked", "reason", reason)
}

// adopt switches to an identity another process stored. Subscribers always
// see a change so they can pick up the new secret, even PAIRED to PAIRED.
func (m *Manager) adopt(id storage.Identity) {
	m.mu.Lock()
	from := m.state
	m.identity = id
	m.token = relay.PairToken{}
	m.setStateLocked(StatePaired, "")
	if from == StatePaired {
		m.changes = append(m.changes, Change{From: from, To: StatePaired, Reason: "identity replaced"})
	}
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) confirmLoop(ctx context.Context, tok relay.PairToken) (storage.Identity, error) {
	deviceID, err := m.store.DeviceID(ctx)
	if err != nil {
		return storage.Identity{}, fmt.Errorf("device id: %w", err)
	}
	req := relay.ConfirmRequest{
		Token:        tok.Token,
		DeviceID:     deviceID,
		DeviceName:   m.deviceName,
		AgentVersion: m.version,
	}

	b := m.newBackOff()
	for {
		resp, err := m.relay.Confirm(ctx, req)
		var wait time.Duration
		switch {
		case err == nil:
			return m.complete(ctx, deviceID, resp)
		case errors.Is(err, relay.ErrTokenExpired):
			m.fail("pairing code expired")
			return storage.Identity{}, ErrTokenExpired
		case errors.Is(err, relay.ErrTokenNotFound), errors.Is(err, relay.ErrTokenConsumed):
			m.fail("pairing code rejected")
			return storage.Identity{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
		case errors.Is(err, relay.ErrPending):
			b.Reset()
			wait = m.pollInterval
		case ctx.Err() != nil:
			return storage.Identity{}, ctx.Err()
		case relay.IsTransient(err):
			wait = b.NextBackOff()
			m.log.Debug("Confirm failed, retrying", "error", err, "retry_in", wait)
		default:
			m.fail(err.Error())
			return storage.Identity{}, err
		}

		// The code is only dropped once it is known to be expired.
		if !tok.ExpiresAt.IsZero() && !m.now().Before(tok.ExpiresAt) {
			m.fail("pairing code expired")
			return storage.Identity{}, ErrTokenExpired
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return storage.Identity{}, ctx.Err()
		case <-t.C:
		}
	}
}

// complete persists the identity before reporting PAIRED. A failed save
// leaves the previous state in place.
func (m *Manager) complete(ctx context.Context, deviceID string, resp relay.ConfirmResponse) (storage.Identity, error) {
	id := storage.Identity{
		TenantID:   resp.TenantID,
		DeviceID:   deviceID,
		DeviceName: m.deviceName,
		Secret:     resp.DeviceSecret,
		PairedAt:   m.now().UTC(),
	}
	if err := m.store.SaveIdentity(ctx, id); err != nil {
		m.fail("could not persist device identity")
		return storage.Identity{}, fmt.Errorf("persist identity: %w", err)
	}

	m.mu.Lock()
	m.identity = id
	m.token = relay.PairToken{}
	m.setStateLocked(StatePaired, "")
	m.mu.Unlock()
	m.publish()
	m.log.Info("Agent paired", "tenant_id", id.TenantID, "device_id", id.DeviceID)
	return id, nil
}

// fail ends a pairing run. An agent that was already paired keeps its old
// identity and goes back to PAIRED.
func (m *Manager) fail(reason string) {
	m.mu.Lock()
	m.token = relay.PairToken{}
	if m.identity.Valid() {
		m.setStateLocked(StatePaired, "")
	} else {
		m.setStateLocked(StateUnpaired, reason)
	}
	m.mu.Unlock()
	m.publish()
	m.log.Warn("Pairing failed", "reason", reason)
}

func (m *Manager) setStateLocked(to State, reason string) {
	from := m.state
	m.state = to
	if from == to && to != StateAwaiting {
		return
	}
	m.changes = append(m.changes, Change{From: from, To: to, Token: m.token, Reason: reason})
}

// publish delivers queued changes outside the lock so subscribers may call
// back into the manager.
func (m *Manager) publish() {
	m.mu.Lock()
	changes := m.changes
	m.changes = nil
	subs := append([]func(Change){}, m.subs...)
	m.mu.Unlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrBusy
	}
	m.running = true
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInitial
	b.MaxInterval = m.retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retry runs op with exponential backoff until it succeeds, fails
// permanently or ctx is done.
func (m *Manager) retry(ctx context.Context, op func() error) error {
	b := m.newBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.Reset()
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !relay.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		m.log.Debug("Relay call failed, retrying", "error", err, "retry_in", wait)
	})
}
