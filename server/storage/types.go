// Package storage persists the relay's pairing tokens and paired agents.
// The same Store contract is implemented in memory, on SQLite and on
// PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"
)

// Agent statuses as reported to the dashboard. They are derived by the relay
// from heartbeats, never set by the agent.
const (
	StatusPairing = "pairing" // paired, no heartbeat yet
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	ErrTokenNotFound = errors.New("pairing token not found")
	ErrTokenExpired  = errors.New("pairing token expired")
	ErrTokenConsumed = errors.New("pairing token already used")
	ErrTokenExists   = errors.New("pairing token already exists")
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTokenPending means nobody has claimed the token for a tenant yet.
	ErrTokenPending = errors.New("pairing token not claimed yet")

	// ErrTokenClaimed means another tenant already claimed the token.
	ErrTokenClaimed = errors.New("pairing token claimed by another tenant")

	// ErrAgentOtherTenant means the device ID is already paired to a
	// different tenant. The token is left unconsumed.
	ErrAgentOtherTenant = errors.New("agent is paired to another tenant")
)

// Agent is a paired print agent.
type Agent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version,omitempty"`
	SecretHash string    `json:"-"`
	PairedAt   time.Time `json:"paired_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
	Status     string    `json:"status"`
}

// PairingToken is a one-time pairing code. TenantID is empty until an
// operator claims it; ConsumedAt is set by the single successful confirm.
type PairingToken struct {
	Token      string    `json:"token"`
	TenantID   string    `json:"tenant_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ClaimedAt  time.Time `json:"claimed_at,omitempty"`
	ConsumedAt time.Time `json:"consumed_at,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
}

// Expired reports whether the token can no longer be claimed or confirmed.
func (t *PairingToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Consumed reports whether the token was already redeemed.
func (t *PairingToken) Consumed() bool {
	return !t.ConsumedAt.IsZero()
}

// check applies the token rules shared by claim and confirm.
func (t *PairingToken) check(now time.Time) error {
	switch {
	case t.Consumed():
		return ErrTokenConsumed
	case t.Expired(now):
		return ErrTokenExpired
	}
	return nil
}

// DeriveStatus computes the presence status of a at now.
func DeriveStatus(a *Agent, now time.Time, offlineAfter time.Duration) string {
	if a.LastSeen.IsZero() {
		return StatusPairing
	}
	if now.Sub(a.LastSeen) > offlineAfter {
		return StatusOffline
	}
	return StatusOnline
}

// Store is the relay's persistence contract.
type Store interface {
	// CreatePairingToken stores a new token. It fails with ErrTokenExists
	// when the code is already in use.
	CreatePairingToken(ctx context.Context, tok *PairingToken) error
	GetPairingToken(ctx context.Context, code string) (*PairingToken, error)
	// ClaimPairingToken binds an unclaimed token to tenantID. Claiming again
	// for the same tenant is a no-op.
	ClaimPairingToken(ctx context.Context, code, tenantID string, now time.Time) (*PairingToken, error)
	// ConsumePairingToken atomically redeems a claimed token and stores
	// agent under the token's tenant. Exactly one caller succeeds.
	ConsumePairingToken(ctx context.Context, code string, agent *Agent, now time.Time) (*PairingToken, error)
	// DeleteExpiredTokens removes tokens that expired before cutoff.
	DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error)

	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentBySecretHash(ctx context.Context, hash string) (*Agent, error)
	// ListAgents returns the agents of tenantID, or every agent when
	// tenantID is empty.
	ListAgents(ctx context.Context, tenantID string) ([]*Agent, error)
	// TouchAgent records a heartbeat. LastSeen never moves backwards.
	TouchAgent(ctx context.Context, id, version string, seen time.Time) error
	UpdateAgentStatus(ctx context.Context, id, status string) error
	// DeleteAgent removes an agent of tenantID, revoking its secret.
	DeleteAgent(ctx context.Context, tenantID, id string) error

	Close() error
}
