package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoilsonLima1/foodhub09-sub007/common/util"
)

const (
	identityKey = "device_identity"
	deviceIDKey = "device_id"
)

// ErrNoIdentity is returned by LoadIdentity when the agent is not paired.
var ErrNoIdentity = errors.New("no device identity stored")

// Identity is the credential set issued by the relay when pairing succeeds.
type Identity struct {
	TenantID   string
	DeviceID   string
	DeviceName string
	Secret     string
	PairedAt   time.Time
}

// Valid reports whether every field the relay issued is present.
func (i Identity) Valid() bool {
	return i.TenantID != "" && i.DeviceID != "" && i.Secret != ""
}

// sealedIdentity is the stored form; the secret never touches disk in clear.
type sealedIdentity struct {
	TenantID     string    `json:"tenant_id"`
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	SealedSecret string    `json:"sealed_secret"`
	PairedAt     time.Time `json:"paired_at"`
}

// IdentityStore persists the device identity in a StateStore, sealing the
// secret with a local AES-GCM key.
type IdentityStore struct {
	state StateStore
	key   []byte
}

// NewIdentityStore wraps state. key must be 32 bytes (see util.LoadOrCreateKey).
func NewIdentityStore(state StateStore, key []byte) (*IdentityStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("identity key must be 32 bytes, got %d", len(key))
	}
	return &IdentityStore{state: state, key: key}, nil
}

// LoadIdentity returns the stored identity or ErrNoIdentity.
func (s *IdentityStore) LoadIdentity(ctx context.Context) (Identity, error) {
	var raw json.RawMessage
	found, err := s.state.Get(ctx, identityKey, &raw)
	if err != nil {
		return Identity{}, err
	}
	if !found {
		return Identity{}, ErrNoIdentity
	}
	return s.unseal(raw)
}

func (s *IdentityStore) unseal(raw json.RawMessage) (Identity, error) {
	var sealed sealedIdentity
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return Identity{}, fmt.Errorf("failed to decode device identity: %w", err)
	}
	secret, err := util.DecryptFromB64(s.key, sealed.SealedSecret)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to unseal device secret: %w", err)
	}
	return Identity{
		TenantID:   sealed.TenantID,
		DeviceID:   sealed.DeviceID,
		DeviceName: sealed.DeviceName,
		Secret:     secret,
		PairedAt:   sealed.PairedAt,
	}, nil
}

// SaveIdentity replaces the stored identity in one write. A failed save
// leaves the previous identity in place.
func (s *IdentityStore) SaveIdentity(ctx context.Context, id Identity) error {
	if !id.Valid() {
		return errors.New("refusing to store incomplete identity")
	}
	sealedSecret, err := util.EncryptToB64(s.key, id.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal device secret: %w", err)
	}
	return s.state.Set(ctx, identityKey, sealedIdentity{
		TenantID:     id.TenantID,
		DeviceID:     id.DeviceID,
		DeviceName:   id.DeviceName,
		SealedSecret: sealedSecret,
		PairedAt:     id.PairedAt.UTC(),
	})
}

// ClearIdentity forgets the identity. The device id survives.
func (s *IdentityStore) ClearIdentity(ctx context.Context) error {
	return s.state.Clear(ctx, identityKey)
}

// ClearIdentityIf forgets the stored identity only when it carries secret.
// When another process has meanwhile saved a different valid identity, that
// identity is returned and left in place; otherwise the result is zero.
// An identity that can no longer be unsealed is cleared as well.
func (s *IdentityStore) ClearIdentityIf(ctx context.Context, secret string) (Identity, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var raw json.RawMessage
		found, err := s.state.Get(ctx, identityKey, &raw)
		if err != nil {
			return Identity{}, err
		}
		if !found {
			return Identity{}, nil
		}
		if id, err := s.unseal(raw); err == nil && id.Valid() && id.Secret != secret {
			return id, nil
		}
		cleared, err := s.state.CompareAndClear(ctx, identityKey, raw)
		if err != nil {
			return Identity{}, err
		}
		if cleared {
			return Identity{}, nil
		}
	}
	return Identity{}, errors.New("device identity kept changing while it was being cleared")
}

// DeviceID returns the agent's stable device id, generating a UUID on first use.
func (s *IdentityStore) DeviceID(ctx context.Context) (string, error) {
	var id string
	found, err := s.state.Get(ctx, deviceIDKey, &id)
	if err != nil {
		return "", err
	}
	if found && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.state.Set(ctx, deviceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}
