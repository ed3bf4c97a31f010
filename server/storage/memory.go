package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs tests and
// development relays started with database driver "memory".
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*PairingToken
	agents map[string]*Agent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*PairingToken),
		agents: make(map[string]*Agent),
	}
}

func (s *MemoryStore) CreatePairingToken(ctx context.Context, tok *PairingToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.Token]; ok {
		return ErrTokenExists
	}
	cp := normalizeToken(*tok)
	s.tokens[tok.Token] = &cp
	return nil
}

func (s *MemoryStore) GetPairingToken(ctx context.Context, code string) (*PairingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ClaimPairingToken(ctx context.Context, code, tenantID string, now time.Time) (*PairingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if err := t.check(now); err != nil {
		return nil, err
	}
	switch t.TenantID {
	case "":
		t.TenantID = tenantID
		t.ClaimedAt = truncate(now)
	case tenantID:
	default:
		return nil, ErrTokenClaimed
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ConsumePairingToken(ctx context.Context, code string, agent *Agent, now time.Time) (*PairingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if err := t.check(now); err != nil {
		return nil, err
	}
	if t.TenantID == "" {
		return nil, ErrTokenPending
	}

	if prev, ok := s.agents[agent.ID]; ok && prev.TenantID != t.TenantID {
		return nil, ErrAgentOtherTenant
	}

	a := *agent
	a.TenantID = t.TenantID
	a.PairedAt = truncate(now)
	a.LastSeen = time.Time{}
	a.Status = StatusPairing
	s.agents[a.ID] = &a
	agent.TenantID, agent.PairedAt, agent.Status = a.TenantID, a.PairedAt, a.Status

	t.ConsumedAt = truncate(now)
	t.AgentID = a.ID
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, code)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgentBySecretHash(ctx context.Context, hash string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.SecretHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *MemoryStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, id, version string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if version != "" {
		a.Version = version
	}
	if seen = truncate(seen); seen.After(a.LastSeen) {
		a.LastSeen = seen
	}
	a.Status = StatusOnline
	return nil
}

func (s *MemoryStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok || (tenantID != "" && a.TenantID != tenantID) {
		return ErrAgentNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func normalizeToken(t PairingToken) PairingToken {
	t.CreatedAt = truncate(t.CreatedAt)
	t.ExpiresAt = truncate(t.ExpiresAt)
	t.ClaimedAt = truncate(t.ClaimedAt)
	t.ConsumedAt = truncate(t.ConsumedAt)
	return t
}
