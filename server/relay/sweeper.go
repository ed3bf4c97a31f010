package relay

import (
	"context"

	"github.com/JoilsonLima1/foodhub09-sub007/server/storage"
)

// Sweep persists presence transitions derived from heartbeats and purges
// pairing tokens past their retention.
func (s *Server) Sweep(ctx context.Context) {
	now := s.now()

	agents, err := s.store.ListAgents(ctx, "")
	if err != nil {
		s.log.Warn("Presence sweep failed", "error", err)
	} else {
		for _, a := range agents {
			status := storage.DeriveStatus(a, now, s.opts.OfflineAfter)
			if status == a.Status {
				continue
			}
			if err := s.store.UpdateAgentStatus(ctx, a.ID, status); err != nil {
				s.log.Warn("Failed to update agent status", "agent_id", a.ID, "error", err)
				continue
			}
			s.log.Info("Agent status changed", "agent_id", a.ID, "tenant_id", a.TenantID, "from", a.Status, "to", status, "last_seen", a.LastSeen)
		}
	}

	n, err := s.store.DeleteExpiredTokens(ctx, now.Add(-s.opts.TokenRetention))
	if err != nil {
		s.log.Warn("Failed to purge expired pairing tokens", "error", err)
	} else if n > 0 {
		s.log.Debug("Purged expired pairing tokens", "count", n)
	}
}
