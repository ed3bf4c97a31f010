package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
	"github.com/JoilsonLima1/foodhub09-sub007/server/storage"
)

const (
	streamPingInterval = 25 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 16
)

// handleStream upgrades an authenticated agent to the management stream.
// Commands reach the agent through the hub; command results come back on
// the same socket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.authenticateDevice(w, r)
	if !ok {
		return
	}
	conn, err := ws.UpgradeHTTP(w, r)
	if err != nil {
		s.log.Warn("Stream upgrade failed", "agent_id", agent.ID, "error", err)
		return
	}

	ch := make(chan *ws.Message, streamBuffer)
	s.trackConn(agent.ID, conn)
	s.hub.Register(agent.ID, ch)
	s.log.Info("Agent stream connected", "agent_id", agent.ID, "tenant_id", agent.TenantID, "remote_addr", conn.RemoteAddr())

	done := make(chan struct{})
	go s.writeLoop(agent.ID, conn, ch, done)

	defer func() {
		close(done)
		s.hub.Unregister(agent.ID, ch)
		s.untrackConn(agent.ID, conn)
		conn.Close()
		s.log.Info("Agent stream disconnected", "agent_id", agent.ID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		msg, err := conn.ReadEnvelope()
		if err != nil {
			if !ws.IsCloseError(err) {
				s.log.Debug("Stream read ended", "agent_id", agent.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		switch msg.Type {
		case ws.MessageTypeHello:
			var hello ws.Hello
			_ = msg.Decode(&hello)
			s.touch(r.Context(), agent.ID, hello.AgentVersion)
		case ws.MessageTypeCommandResult:
			var res ws.CommandResult
			if err := msg.Decode(&res); err != nil {
				s.log.Warn("Malformed command result", "agent_id", agent.ID, "id", msg.ID, "error", err)
				continue
			}
			s.deliver(msg.ID, res)
		default:
			s.log.Debug("Ignoring stream message", "agent_id", agent.ID, "type", msg.Type)
		}
	}
}

// writeLoop drains ch onto conn and pings it. It closes conn when the hub
// closes ch (replaced, revoked or shutdown) or right after an unpair.
func (s *Server) writeLoop(agentID string, conn *ws.Conn, ch chan *ws.Message, done chan struct{}) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteClose("", time.Second)
				conn.Close()
				return
			}
			if err := conn.WriteMessage(msg, streamWriteTimeout); err != nil {
				s.log.Warn("Stream write failed", "agent_id", agentID, "type", msg.Type, "error", err)
				conn.Close()
				return
			}
			if msg.Type == ws.MessageTypeUnpair {
				_ = conn.WriteClose("unpaired", time.Second)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WritePing(streamWriteTimeout); err != nil {
				s.log.Debug("Stream ping failed", "agent_id", agentID, "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (s *Server) touch(ctx context.Context, agentID, version string) {
	if err := s.store.TouchAgent(ctx, agentID, version, s.now()); err != nil && !errors.Is(err, storage.ErrAgentNotFound) {
		s.log.Warn("Failed to record stream hello", "agent_id", agentID, "error", err)
	}
}

func (s *Server) trackConn(agentID string, conn *ws.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if old, ok := s.conns[agentID]; ok && old != conn {
		s.log.Info("Replacing existing stream", "agent_id", agentID)
		old.Close()
	}
	s.conns[agentID] = conn
}

func (s *Server) untrackConn(agentID string, conn *ws.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conns[agentID] == conn {
		delete(s.conns, agentID)
	}
}

// dropConn closes the agent's stream, if any.
func (s *Server) dropConn(agentID string) {
	s.connMu.Lock()
	conn, ok := s.conns[agentID]
	delete(s.conns, agentID)
	s.connMu.Unlock()
	if ok {
		conn.Close()
	}
}

// sendUnpair pushes an unpair command. It reports whether the agent was
// connected to receive it.
func (s *Server) sendUnpair(agentID, reason string) bool {
	msg, err := ws.NewMessage(ws.MessageTypeUnpair, uuid.NewString(), ws.Unpair{Reason: reason})
	if err != nil {
		return false
	}
	if err := s.hub.Send(agentID, msg); err != nil {
		if errors.Is(err, ws.ErrBufferFull) {
			s.dropConn(agentID)
		}
		return false
	}
	return true
}

func (s *Server) deliver(id string, res ws.CommandResult) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if !ok {
		s.log.Debug("Command result with no waiter", "id", id)
		return
	}
	ch <- res
}

func (s *Server) await(id string) chan ws.CommandResult {
	ch := make(chan ws.CommandResult, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Server) forget(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// handleRelayPrint forwards a print job to a connected agent of the
// operator's tenant and waits for its command result. The job body is
// passed through unchanged; the agent validates it.
func (s *Server) handleRelayPrint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil || agent.TenantID != tenantFrom(r.Context()) {
		if err != nil && !errors.Is(err, storage.ErrAgentNotFound) {
			s.log.Error("Agent lookup failed", "agent_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "agent lookup failed")
			return
		}
		writeError(w, http.StatusNotFound, CodeAgentNotFound, "agent not found")
		return
	}

	var job json.RawMessage
	if !decodeBody(w, r, &job) {
		return
	}
	if len(job) == 0 || job[0] != '{' {
		writeError(w, http.StatusBadRequest, CodeValidation, "print job must be a JSON object")
		return
	}
	if !s.hub.Connected(agent.ID) {
		writeError(w, http.StatusServiceUnavailable, CodeAgentOffline, "agent is not connected")
		return
	}

	cmdID := uuid.NewString()
	msg, err := ws.NewMessage(ws.MessageTypePrint, cmdID, job)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid print job")
		return
	}
	results := s.await(cmdID)
	if err := s.hub.Send(agent.ID, msg); err != nil {
		s.forget(cmdID)
		writeError(w, http.StatusServiceUnavailable, CodeAgentOffline, "agent is not connected")
		return
	}
	s.log.Debug("Print job relayed", "agent_id", agent.ID, "id", cmdID)

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()
	var res ws.CommandResult
	answered := false
	select {
	case res = <-results:
		answered = true
	case <-timer.C:
	case <-r.Context().Done():
	}
	s.forget(cmdID)

	switch {
	case answered && res.Success:
		writeJSON(w, http.StatusOK, res)
	case answered:
		writeJSON(w, http.StatusBadGateway, res)
	case r.Context().Err() == nil:
		s.log.Warn("Relayed print timed out", "agent_id", agent.ID, "id", cmdID)
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "agent did not answer in time")
	}
}
