package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/JoilsonLima1/foodhub09-sub007/common/util"
	"github.com/JoilsonLima1/foodhub09-sub007/server/storage"
)

// Error codes returned in {code, message} bodies.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeNotFound      = "NOT_FOUND"
	CodeTokenNotFound = "TOKEN_NOT_FOUND"
	CodeTokenConsumed = "TOKEN_CONSUMED"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeTokenClaimed  = "TOKEN_CLAIMED"
	CodeAgentNotFound = "AGENT_NOT_FOUND"
	CodeAgentTenant   = "AGENT_OTHER_TENANT"
	CodeAgentOffline  = "AGENT_OFFLINE"
	CodeTimeout       = "AGENT_TIMEOUT"
	CodeInternal      = "INTERNAL_ERROR"
)

// Rate limiter scopes.
const (
	scopeConfirm  = "confirm"
	scopeDevice   = "device"
	scopeOperator = "operator"
)

const maxBodyBytes = 64 << 10

type ctxKey int

const tenantKey ctxKey = 0

func tenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey).(string)
	return t
}

// operator wraps a handler that needs X-Tenant-ID plus the tenant's
// operator key as bearer token.
func (s *Server) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := s.authenticateOperator(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	}
}

func (s *Server) authenticateOperator(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := clientIP(r, s.opts.TrustProxy)
	if blocked, _ := s.limiter.IsBlocked(ip, scopeOperator); blocked {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many failed attempts, try again later")
		return "", false
	}
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if !s.keys.verify(tenant, bearer(r)) {
		if _, shouldLog, n := s.limiter.RecordFailure(ip, scopeOperator); shouldLog {
			s.log.Warn("Operator authentication failed", "ip", ip, "tenant_id", tenant, "attempts", n)
		}
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid tenant or operator key")
		return "", false
	}
	s.limiter.RecordSuccess(ip, scopeOperator)
	return tenant, true
}

// authenticateDevice resolves the bearer device secret to its agent.
func (s *Server) authenticateDevice(w http.ResponseWriter, r *http.Request) (*storage.Agent, bool) {
	ip := clientIP(r, s.opts.TrustProxy)
	if blocked, _ := s.limiter.IsBlocked(ip, scopeDevice); blocked {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many failed attempts, try again later")
		return nil, false
	}
	secret := bearer(r)
	var agent *storage.Agent
	var err error
	if secret == "" {
		err = storage.ErrAgentNotFound
	} else {
		agent, err = s.store.GetAgentBySecretHash(r.Context(), storage.SecretHash(secret))
	}
	if err != nil {
		if !errors.Is(err, storage.ErrAgentNotFound) {
			s.log.Error("Device lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "device lookup failed")
			return nil, false
		}
		if _, shouldLog, n := s.limiter.RecordFailure(ip, scopeDevice); shouldLog {
			s.log.Warn("Device authentication failed", "ip", ip, "attempts", n)
		}
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unknown or revoked device")
		return nil, false
	}
	s.limiter.RecordSuccess(ip, scopeDevice)
	return agent, true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"version":          s.opts.Version,
		"agents_connected": s.hub.Count(),
		"auth_limiter":     s.limiter.Stats(),
		"server_time":      s.now(),
	})
}

type pairResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TenantID  string    `json:"tenant_id,omitempty"`
}

// handlePair issues a pairing code. Without credentials the code is
// unclaimed (the agent shows it); with operator credentials it is bound to
// the tenant (the dashboard shows it).
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var tenant string
	if r.Header.Get("Authorization") != "" || r.Header.Get("X-Tenant-ID") != "" {
		t, ok := s.authenticateOperator(w, r)
		if !ok {
			return
		}
		tenant = t
	}

	now := s.now()
	tok := &storage.PairingToken{
		TenantID:  tenant,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.TokenTTL),
	}
	if tenant != "" {
		tok.ClaimedAt = now
	}
	for attempt := 0; ; attempt++ {
		code, err := util.NewPairingCode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeInternal, "could not generate a pairing code")
			return
		}
		tok.Token = code
		err = s.store.CreatePairingToken(r.Context(), tok)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrTokenExists) || attempt >= 4 {
			s.log.Error("Failed to store pairing token", "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "could not store the pairing code")
			return
		}
	}

	s.log.Info("Pairing code issued", "tenant_id", tenant, "expires_at", tok.ExpiresAt, "dashboard_initiated", tenant != "")
	writeJSON(w, http.StatusOK, pairResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt, TenantID: tenant})
}

type claimRequest struct {
	Token string `json:"token"`
}

// handleClaim binds an agent-displayed code to the operator's tenant.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	code, ok := util.NormalizePairingCode(req.Token)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeValidation, "token must be a 6 character pairing code")
		return
	}
	tenant := tenantFrom(r.Context())
	tok, err := s.store.ClaimPairingToken(r.Context(), code, tenant, s.now())
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.log.Info("Pairing code claimed", "tenant_id", tenant)
	writeJSON(w, http.StatusOK, pairResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt, TenantID: tok.TenantID})
}

type confirmRequest struct {
	Token        string `json:"token"`
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	AgentVersion string `json:"agent_version"`
}

type confirmResponse struct {
	Success      bool   `json:"success"`
	DeviceSecret string `json:"device_secret"`
	TenantID     string `json:"tenant_id"`
	DeviceID     string `json:"device_id"`
}

// handleConfirm redeems a claimed code for a device secret. It answers 202
// while nobody has claimed the code.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.opts.TrustProxy)
	if blocked, _ := s.limiter.IsBlocked(ip, scopeConfirm); blocked {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many failed attempts, try again later")
		return
	}

	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
	} else if id, err := uuid.Parse(deviceID); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "device_id must be a UUID")
		return
	} else {
		deviceID = id.String()
	}
	name := strings.TrimSpace(req.DeviceName)
	if name == "" {
		name = "Print agent"
	}
	name = truncateRunes(name, maxDeviceName)

	code, ok := util.NormalizePairingCode(req.Token)
	if !ok {
		s.confirmFailed(ip)
		writeError(w, http.StatusNotFound, CodeTokenNotFound, "unknown pairing code")
		return
	}

	secret, err := storage.GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not generate a device secret")
		return
	}
	agent := &storage.Agent{
		ID:         deviceID,
		Name:       name,
		Version:    strings.TrimSpace(req.AgentVersion),
		SecretHash: storage.SecretHash(secret),
	}
	_, err = s.store.ConsumePairingToken(r.Context(), code, agent, s.now())
	switch {
	case errors.Is(err, storage.ErrTokenPending):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	case errors.Is(err, storage.ErrTokenNotFound):
		s.confirmFailed(ip)
	case errors.Is(err, storage.ErrAgentOtherTenant):
		s.log.Warn("Confirm for a device paired to another tenant", "agent_id", deviceID, "ip", ip)
	}
	if err != nil {
		s.writeTokenError(w, err)
		return
	}

	s.limiter.RecordSuccess(ip, scopeConfirm)
	// A stream opened with the previous secret of a re-paired device is
	// no longer authorised.
	s.dropConn(agent.ID)
	s.log.Info("Agent paired", "agent_id", agent.ID, "tenant_id", agent.TenantID, "name", agent.Name, "version", agent.Version)
	writeJSON(w, http.StatusOK, confirmResponse{
		Success:      true,
		DeviceSecret: secret,
		TenantID:     agent.TenantID,
		DeviceID:     agent.ID,
	})
}

// maxDeviceName is counted in characters.
const maxDeviceName = 120

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (s *Server) confirmFailed(ip string) {
	if _, shouldLog, n := s.limiter.RecordFailure(ip, scopeConfirm); shouldLog {
		s.log.Warn("Confirm with unknown pairing code", "ip", ip, "attempts", n)
	}
}

type heartbeatRequest struct {
	DeviceID     string `json:"device_id"`
	AgentVersion string `json:"agent_version"`
}

type heartbeatResponse struct {
	Status        string    `json:"status"`
	LatestVersion string    `json:"latest_version,omitempty"`
	ServerTime    time.Time `json:"server_time"`
}

// handleHeartbeat records that the agent is alive. The agent never reports
// its own status; the relay answers with the status it derives.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.authenticateDevice(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID != "" && !strings.EqualFold(req.DeviceID, agent.ID) {
		s.log.Warn("Heartbeat device ID does not match its secret", "agent_id", agent.ID, "device_id", req.DeviceID)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "device secret does not belong to this device")
		return
	}

	now := s.now()
	if err := s.store.TouchAgent(r.Context(), agent.ID, strings.TrimSpace(req.AgentVersion), now); err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unknown or revoked device")
			return
		}
		s.log.Error("Failed to record heartbeat", "agent_id", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not record heartbeat")
		return
	}
	if agent.Status != storage.StatusOnline {
		s.log.Info("Agent online", "agent_id", agent.ID, "tenant_id", agent.TenantID, "previous", agent.Status)
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Status:        storage.StatusOnline,
		LatestVersion: s.opts.LatestVersion,
		ServerTime:    now,
	})
}

// AgentView is an agent as listed to the dashboard.
type AgentView struct {
	*storage.Agent
	Connected       bool `json:"connected"`
	UpdateAvailable bool `json:"update_available"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		s.log.Error("Failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not list agents")
		return
	}
	now := s.now()
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		a.Status = storage.DeriveStatus(a, now, s.opts.OfflineAfter)
		out = append(out, AgentView{
			Agent:           a,
			Connected:       s.hub.Connected(a.ID),
			UpdateAvailable: s.updateAvailable(a.Version),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// handleDeleteAgent revokes an agent's secret and, when its stream is up,
// tells it to unpair at once.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "id is required")
		return
	}
	tenant := tenantFrom(r.Context())
	if err := s.store.DeleteAgent(r.Context(), tenant, id); err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, CodeAgentNotFound, "agent not found")
			return
		}
		s.log.Error("Failed to delete agent", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not delete agent")
		return
	}
	notified := s.sendUnpair(id, "unpaired from the dashboard")
	s.log.Info("Agent unpaired", "agent_id", id, "tenant_id", tenant, "notified", notified)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "notified": notified})
}

func (s *Server) updateAvailable(version string) bool {
	if s.latest == nil || version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return v.LessThan(s.latest)
}

func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, CodeTokenNotFound, "unknown pairing code")
	case errors.Is(err, storage.ErrTokenConsumed):
		writeError(w, http.StatusConflict, CodeTokenConsumed, "pairing code already used")
	case errors.Is(err, storage.ErrTokenClaimed):
		writeError(w, http.StatusConflict, CodeTokenClaimed, "pairing code claimed by another account")
	case errors.Is(err, storage.ErrTokenExpired):
		writeError(w, http.StatusGone, CodeTokenExpired, "pairing code expired")
	case errors.Is(err, storage.ErrAgentOtherTenant):
		writeError(w, http.StatusConflict, CodeAgentTenant, "device is paired to another account; unpair it there first")
	default:
		s.log.Error("Pairing token operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "pairing failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		} else if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, CodeValidation, msg)
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}
