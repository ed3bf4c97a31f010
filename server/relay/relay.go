// Package relay implements the cloud relay the print agents pair with: it
// issues one-time pairing codes, redeems them for device secrets, tracks
// heartbeats and keeps a management stream open to each paired agent.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/mux"

	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
	"github.com/JoilsonLima1/foodhub09-sub007/server/storage"
)

// Logger interface for relay operations
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

// Options configures a Server.
type Options struct {
	Store storage.Store
	// OperatorKeys maps tenant IDs to Argon2id hashes of their operator key
	// (see HashOperatorKey).
	OperatorKeys map[string]string

	TokenTTL time.Duration
	// TokenRetention keeps expired tokens around so late confirms get 410
	// instead of 404.
	TokenRetention time.Duration
	// OfflineAfter is how long without a heartbeat before an agent is
	// reported offline.
	OfflineAfter  time.Duration
	SweepInterval time.Duration
	// CommandTimeout bounds how long a relayed print waits for the agent.
	CommandTimeout time.Duration

	// LatestVersion is advertised to agents in heartbeat answers.
	LatestVersion string
	Version       string

	// TrustProxy honours X-Forwarded-For for rate limiting.
	TrustProxy  bool
	MaxAttempts int
	BlockFor    time.Duration
	Window      time.Duration

	Logger Logger
	Now    func() time.Time
}

// Server is the relay HTTP service.
type Server struct {
	opts    Options
	log     Logger
	store   storage.Store
	keys    *operatorKeys
	limiter *AuthLimiter
	latest  *semver.Version
	hub     *ws.Hub
	handler http.Handler

	connMu sync.Mutex
	conns  map[string]*ws.Conn

	pendingMu sync.Mutex
	pending   map[string]chan ws.CommandResult
}

// New validates opts and builds the router.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 10 * time.Minute
	}
	if opts.TokenRetention <= 0 {
		opts.TokenRetention = time.Hour
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = 45 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BlockFor <= 0 {
		opts.BlockFor = 5 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		store:   opts.Store,
		keys:    newOperatorKeys(opts.OperatorKeys),
		limiter: NewAuthLimiter(opts.MaxAttempts, opts.BlockFor, opts.Window),
		hub:     ws.NewHub(),
		conns:   make(map[string]*ws.Conn),
		pending: make(map[string]chan ws.CommandResult),
	}
	if s.log == nil {
		s.log = nullLogger{}
	}
	s.limiter.mu.Lock()
	s.limiter.now = opts.Now
	s.limiter.mu.Unlock()
	if opts.LatestVersion != "" {
		v, err := semver.NewVersion(opts.LatestVersion)
		if err != nil {
			s.limiter.Stop()
			return nil, fmt.Errorf("relay: invalid latest version %q: %w", opts.LatestVersion, err)
		}
		s.latest = v
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/pair", s.handlePair).Methods(http.MethodPost)
	r.HandleFunc("/pair/claim", s.operator(s.handleClaim)).Methods(http.MethodPost)
	r.HandleFunc("/confirm", s.handleConfirm).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/agents/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/agents", s.operator(s.handleListAgents)).Methods(http.MethodGet)
	r.HandleFunc("/agents", s.operator(s.handleDeleteAgent)).Methods(http.MethodDelete)
	r.HandleFunc("/agents/{id}/print", s.operator(s.handleRelayPrint)).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeValidation, "method not allowed")
	})
	s.handler = r
	return s, nil
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run sweeps presence and expired tokens until ctx is done, then closes
// every agent stream.
func (s *Server) Run(ctx context.Context) {
	defer s.shutdown()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Server) shutdown() {
	s.hub.Stop()
	s.limiter.Stop()
	s.connMu.Lock()
	for id, c := range s.conns {
		_ = c.WriteClose("relay shutting down", time.Second)
		c.Close()
		delete(s.conns, id)
	}
	s.connMu.Unlock()
}

// ListenAndServe serves on addr until ctx is done. A nil tlsCfg serves
// plain HTTP, for deployments behind a TLS-terminating proxy.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()
	s.log.Info("Relay listening", "addr", addr, "tls", tlsCfg != nil)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Relay shutdown error", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) now() time.Time { return s.opts.Now().UTC() }
