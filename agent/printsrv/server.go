// Package printsrv is the agent's local print API. The dashboard calls it
// from the browser on 127.0.0.1 to check the agent is there and to print.
package printsrv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/pairing"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/presence"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printers"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printqueue"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
)

// Error codes returned in {code, message} bodies.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotAgentMode  = "NOT_AGENT_MODE"
	CodeAgentOffline  = "AGENT_OFFLINE"
	CodePrintError    = "PRINT_ERROR"
	CodeForbiddenOrig = "FORBIDDEN_ORIGIN"
	CodeNotFound      = "NOT_FOUND"
)

// DefaultAddr is the loopback address the dashboard expects.
const DefaultAddr = "127.0.0.1:9101"

// Renderer prints one job. printers.Renderer implements it.
type Renderer interface {
	Render(ctx context.Context, job receipt.Job) (printers.Outcome, error)
}

// PrinterLister lists known printers. printers.Registry implements it.
type PrinterLister interface {
	List() []printers.Printer
	DefaultName() string
	LastRefresh() time.Time
}

// PairingState reports the pairing state. pairing.Manager implements it.
type PairingState interface {
	State() pairing.State
}

// HeartbeatSource reports the relay heartbeat of the paired session; ok is
// false while no session runs.
type HeartbeatSource interface {
	HeartbeatStatus() (st presence.Status, ok bool)
}

// QueueStats reports print queue activity. printqueue.Queue implements it.
type QueueStats interface {
	Workers() int
}

// Logger interface for print server operations
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
	Addr    string
	Version string

	// CertPath and KeyPath enable HTTPS when both are set.
	CertPath string
	KeyPath  string
	// RequireTLS disables printing when HTTPS is not available.
	RequireTLS bool

	AllowedOrigins  []string
	AllowDevOrigins bool

	// DefaultPaperWidth is used when a job does not name one (default 80).
	DefaultPaperWidth int
	MaxBodyBytes      int64

	// Renderer nil disables printing (NOT_AGENT_MODE).
	Renderer  Renderer
	Printers  PrinterLister
	Pairing   PairingState
	Heartbeat HeartbeatSource
	Queue     QueueStats
	// OnPrintError is told about failed jobs, e.g. to notify the operator.
	OnPrintError func(printer string, err error)
	Logger       Logger
}

// Server serves the local print API.
type Server struct {
	opts    Options
	log     Logger
	tls     *tls.Config
	origins originPolicy
	handler http.Handler
}

// New builds the server. A certificate that cannot be loaded is an error;
// pass empty paths to run over plain HTTP.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.DefaultPaperWidth == 0 {
		opts.DefaultPaperWidth = 80
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		origins: newOriginPolicy(opts.AllowedOrigins, opts.AllowDevOrigins),
	}
	if s.log == nil {
		s.log = nullLogger{}
	}
	if opts.CertPath != "" && opts.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		s.tls = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/print", s.handlePrint).Methods(http.MethodPost)
	r.HandleFunc("/printers", s.handlePrinters).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such endpoint")
	})
	s.handler = s.cors(r)
	return s, nil
}

// Handler returns the API handler with CORS applied.
func (s *Server) Handler() http.Handler { return s.handler }

// TLS reports whether the server speaks HTTPS.
func (s *Server) TLS() bool { return s.tls != nil }

// PrintingEnabled reports whether /print accepts jobs.
func (s *Server) PrintingEnabled() bool {
	return s.opts.Renderer != nil && (s.tls != nil || !s.opts.RequireTLS)
}

// ListenAndServe listens on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. With HTTPS enabled, plain HTTP
// requests on the same port are redirected to https://.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "http"
	if s.tls != nil {
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		ln = tls.NewListener(newRedirectListener(ln, port, s.log), s.tls)
		scheme = "https"
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("Local print server listening", "addr", ln.Addr().String(), "scheme", scheme, "printing", s.PrintingEnabled())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Local print server shutdown error", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status       string           `json:"status"`
	Version      string           `json:"version"`
	TLS          bool             `json:"tls"`
	Printing     bool             `json:"printing"`
	Paired       bool             `json:"paired"`
	PairingState string           `json:"pairing_state,omitempty"`
	Relay        *presence.Status `json:"relay,omitempty"`
	// PrintersRefreshed is unset until discovery has run once.
	PrintersRefreshed *time.Time `json:"printers_refreshed_at,omitempty"`
	// ActivePrinters counts printers with a running print worker.
	ActivePrinters int `json:"active_printers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  s.opts.Version,
		TLS:      s.tls != nil,
		Printing: s.PrintingEnabled(),
	}
	if s.opts.Pairing != nil {
		st := s.opts.Pairing.State()
		resp.PairingState = string(st)
		resp.Paired = st == pairing.StatePaired
	}
	if s.opts.Heartbeat != nil {
		if st, ok := s.opts.Heartbeat.HeartbeatStatus(); ok {
			resp.Relay = &st
		}
	}
	if s.opts.Printers != nil {
		if at := s.opts.Printers.LastRefresh(); !at.IsZero() {
			at = at.UTC()
			resp.PrintersRefreshed = &at
		}
	}
	if s.opts.Queue != nil {
		resp.ActivePrinters = s.opts.Queue.Workers()
	}
	writeJSON(w, http.StatusOK, resp)
}

type printersResponse struct {
	Default  string             `json:"default,omitempty"`
	Printers []printers.Printer `json:"printers"`
}

func (s *Server) handlePrinters(w http.ResponseWriter, r *http.Request) {
	resp := printersResponse{Printers: []printers.Printer{}}
	if s.opts.Printers != nil {
		resp.Printers = append(resp.Printers, s.opts.Printers.List()...)
		resp.Default = s.opts.Printers.DefaultName()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	if !s.PrintingEnabled() {
		writeError(w, http.StatusConflict, CodeNotAgentMode, "printing is disabled on this agent")
		return
	}

	var job receipt.Job
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&job); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		} else if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, CodeValidation, msg)
		return
	}

	status, res := s.Print(r.Context(), job)
	writeJSON(w, status, res)
}

// Print runs a job and returns the HTTP status and body for it. The relay
// link uses it for jobs that arrive over the management stream.
func (s *Server) Print(ctx context.Context, job receipt.Job) (int, ws.CommandResult) {
	if !s.PrintingEnabled() {
		return http.StatusConflict, ws.CommandResult{Code: CodeNotAgentMode, Message: "printing is disabled on this agent"}
	}
	if job.PaperWidth == 0 {
		job.PaperWidth = s.opts.DefaultPaperWidth
	}

	start := time.Now()
	out, err := s.opts.Renderer.Render(ctx, job)
	if err != nil {
		status, code := classify(err)
		res := ws.CommandResult{Printer: out.Printer, Warnings: out.Warnings, Code: code, Message: err.Error()}
		if code == CodeValidation {
			s.log.Debug("Rejected print job", "error", err)
		} else {
			s.log.Warn("Print failed", "printer", out.Printer, "code", code, "error", err)
			if s.opts.OnPrintError != nil {
				s.opts.OnPrintError(out.Printer, err)
			}
		}
		return status, res
	}
	s.log.Debug("Printed job", "printer", out.Printer, "lines", len(job.Lines), "duration", time.Since(start))
	return http.StatusOK, ws.CommandResult{Success: true, Printer: out.Printer, Warnings: out.Warnings}
}

// classify maps a render error to an HTTP status and error code.
func classify(err error) (int, string) {
	var verr *receipt.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, printers.ErrNoPrinter), errors.Is(err, printers.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, CodeAgentOffline
	case errors.Is(err, printqueue.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodePrintError
	default:
		return http.StatusBadGateway, CodePrintError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ws.CommandResult{Code: code, Message: msg})
}
