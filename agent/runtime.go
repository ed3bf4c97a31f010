package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/certs"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/notify"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/pairing"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/presence"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printers"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printqueue"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printsrv"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/relay"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/relaylink"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/storage"
	"github.com/JoilsonLima1/foodhub09-sub007/common/logger"
	"github.com/JoilsonLima1/foodhub09-sub007/common/util"
	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
)

// runtimeOptions carries the pieces tests replace.
type runtimeOptions struct {
	Version   string
	IsService bool
	// Listener, when set, is used instead of binding cfg.ListenAddr().
	Listener       net.Listener
	CertStrategies []certs.Strategy
	Transports     map[string]printers.Transport
	// Detectors replaces the detectors built from the config.
	Detectors    []printers.Detector
	NotifySender notify.Sender
	// PairPoll is the confirm poll interval (default 2s).
	PairPoll time.Duration
}

// agentState is the on-disk state shared by the runtime and the one-shot
// CLI commands.
type agentState struct {
	layout storage.Layout
	store  storage.StateStore
	ids    *storage.IdentityStore
}

func openState(cfg *AgentConfig, isService bool) (*agentState, error) {
	dataDir, err := resolveDataDir(cfg, isService)
	if err != nil {
		return nil, err
	}
	layout, err := storage.NewLayout(dataDir)
	if err != nil {
		return nil, err
	}

	var store storage.StateStore
	switch strings.ToLower(cfg.Database.Driver) {
	case "memory":
		store = storage.NewMemoryStore()
	case "", "sqlite":
		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath = layout.DBPath()
		}
		sqlite, err := storage.OpenSQLite(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		store = sqlite
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want sqlite or memory)", cfg.Database.Driver)
	}

	key, err := util.LoadOrCreateKey(layout.IdentityKeyPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("identity key: %w", err)
	}
	ids, err := storage.NewIdentityStore(store, key)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &agentState{layout: layout, store: store, ids: ids}, nil
}

func (s *agentState) Close() error { return s.store.Close() }

func newRelayClient(cfg *AgentConfig, version string, log *logger.Logger) (*relay.Client, error) {
	return relay.NewClient(relay.Options{
		BaseURL:            cfg.Relay.URL,
		CACertPath:         cfg.Relay.CAPath,
		InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
		UserAgent:          "FoodHub-Agent/" + version,
		Logger:             log,
	})
}

// agentRuntime owns every long-running part of the agent.
type agentRuntime struct {
	cfg      *AgentConfig
	opts     runtimeOptions
	log      *logger.Logger
	state    *agentState
	cert     certs.Result
	relay    *relay.Client
	pairing  *pairing.Manager
	registry *printers.Registry
	queue    *printqueue.Queue
	server   *printsrv.Server
	notifier *notify.Notifier

	pairRunning atomic.Bool
	session     *pairedSession
	// heartbeat is read by /health while Run's goroutine swaps sessions.
	heartbeat atomic.Pointer[presence.Reporter]
}

// pairedSession is the heartbeat reporter and relay link of one identity.
type pairedSession struct {
	secret   string
	reporter *presence.Reporter
	link     *relaylink.Link
	cancel   context.CancelFunc
	done     chan struct{}
}

func newRuntime(ctx context.Context, cfg *AgentConfig, log *logger.Logger, opts runtimeOptions) (*agentRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, err := openState(cfg, opts.IsService)
	if err != nil {
		return nil, err
	}
	r := &agentRuntime{cfg: cfg, opts: opts, log: log, state: state}

	r.notifier = notify.New(notify.Options{
		URLs:     cfg.Notify.URLs,
		Prefix:   deviceName(cfg),
		Cooldown: time.Duration(cfg.Notify.CooldownMinutes) * time.Minute,
		Sender:   opts.NotifySender,
		Logger:   log,
	})

	r.ensureCertificate(ctx)

	r.relay, err = newRelayClient(cfg, opts.Version, log)
	if err != nil {
		state.Close()
		return nil, err
	}
	r.pairing = pairing.New(pairing.Options{
		Relay:        r.relay,
		Store:        state.ids,
		Logger:       log,
		Version:      opts.Version,
		DeviceName:   deviceName(cfg),
		PollInterval: opts.PairPoll,
	})

	r.buildPrinting()

	srvOpts := printsrv.Options{
		Addr:              cfg.ListenAddr(),
		Version:           opts.Version,
		RequireTLS:        cfg.Web.RequireTLS,
		AllowedOrigins:    cfg.Web.AllowedOrigins,
		AllowDevOrigins:   cfg.Web.AllowDevOrigins,
		DefaultPaperWidth: cfg.Printing.PaperWidth,
		Printers:          r.registry,
		Pairing:           r.pairing,
		Heartbeat:         r,
		Queue:             r.queue,
		OnPrintError:      r.printFailed,
		Logger:            log,
	}
	if r.cert.Ready {
		srvOpts.CertPath, srvOpts.KeyPath = r.cert.CertPath, r.cert.KeyPath
	}
	if cfg.Printing.Enabled {
		srvOpts.Renderer = printers.NewRenderer(r.registry, printers.RendererOptions{
			Transports: opts.Transports,
			Queue:      r.queue,
			Logger:     log,
		})
	}
	r.server, err = printsrv.New(srvOpts)
	if err != nil {
		// A certificate that will not load is treated like a failed
		// provisioning run.
		log.Warn("Certificate could not be loaded, serving without TLS", "error", err)
		r.cert.Ready = false
		srvOpts.CertPath, srvOpts.KeyPath = "", ""
		if r.server, err = printsrv.New(srvOpts); err != nil {
			state.Close()
			return nil, err
		}
	}
	return r, nil
}

func deviceName(cfg *AgentConfig) string {
	if n := strings.TrimSpace(cfg.Agent.Name); n != "" {
		return n
	}
	return util.DefaultDeviceName()
}

// ensureCertificate provisions the local TLS pair before the listener binds.
// Failure leaves the agent on plain HTTP.
func (r *agentRuntime) ensureCertificate(ctx context.Context) {
	res, err := certs.Ensure(ctx, r.state.layout.TLSDir(), certs.Options{
		Strategies: r.opts.CertStrategies,
		Logger:     r.log,
	})
	r.cert = res
	if err != nil || !res.Ready {
		r.log.Warn("Local certificate unavailable, HTTPS disabled", "error", err)
		r.notifier.Notify(notify.EventCertificate, "Local HTTPS certificate could not be created; the print API runs without TLS")
		return
	}
	if res.Generated {
		r.log.Info("Generated local certificate", "strategy", res.Strategy, "path", res.CertPath)
	}
	if notAfter, err := certs.Expiry(res.CertPath, res.KeyPath); err == nil {
		if time.Until(notAfter) <= 0 {
			r.log.Warn("Local certificate has expired; delete the tls directory to regenerate it", "not_after", notAfter)
			r.notifier.Notify(notify.EventCertificate, "Local HTTPS certificate expired on %s", notAfter.Format("2006-01-02"))
		} else {
			r.log.Debug("Local certificate valid", "not_after", notAfter)
		}
	}
}

func (r *agentRuntime) buildPrinting() {
	cfg := r.cfg
	detectors := r.opts.Detectors
	if detectors == nil {
		detectors = []printers.Detector{
			printers.StaticDetector{Printers: cfg.ConfiguredPrinters()},
			printers.PlatformDetector(),
		}
		if cfg.Printing.MDNS {
			detectors = append(detectors, &printers.MDNSDetector{Logger: r.log})
		}
	}
	regOpts := printers.RegistryOptions{Default: cfg.Printing.DefaultPrinter, Logger: r.log}
	if cfg.SNMP.Enabled {
		regOpts.Prober = &printers.SNMPProber{
			Community: cfg.SNMP.Community,
			Timeout:   time.Duration(cfg.SNMP.TimeoutMs) * time.Millisecond,
		}
	}
	r.registry = printers.NewRegistry(regOpts, detectors...)
	r.queue = printqueue.New(printqueue.Options{
		JobTimeout: time.Duration(cfg.Printing.JobTimeoutMs) * time.Millisecond,
		Logger:     r.log,
	})
	r.registry.OnRemoved(r.queue.Remove)
}

func (r *agentRuntime) printFailed(printer string, err error) {
	r.notifier.Notify(notify.EventPrintFailed, "Print on %q failed: %v", printer, err)
}

// printFromRelay serves print commands that arrive over the relay link.
func (r *agentRuntime) printFromRelay(ctx context.Context, job receipt.Job) ws.CommandResult {
	_, res := r.server.Print(ctx, job)
	return res
}

// Run serves until ctx is done. Pairing changes start and stop the paired
// session; an unpaired agent asks the relay for a pairing code.
func (r *agentRuntime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.state.Close()
	defer r.queue.Close()

	ln := r.opts.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", r.cfg.ListenAddr()); err != nil {
			return fmt.Errorf("listen %s: %w (is another agent running?)", r.cfg.ListenAddr(), err)
		}
	}

	kick := make(chan struct{}, 1)
	wake := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	r.pairing.OnChange(func(c pairing.Change) {
		r.log.Debug("Pairing state changed", "from", c.From, "to", c.To, "reason", c.Reason)
		if c.To == pairing.StatePaired && c.From == pairing.StateAwaiting {
			if id, ok := r.pairing.Identity(); ok {
				util.ShowSuccess("Agent paired")
				r.notifier.Notify(notify.EventPaired, "Agent paired with tenant %s", id.TenantID)
			}
		}
		wake()
	})
	if err := r.pairing.Load(ctx); err != nil {
		r.log.Warn("Could not load device identity", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.registry.Refresh(ctx); err != nil {
			r.log.Debug("Initial printer detection incomplete", "error", err)
		}
		r.registry.Run(ctx, time.Duration(r.cfg.Printing.RefreshSeconds)*time.Second)
	}()

	srvErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		srvErr <- r.server.Serve(ctx, ln)
	}()

	r.log.Info("FoodHub print agent running",
		"version", r.opts.Version,
		"addr", ln.Addr().String(),
		"tls", r.server.TLS(),
		"printing", r.server.PrintingEnabled(),
		"relay", r.relay.BaseURL())

	var runErr error
loop:
	for {
		r.reconcile(ctx, &wg, wake)
		select {
		case <-ctx.Done():
			break loop
		case err := <-srvErr:
			if err != nil && ctx.Err() == nil {
				runErr = fmt.Errorf("local print server: %w", err)
			}
			break loop
		case <-kick:
		}
	}

	cancel()
	r.stopSession()
	wg.Wait()
	r.notifier.Wait()
	r.log.Info("FoodHub print agent stopped")
	return runErr
}

// reconcile brings the paired session and the pairing loop in line with the
// pairing state. Only Run's goroutine calls it.
func (r *agentRuntime) reconcile(ctx context.Context, wg *sync.WaitGroup, wake func()) {
	switch r.pairing.State() {
	case pairing.StatePaired:
		id, ok := r.pairing.Identity()
		if !ok {
			return
		}
		if r.session != nil && r.session.secret == id.Secret {
			return
		}
		r.stopSession()
		if err := r.startSession(ctx, id); err != nil {
			r.log.Error("Could not start relay session", "error", err)
		}
	case pairing.StateUnpaired:
		r.stopSession()
		if r.cfg.Relay.AutoPair && r.pairRunning.CompareAndSwap(false, true) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer wake()
				defer r.pairRunning.Store(false)
				r.pairLoop(ctx)
			}()
		}
	}
}

func (r *agentRuntime) startSession(ctx context.Context, id storage.Identity) error {
	var once sync.Once
	onRevoked := func(ctx context.Context, reason string) {
		once.Do(func() { r.revoke(ctx, id.Secret, reason) })
	}

	rep, err := presence.New(presence.Options{
		Relay:     r.relay,
		Identity:  id,
		Version:   r.opts.Version,
		Interval:  r.cfg.HeartbeatEvery(),
		OnRevoked: onRevoked,
		Logger:    r.log,
	})
	if err != nil {
		return err
	}
	var link *relaylink.Link
	if r.cfg.Relay.Stream {
		link, err = relaylink.New(relaylink.Options{
			URL:       r.relay.StreamURL(),
			Secret:    id.Secret,
			DeviceID:  id.DeviceID,
			Version:   r.opts.Version,
			TLSConfig: r.relay.TLSConfig(),
			Print:     r.printFromRelay,
			OnRevoked: onRevoked,
			Logger:    r.log,
		})
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &pairedSession{secret: id.Secret, reporter: rep, link: link, cancel: cancel, done: make(chan struct{})}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rep.Run(sctx); err != nil && !errors.Is(err, presence.ErrRevoked) {
			r.log.Warn("Heartbeat reporter stopped", "error", err)
		}
	}()
	if link != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := link.Run(sctx); err != nil && !errors.Is(err, relaylink.ErrRevoked) {
				r.log.Warn("Relay link stopped", "error", err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()

	r.session = s
	r.heartbeat.Store(rep)
	r.log.Info("Relay session started", "device_id", id.DeviceID, "tenant_id", id.TenantID, "stream", link != nil)
	return nil
}

// HeartbeatStatus reports the current session's last heartbeat.
func (r *agentRuntime) HeartbeatStatus() (presence.Status, bool) {
	rep := r.heartbeat.Load()
	if rep == nil {
		return presence.Status{}, false
	}
	return rep.Status(), true
}

func (r *agentRuntime) stopSession() {
	s := r.session
	if s == nil {
		return
	}
	r.session = nil
	r.heartbeat.Store(nil)
	s.cancel()
	<-s.done
	r.log.Debug("Relay session stopped")
}

// revoke runs when the relay rejects the device secret or unpairs the device.
// An identity re-paired from the CLI in the meantime is kept and picked up by
// the next reconcile.
func (r *agentRuntime) revoke(ctx context.Context, secret, reason string) {
	revoked, err := r.pairing.Revoke(context.WithoutCancel(ctx), secret, reason)
	if err != nil {
		r.log.Error("Could not clear revoked identity", "error", err)
	}
	if !revoked && err == nil {
		return
	}
	r.notifier.Notify(notify.EventRevoked, "Agent credentials revoked (%s); pair the agent again", reason)
}

// pairLoop keeps a pairing code on offer until the agent is paired or ctx
// is done. Expired or rejected codes are replaced with fresh ones.
func (r *agentRuntime) pairLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	for ctx.Err() == nil && r.pairing.State() != pairing.StatePaired {
		tok, err := r.pairing.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			r.log.WarnRateLimited("pairing_begin", 5*time.Minute, "Could not get a pairing code from the relay", "error", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		r.announce(tok)

		_, err = r.pairing.Await(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
			return
		case errors.Is(err, pairing.ErrTokenExpired), errors.Is(err, pairing.ErrTokenRejected):
			r.log.Info("Pairing code no longer valid, requesting a new one", "reason", err)
		default:
			r.log.Warn("Pairing failed", "error", err)
			if !sleepCtx(ctx, b.NextBackOff()) {
				return
			}
		}
	}
}

func (r *agentRuntime) announce(tok relay.PairToken) {
	util.ShowPairingCode(tok.Token, tok.ExpiresAt)
	r.notifier.Notify(notify.EventPairingCode, "Pairing code %s (expires %s)", tok.Token, tok.ExpiresAt.Local().Format("15:04"))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
