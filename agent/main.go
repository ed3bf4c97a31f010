package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"
	flag "github.com/spf13/pflag"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/pairing"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/storage"
	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
	"github.com/JoilsonLima1/foodhub09-sub007/common/logger"
	commonutil "github.com/JoilsonLima1/foodhub09-sub007/common/util"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "0.0.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.StringP("config", "c", "", "Configuration file path (default: search platform locations)")
	generateConfig := flag.Bool("generate-config", false, "Generate default config file and exit")
	serviceCmd := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	health := flag.Bool("health", false, "Check the local print API and exit non-zero when it is down")
	pair := flag.Bool("pair", false, "Request a pairing code and wait until it is entered in the dashboard")
	pairCode := flag.String("pair-code", "", "Pair using a code issued by the dashboard")
	unpair := flag.Bool("unpair", false, "Forget the stored device identity")
	quiet := flag.BoolP("quiet", "q", false, "Suppress informational output (errors/warnings still shown)")
	silent := flag.BoolP("silent", "s", false, "Suppress ALL output")
	flag.Parse()

	if *silent {
		commonutil.SetSilentMode(true)
	} else {
		commonutil.SetQuietMode(*quiet)
	}

	if *showVersion {
		fmt.Printf("FoodHub Print Agent %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *generateConfig {
		path := *configPath
		if path == "" {
			path = "config.toml"
		}
		if err := WriteDefaultAgentConfig(path); err != nil {
			fatal("Failed to generate config", err)
		}
		commonutil.ShowSuccess("Generated default configuration at " + path)
		return
	}

	if *serviceCmd != "" {
		if *serviceCmd != "run" {
			commonutil.ShowBanner(Version, "Print Agent")
		}
		if err := handleServiceCommand(*serviceCmd, *configPath); err != nil {
			fatal("Service command failed", err)
		}
		if *serviceCmd != "run" {
			commonutil.ShowSuccess(fmt.Sprintf("Service %s completed", *serviceCmd))
		}
		return
	}

	if !service.Interactive() {
		if err := handleServiceCommand("run", *configPath); err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *health:
		err = runHealthCommand(ctx, *configPath)
	case *pair:
		err = runPairCommand(ctx, *configPath, "")
	case *pairCode != "":
		err = runPairCommand(ctx, *configPath, *pairCode)
	case *unpair:
		err = runUnpairCommand(ctx, *configPath)
	default:
		err = runAgent(ctx, *configPath, false)
	}
	if err != nil {
		fatal("FoodHub print agent", err)
	}
}

func fatal(msg string, err error) {
	commonutil.ShowError(fmt.Sprintf("%s: %v", msg, err))
	os.Exit(1)
}

// loadConfig resolves the config file from AGENT_CONFIG, the flag and the
// platform search paths. With no file it returns the defaults with
// environment overrides applied.
func loadConfig(configFlag string) (*AgentConfig, string, error) {
	path := config.ResolveConfigPath("AGENT", configFlag)
	if path == "" {
		if found, _, err := config.FindConfigFile("config.toml", "agent"); err == nil {
			path = found
		}
	}
	if path == "" {
		cfg := DefaultAgentConfig()
		applyEnvOverrides(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadAgentConfig(path)
	if err != nil && cfg == nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, path, err
}

func resolveDataDir(cfg *AgentConfig, isService bool) (string, error) {
	if cfg.Agent.DataDir != "" {
		return cfg.Agent.DataDir, nil
	}
	return config.GetDataDirectory("agent", isService)
}

func newLogger(cfg *AgentConfig, isService bool) *logger.Logger {
	logDir, err := config.GetLogDirectory("agent", isService)
	if err != nil {
		logDir = ""
	}
	log := logger.New(logger.LevelFromString(cfg.Logging.Level), logDir, 1000)
	log.SetRotationPolicy(logger.RotationPolicy{
		Enabled:    true,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxFiles:   cfg.Logging.MaxFiles,
	})
	if err != nil {
		log.Warn("Log directory unavailable, logging to console only", "error", err)
	}
	return log
}

// runAgent is the normal foreground and service entry point.
func runAgent(ctx context.Context, configFlag string, isService bool) error {
	cfg, path, cfgErr := loadConfig(configFlag)
	if cfg == nil {
		return cfgErr
	}
	log := newLogger(cfg, isService)
	defer log.Close()

	if !isService {
		commonutil.ShowBanner(Version, "Print Agent")
	}
	log.Info("FoodHub print agent starting",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit,
		"config", path)
	if cfgErr != nil {
		log.Warn("Configuration has unknown keys", "error", cfgErr)
	}

	rt, err := newRuntime(ctx, cfg, log, runtimeOptions{Version: Version, IsService: isService})
	if err != nil {
		log.Error("Agent failed to start", "error", err)
		return err
	}
	return rt.Run(ctx)
}

// runPairCommand pairs from the terminal. An empty code requests one from
// the relay; otherwise the dashboard-issued code is redeemed.
func runPairCommand(ctx context.Context, configFlag, code string) error {
	cfg, _, _ := loadConfig(configFlag)
	if cfg == nil {
		return errors.New("no usable configuration")
	}
	log := newLogger(cfg, false)
	log.SetConsoleOutput(false)
	defer log.Close()

	state, err := openState(cfg, false)
	if err != nil {
		return err
	}
	defer state.Close()
	client, err := newRelayClient(cfg, Version, log)
	if err != nil {
		return err
	}
	m := pairing.New(pairing.Options{
		Relay:      client,
		Store:      state.ids,
		Logger:     log,
		Version:    Version,
		DeviceName: deviceName(cfg),
	})
	if err := m.Load(ctx); err != nil {
		return err
	}
	if m.State() == pairing.StatePaired {
		commonutil.ShowWarning("This agent is already paired; the current identity stays active until pairing succeeds")
	}

	var id storage.Identity
	if code != "" {
		commonutil.ShowInfo("Confirming pairing code...")
		id, err = m.Confirm(ctx, code)
	} else {
		tok, berr := m.Begin(ctx)
		if berr != nil {
			return berr
		}
		commonutil.ShowPairingCode(tok.Token, tok.ExpiresAt)
		id, err = m.Await(ctx)
	}
	if err != nil {
		return err
	}
	commonutil.ShowSuccess(fmt.Sprintf("Paired with tenant %s as %s", id.TenantID, id.DeviceName))
	commonutil.ShowInfo("Restart the agent service for the new identity to take effect")
	return nil
}

func runUnpairCommand(ctx context.Context, configFlag string) error {
	cfg, _, _ := loadConfig(configFlag)
	if cfg == nil {
		return errors.New("no usable configuration")
	}
	state, err := openState(cfg, false)
	if err != nil {
		return err
	}
	defer state.Close()
	if err := state.ids.ClearIdentity(ctx); err != nil {
		return err
	}
	commonutil.ShowSuccess("Device identity removed")
	return nil
}

// runHealthCommand calls GET /health on the local API, trusting the agent's
// own certificate. HTTPS is tried first, then plain HTTP.
func runHealthCommand(ctx context.Context, configFlag string) error {
	cfg, _, _ := loadConfig(configFlag)
	if cfg == nil {
		return errors.New("no usable configuration")
	}
	var certPath string
	if dir, err := resolveDataDir(cfg, !service.Interactive()); err == nil {
		certPath = filepath.Join(dir, "tls", "agent.crt")
	}
	body, err := checkHealth(ctx, cfg.ListenAddr(), certPath)
	if err != nil {
		return err
	}
	report := map[string]interface{}{"agent": body}
	if client, cerr := newRelayClient(cfg, Version, logger.Nop()); cerr == nil {
		report["relay"] = probeRelay(ctx, client.BaseURL(), client.TLSConfig())
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	return nil
}

func checkHealth(ctx context.Context, addr, certPath string) (map[string]interface{}, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if pem, err := os.ReadFile(certPath); err == nil {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(pem)
		tlsCfg.RootCAs = pool
	}
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		// A plain HTTP request to the TLS port is redirected; stop there.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+addr+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		var body map[string]interface{}
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			lastErr = fmt.Errorf("%s health returned %s", scheme, resp.Status)
			continue
		}
		if body["status"] != "ok" {
			return body, fmt.Errorf("agent reports status %v", body["status"])
		}
		return body, nil
	}
	return nil, fmt.Errorf("agent unreachable at %s: %w", addr, lastErr)
}
