// FoodHub relay - pairs print agents with dashboard tenants, tracks their
// presence and relays print jobs over each agent's management stream.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"
	flag "github.com/spf13/pflag"

	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
	"github.com/JoilsonLima1/foodhub09-sub007/common/logger"
	commonutil "github.com/JoilsonLima1/foodhub09-sub007/common/util"
	"github.com/JoilsonLima1/foodhub09-sub007/server/relay"
	"github.com/JoilsonLima1/foodhub09-sub007/server/storage"
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
	hashKey := flag.Bool("hash-key", false, "Read an operator key from stdin and print its hash for [[tenants]]")
	quiet := flag.BoolP("quiet", "q", false, "Suppress informational output (errors/warnings still shown)")
	flag.Parse()

	commonutil.SetQuietMode(*quiet)

	if *showVersion {
		fmt.Printf("FoodHub Relay %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if *hashKey {
		if err := runHashKey(os.Stdin, os.Stdout); err != nil {
			fatal("Failed to hash operator key", err)
		}
		return
	}

	if *generateConfig {
		path := *configPath
		if path == "" {
			path = "relay.toml"
		}
		if err := WriteDefaultConfig(path); err != nil {
			fatal("Failed to generate config", err)
		}
		commonutil.ShowSuccess("Generated default configuration at " + path)
		return
	}

	if *serviceCmd != "" {
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
	if err := runRelay(ctx, *configPath, false); err != nil {
		fatal("FoodHub relay", err)
	}
}

func fatal(msg string, err error) {
	commonutil.ShowError(fmt.Sprintf("%s: %v", msg, err))
	os.Exit(1)
}

func runHashKey(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if len(key) < 16 {
		return errors.New("operator keys must be at least 16 characters")
	}
	hash, err := relay.HashOperatorKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// loadConfig resolves the config file from RELAY_CONFIG, the flag and the
// platform search paths.
func loadConfig(configFlag string) (*Config, string, error) {
	path := config.ResolveConfigPath("RELAY", configFlag)
	if path == "" {
		if found, _, err := config.FindConfigFile("relay.toml", "relay"); err == nil {
			path = found
		}
	}
	if path == "" {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadConfig(path)
	if err != nil && cfg == nil {
		return nil, path, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, path, err
}

func newLogger(cfg *Config, isService bool) *logger.Logger {
	logDir, err := config.GetLogDirectory("relay", isService)
	if err != nil {
		logDir = ""
	}
	log := logger.NewNamed(logger.LevelFromString(cfg.Logging.Level), logDir, "relay", 1000)
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

// runRelay is the foreground and service entry point.
func runRelay(ctx context.Context, configFlag string, isService bool) error {
	cfg, path, cfgErr := loadConfig(configFlag)
	if cfg == nil {
		return cfgErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg, isService)
	defer log.Close()
	storage.SetLogger(log)

	if !isService {
		commonutil.ShowBanner(Version, "Relay")
	}
	log.Info("FoodHub relay starting",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit,
		"config", path)
	if cfgErr != nil {
		log.Warn("Configuration has unknown keys", "error", cfgErr)
	}
	if len(cfg.Tenants) == 0 {
		log.Warn("No tenants configured; operators cannot claim pairing codes")
	}

	dataDir, err := config.GetDataDirectory("relay", isService)
	if err != nil {
		return err
	}
	dbCfg := cfg.Database
	if dbCfg.Path == "" {
		dbCfg.Path = filepath.Join(dataDir, "relay.db")
	}
	store, err := storage.Open(dbCfg)
	if err != nil {
		log.Error("Failed to open relay store", "driver", dbCfg.Driver, "error", err)
		return err
	}
	defer store.Close()

	opts := cfg.RelayOptions()
	opts.Store = store
	opts.Logger = log
	opts.Version = Version
	srv, err := relay.New(opts)
	if err != nil {
		return err
	}

	tlsSet, err := buildTLS(cfg, filepath.Join(dataDir, "tls"), log)
	if err != nil {
		log.Error("TLS setup failed", "mode", cfg.TLS.Mode, "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		srv.Run(runCtx)
	}()
	defer func() { <-sweeperDone }()

	if tlsSet.HTTPHandler != nil && cfg.Server.HTTPPort > 0 {
		addr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.HTTPPort))
		go serveHTTP(runCtx, addr, tlsSet.HTTPHandler, log)
	}

	err = srv.ListenAndServe(runCtx, cfg.ListenAddr(), tlsSet.Config)
	cancel()
	if err != nil {
		log.Error("Relay stopped", "error", err)
		return err
	}
	log.Info("FoodHub relay stopped")
	return nil
}

// serveHTTP runs the plain HTTP listener for ACME challenges and redirects.
func serveHTTP(ctx context.Context, addr string, h http.Handler, log *logger.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("HTTP redirect listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("HTTP redirect listener failed", "addr", addr, "error", err)
	}
}
