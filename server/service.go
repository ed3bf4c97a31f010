package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

const serviceName = "FoodHubRelay"

// program implements service.Interface
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("FoodHub relay service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runRelay(p.ctx, p.configPath, true); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("FoodHub relay stopped: %v", err))
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("FoodHub relay service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("FoodHub relay service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("FoodHub relay service stopped with timeout")
		}
	}
	return nil
}

func serviceWorkingDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FoodHub", "relay")
	case "darwin":
		return "/Library/Application Support/FoodHub/relay"
	default:
		return "/var/lib/foodhub/relay"
	}
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig(configPath string) *service.Config {
	args := []string{"--service", "run"}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			args = append(args, "--config", abs)
		}
	}

	return &service.Config{
		Name:             serviceName,
		DisplayName:      "FoodHub Relay",
		Description:      "Pairs FoodHub print agents with dashboard tenants and relays print jobs to them.",
		WorkingDirectory: serviceWorkingDir(),
		Arguments:        args,
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// serviceConfigPath is where install writes a default config when none
// exists.
func serviceConfigPath() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(serviceWorkingDir(), "relay.toml")
	default:
		return "/etc/foodhub/relay.toml"
	}
}

// setupServiceDirectories creates necessary directories for service
// operation and a default config.
func setupServiceDirectories() error {
	dirs := []string{serviceWorkingDir(), filepath.Dir(serviceConfigPath())}
	if runtime.GOOS == "windows" {
		dirs = append(dirs, filepath.Join(serviceWorkingDir(), "logs"))
	} else {
		dirs = append(dirs, "/var/log/foodhub/relay")
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	path := serviceConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefaultConfig(path); err != nil {
			return fmt.Errorf("failed to generate default config at %s: %w", path, err)
		}
		fmt.Printf("Generated default configuration at: %s\n", path)
	}
	return nil
}

// handleServiceCommand processes service install/uninstall/start/stop/run
func handleServiceCommand(cmd, configPath string) error {
	switch cmd {
	case "install", "uninstall", "start", "stop", "run":
	default:
		return fmt.Errorf("unknown service command %q (want install, uninstall, start, stop or run)", cmd)
	}

	prg := &program{configPath: configPath}
	s, err := service.New(prg, getServiceConfig(configPath))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		return nil
	case "uninstall":
		if status, _ := s.Status(); status == service.StatusRunning {
			_ = s.Stop()
		}
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	default:
		return s.Run()
	}
}
