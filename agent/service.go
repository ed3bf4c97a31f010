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

const serviceName = "FoodHubPrintAgent"

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
		p.svcLogger.Info("FoodHub print agent service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runAgent(p.ctx, p.configPath, true); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("FoodHub print agent stopped: %v", err))
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("FoodHub print agent service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("FoodHub print agent service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("FoodHub print agent service stopped with timeout")
		}
	}
	return nil
}

// serviceBaseDir is the system-wide directory for the service's state.
func serviceBaseDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FoodHub")
	case "darwin":
		return "/Library/Application Support/FoodHub"
	default:
		return "/var/lib/foodhub"
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
		DisplayName:      "FoodHub Print Agent",
		Description:      "Local print bridge for the FoodHub dashboard. Pairs with the FoodHub relay and prints receipts on thermal printers.",
		WorkingDirectory: serviceBaseDir(),
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

			// macOS launchd options
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// serviceDirectories lists the directories the service needs before its
// first start.
func serviceDirectories() []string {
	base := serviceBaseDir()
	switch runtime.GOOS {
	case "windows":
		agentDir := filepath.Join(base, "agent")
		return []string{base, agentDir, filepath.Join(agentDir, "logs")}
	case "darwin":
		return []string{base, filepath.Join(base, "agent"), "/var/log/foodhub/agent"}
	default:
		return []string{filepath.Join(base, "agent"), "/var/log/foodhub/agent", "/etc/foodhub/agent"}
	}
}

// setupServiceDirectories creates necessary directories for service operation
func setupServiceDirectories() error {
	for _, dir := range serviceDirectories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
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
