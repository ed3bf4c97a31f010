package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestGetServiceConfig(t *testing.T) {
	t.Parallel()

	cfg := getServiceConfig("")
	if cfg.Name != serviceName {
		t.Errorf("Name = %s", cfg.Name)
	}
	if strings.Join(cfg.Arguments, " ") != "--service run" {
		t.Errorf("Arguments = %v", cfg.Arguments)
	}
	if cfg.Option["Restart"] != "on-failure" {
		t.Errorf("systemd restart option = %v", cfg.Option["Restart"])
	}

	withConfig := getServiceConfig("agent.toml")
	if len(withConfig.Arguments) != 4 || withConfig.Arguments[2] != "--config" {
		t.Fatalf("Arguments = %v", withConfig.Arguments)
	}
	if !filepath.IsAbs(withConfig.Arguments[3]) {
		t.Errorf("config path %q should be absolute for the service manager", withConfig.Arguments[3])
	}
}

func TestSetupServiceDirectories(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("Windows-specific test")
	}

	tempDir := t.TempDir()
	t.Setenv("ProgramData", tempDir)

	if err := setupServiceDirectories(); err != nil {
		t.Fatalf("setupServiceDirectories() failed: %v", err)
	}
	for _, dir := range []string{
		filepath.Join(tempDir, "FoodHub"),
		filepath.Join(tempDir, "FoodHub", "agent"),
		filepath.Join(tempDir, "FoodHub", "agent", "logs"),
	} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
}

func TestServiceDirectoriesUnderBase(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("covered by TestSetupServiceDirectories")
	}
	t.Parallel()

	dirs := serviceDirectories()
	if len(dirs) == 0 || !strings.HasPrefix(dirs[0], serviceBaseDir()) {
		t.Errorf("directories = %v, base = %s", dirs, serviceBaseDir())
	}
}

func TestUnknownServiceCommand(t *testing.T) {
	t.Parallel()

	if err := handleServiceCommand("restart-all", ""); err == nil || !strings.Contains(err.Error(), "unknown service command") {
		t.Errorf("err = %v", err)
	}
}
