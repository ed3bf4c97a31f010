// Package config provides shared configuration utilities for the FoodHub
// print agent and relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const vendorDir = "FoodHub"

// FindConfigFile searches for a config file in multiple platform-appropriate locations
// Returns the path and data if found, or an error if not found in any location
func FindConfigFile(filename string, component string) (string, []byte, error) {
	for _, path := range GetConfigSearchPaths(filename, component) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config files.
// component is "agent" or "relay".
func GetConfigSearchPaths(filename string, component string) []string {
	var searchPaths []string

	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), vendorDir, component, filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", vendorDir, component, filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc/foodhub", component, filename))
	}

	if dir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(dir, strings.ToLower(vendorDir), component, filename))
	}

	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	searchPaths = append(searchPaths, filepath.Join(".", filename))
	return searchPaths
}

// GetDataDirectory returns the directory holding persistent state. Services
// use a system-wide location, interactive runs a per-user one.
func GetDataDirectory(component string, isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), vendorDir, component)
		default:
			dataDir = filepath.Join("/var/lib/foodhub", component)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", vendorDir, component)
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", vendorDir, component)
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "foodhub", component)
		}
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// GetLogDirectory returns the appropriate directory for storing logs
func GetLogDirectory(component string, isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), vendorDir, component, "logs")
		default:
			logDir = filepath.Join("/var/log/foodhub", component)
		}
	} else {
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return logDir, nil
}

// WriteDefaultTOML writes cfg as TOML to configPath. It refuses to replace an
// existing file.
func WriteDefaultTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(configPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadTOML loads a TOML configuration file into the provided structure
func LoadTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	md, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return &UnknownKeysError{Path: configPath, Keys: keys}
	}
	return nil
}

// UnknownKeysError reports keys present in a config file that no field
// consumes. Callers usually log it and carry on.
type UnknownKeysError struct {
	Path string
	Keys []string
}

func (e *UnknownKeysError) Error() string {
	return fmt.Sprintf("%s: unknown keys %s", e.Path, strings.Join(e.Keys, ", "))
}

// IsUnknownKeys reports whether err only complains about unknown keys.
func IsUnknownKeys(err error) bool {
	var uk *UnknownKeysError
	return errors.As(err, &uk)
}

// ResolveConfigPath picks the config file path from, in order,
// <PREFIX>_CONFIG, <PREFIX>_CONFIG_PATH, CONFIG, CONFIG_PATH and the flag value.
func ResolveConfigPath(prefix, flagValue string) string {
	var candidates []string
	if prefix != "" {
		candidates = append(candidates, prefix+"_CONFIG", prefix+"_CONFIG_PATH")
	}
	candidates = append(candidates, "CONFIG", "CONFIG_PATH")
	for _, key := range candidates {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return flagValue
}

// GetEnvPrefixed returns <PREFIX>_<KEY> when set, falling back to <KEY>.
func GetEnvPrefixed(prefix, key string) string {
	if prefix != "" {
		if v := os.Getenv(prefix + "_" + key); v != "" {
			return v
		}
	}
	return os.Getenv(key)
}

// EnvString overrides *dst with the prefixed env var when present.
func EnvString(dst *string, prefix, key string) {
	if v := strings.TrimSpace(GetEnvPrefixed(prefix, key)); v != "" {
		*dst = v
	}
}

// EnvInt overrides *dst when the env var parses as an integer.
func EnvInt(dst *int, prefix, key string) {
	if v := GetEnvPrefixed(prefix, key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

// EnvBool overrides *dst when the env var parses as a boolean.
func EnvBool(dst *bool, prefix, key string) {
	if v := GetEnvPrefixed(prefix, key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

// EnvDuration overrides *dst when the env var parses as a Go duration.
func EnvDuration(dst *time.Duration, prefix, key string) {
	if v := GetEnvPrefixed(prefix, key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}

// EnvList overrides *dst with a comma separated env var.
func EnvList(dst *[]string, prefix, key string) {
	v := GetEnvPrefixed(prefix, key)
	if strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// Common configuration structs that both agent and relay use

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`

	// Connection pool settings (PostgreSQL only)
	MaxOpenConns        int `toml:"max_open_conns,omitempty"`
	MaxIdleConns        int `toml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSecs int `toml:"conn_max_lifetime_seconds,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days"`
	MaxFiles   int    `toml:"max_files"`
}

// ApplyDatabaseEnvOverrides applies <PREFIX>_DB_* / DB_* overrides.
func ApplyDatabaseEnvOverrides(cfg *DatabaseConfig, prefix string) {
	EnvString(&cfg.Driver, prefix, "DB_DRIVER")
	EnvString(&cfg.Path, prefix, "DB_PATH")
	EnvString(&cfg.DSN, prefix, "DB_DSN")
}

// ApplyLoggingEnvOverrides applies <PREFIX>_LOG_LEVEL / LOG_LEVEL.
func ApplyLoggingEnvOverrides(cfg *LoggingConfig, prefix string) {
	EnvString(&cfg.Level, prefix, "LOG_LEVEL")
}
