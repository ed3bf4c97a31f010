package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
	"github.com/JoilsonLima1/foodhub09-sub007/server/relay"
)

// Config represents the relay configuration
type Config struct {
	Server   ServerConfig          `toml:"server"`
	TLS      TLSConfigTOML         `toml:"tls"`
	Pairing  PairingConfig         `toml:"pairing"`
	Presence PresenceConfig        `toml:"presence"`
	Updates  UpdatesConfig         `toml:"updates"`
	Security SecurityConfig        `toml:"security"`
	Tenants  []TenantConfig        `toml:"tenants"`
	Database config.DatabaseConfig `toml:"database"`
	Logging  config.LoggingConfig  `toml:"logging"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// HTTPPort serves ACME challenges and redirects to HTTPS; 0 disables it.
	HTTPPort              int  `toml:"http_port"`
	BehindProxy           bool `toml:"behind_proxy"` // trust X-Forwarded-For
	CommandTimeoutSeconds int  `toml:"command_timeout_seconds"`
}

// TLSConfigTOML holds TLS configuration from TOML
type TLSConfigTOML struct {
	Mode        string            `toml:"mode"` // none, self-signed, custom, letsencrypt
	Domain      string            `toml:"domain"`
	CertPath    string            `toml:"cert_path"`
	KeyPath     string            `toml:"key_path"`
	LetsEncrypt LetsEncryptConfig `toml:"letsencrypt"`
}

// LetsEncryptConfig holds Let's Encrypt specific settings
type LetsEncryptConfig struct {
	Domain    string `toml:"domain"`
	Email     string `toml:"email"`
	CacheDir  string `toml:"cache_dir"`
	AcceptTOS bool   `toml:"accept_tos"`
}

// PairingConfig controls pairing code lifetime.
type PairingConfig struct {
	TokenTTLMinutes  int `toml:"token_ttl_minutes"`
	RetentionMinutes int `toml:"retention_minutes"`
}

// PresenceConfig controls how heartbeats turn into online/offline.
type PresenceConfig struct {
	OfflineAfterSeconds  int `toml:"offline_after_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// UpdatesConfig advertises the current agent release.
type UpdatesConfig struct {
	LatestVersion string `toml:"latest_version"`
}

// SecurityConfig holds rate limiting settings
type SecurityConfig struct {
	RateLimitMaxAttempts   int `toml:"rate_limit_max_attempts"`
	RateLimitBlockMinutes  int `toml:"rate_limit_block_minutes"`
	RateLimitWindowMinutes int `toml:"rate_limit_window_minutes"`
}

// TenantConfig is one [[tenants]] entry. OperatorKeyHash is produced by
// `foodhub-relay --hash-key`.
type TenantConfig struct {
	ID              string `toml:"id"`
	OperatorKeyHash string `toml:"operator_key_hash"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:           "0.0.0.0",
			Port:                  9443,
			CommandTimeoutSeconds: 15,
		},
		TLS: TLSConfigTOML{
			Mode:   "self-signed",
			Domain: "localhost",
			LetsEncrypt: LetsEncryptConfig{
				CacheDir: "letsencrypt-cache",
			},
		},
		Pairing: PairingConfig{
			TokenTTLMinutes:  10,
			RetentionMinutes: 60,
		},
		Presence: PresenceConfig{
			OfflineAfterSeconds:  45,
			SweepIntervalSeconds: 15,
		},
		Security: SecurityConfig{
			RateLimitMaxAttempts:   10,
			RateLimitBlockMinutes:  5,
			RateLimitWindowMinutes: 2,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
		},
		Logging: config.LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxAgeDays: 14,
			MaxFiles:   5,
		},
	}
}

// LoadConfig loads configuration from a TOML file with environment variable
// overrides. Unknown keys are reported with a usable config alongside the
// *config.UnknownKeysError.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	err := config.LoadTOML(configPath, cfg)
	if err != nil && !config.IsUnknownKeys(err) {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, err
}

// applyEnvOverrides applies RELAY_<KEY> / <KEY> environment variables.
func applyEnvOverrides(cfg *Config) {
	const p = "RELAY"
	config.EnvString(&cfg.Server.BindAddress, p, "BIND_ADDRESS")
	config.EnvInt(&cfg.Server.Port, p, "PORT")
	config.EnvInt(&cfg.Server.HTTPPort, p, "HTTP_PORT")
	config.EnvBool(&cfg.Server.BehindProxy, p, "BEHIND_PROXY")

	config.EnvString(&cfg.TLS.Mode, p, "TLS_MODE")
	config.EnvString(&cfg.TLS.Domain, p, "TLS_DOMAIN")
	config.EnvString(&cfg.TLS.CertPath, p, "TLS_CERT_PATH")
	config.EnvString(&cfg.TLS.KeyPath, p, "TLS_KEY_PATH")
	config.EnvString(&cfg.TLS.LetsEncrypt.Domain, p, "LETSENCRYPT_DOMAIN")
	config.EnvString(&cfg.TLS.LetsEncrypt.Email, p, "LETSENCRYPT_EMAIL")
	config.EnvBool(&cfg.TLS.LetsEncrypt.AcceptTOS, p, "LETSENCRYPT_ACCEPT_TOS")

	config.EnvInt(&cfg.Pairing.TokenTTLMinutes, p, "TOKEN_TTL_MINUTES")
	config.EnvInt(&cfg.Presence.OfflineAfterSeconds, p, "OFFLINE_AFTER_SECONDS")
	config.EnvString(&cfg.Updates.LatestVersion, p, "LATEST_VERSION")

	// RELAY_TENANTS=id:hash,id:hash adds tenants for container deployments.
	var tenants []string
	config.EnvList(&tenants, p, "TENANTS")
	for _, t := range tenants {
		id, hash, ok := strings.Cut(t, ":")
		if ok && id != "" && hash != "" {
			cfg.Tenants = append(cfg.Tenants, TenantConfig{ID: id, OperatorKeyHash: hash})
		}
	}

	config.ApplyDatabaseEnvOverrides(&cfg.Database, p)
	config.ApplyLoggingEnvOverrides(&cfg.Logging, p)
}

// Validate checks the values the relay cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	switch TLSMode(c.TLS.Mode) {
	case TLSModeNone, TLSModeSelfSigned, TLSModeCustom, TLSModeLetsEncrypt:
	default:
		return fmt.Errorf("tls.mode must be none, self-signed, custom or letsencrypt, got %q", c.TLS.Mode)
	}
	if c.Updates.LatestVersion != "" {
		if _, err := semver.NewVersion(c.Updates.LatestVersion); err != nil {
			return fmt.Errorf("updates.latest_version %q: %w", c.Updates.LatestVersion, err)
		}
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if !strings.HasPrefix(t.OperatorKeyHash, "$argon2id$") {
			return fmt.Errorf("tenants[%d]: operator_key_hash must be an argon2id hash (see --hash-key)", i)
		}
	}
	return nil
}

// ListenAddr is the host:port of the relay API.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.BindAddress, strconv.Itoa(c.Server.Port))
}

// RelayOptions maps the configuration onto relay.Options.
func (c *Config) RelayOptions() relay.Options {
	keys := make(map[string]string, len(c.Tenants))
	for _, t := range c.Tenants {
		keys[t.ID] = t.OperatorKeyHash
	}
	return relay.Options{
		OperatorKeys:   keys,
		TokenTTL:       minutes(c.Pairing.TokenTTLMinutes),
		TokenRetention: minutes(c.Pairing.RetentionMinutes),
		OfflineAfter:   seconds(c.Presence.OfflineAfterSeconds),
		SweepInterval:  seconds(c.Presence.SweepIntervalSeconds),
		CommandTimeout: seconds(c.Server.CommandTimeoutSeconds),
		LatestVersion:  c.Updates.LatestVersion,
		TrustProxy:     c.Server.BehindProxy,
		MaxAttempts:    c.Security.RateLimitMaxAttempts,
		BlockFor:       minutes(c.Security.RateLimitBlockMinutes),
		Window:         minutes(c.Security.RateLimitWindowMinutes),
	}
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// WriteDefaultConfig writes a default configuration file
func WriteDefaultConfig(configPath string) error {
	cfg := DefaultConfig()
	return config.WriteDefaultTOML(configPath, cfg)
}
