package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/printers"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/printsrv"
	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
)

// AgentConfig represents the agent configuration
type AgentConfig struct {
	Relay    RelayConfig           `toml:"relay"`
	Agent    IdentityConfig        `toml:"agent"`
	Web      WebConfig             `toml:"web"`
	Printing PrintingConfig        `toml:"printing"`
	SNMP     SNMPConfig            `toml:"snmp"`
	Notify   NotifyConfig          `toml:"notify"`
	Database config.DatabaseConfig `toml:"database"`
	Logging  config.LoggingConfig  `toml:"logging"`
}

// RelayConfig holds the cloud relay connection settings
type RelayConfig struct {
	URL                string `toml:"url"`
	CAPath             string `toml:"ca_path"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"` // dev/testing only
	HeartbeatInterval  int    `toml:"heartbeat_interval_seconds"`
	// Stream enables the management WebSocket (remote unpair, relay printing).
	Stream bool `toml:"stream"`
	// AutoPair requests a pairing code whenever the agent runs unpaired.
	AutoPair bool `toml:"auto_pair"`
}

// IdentityConfig names this agent in the dashboard.
type IdentityConfig struct {
	Name    string `toml:"name"`
	DataDir string `toml:"data_dir"`
}

// WebConfig holds local print API settings
type WebConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	RequireTLS      bool     `toml:"require_tls"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	AllowDevOrigins bool     `toml:"allow_dev_origins"`
}

// PrintingConfig holds printer selection and dispatch settings
type PrintingConfig struct {
	Enabled        bool            `toml:"enabled"`
	DefaultPrinter string          `toml:"default_printer"`
	PaperWidth     int             `toml:"paper_width"`
	JobTimeoutMs   int             `toml:"job_timeout_ms"`
	RefreshSeconds int             `toml:"refresh_interval_seconds"`
	MDNS           bool            `toml:"mdns"`
	Printers       []PrinterConfig `toml:"printers"`
}

// PrinterConfig is one [[printing.printers]] entry.
type PrinterConfig struct {
	Name      string `toml:"name"`
	Profile   string `toml:"profile"`
	Transport string `toml:"transport"`
	Address   string `toml:"address"`
	Default   bool   `toml:"default"`
}

// SNMPConfig holds SNMP status probe settings
type SNMPConfig struct {
	Enabled   bool   `toml:"enabled"`
	Community string `toml:"community"`
	TimeoutMs int    `toml:"timeout_ms"`
}

// NotifyConfig lists shoutrrr URLs for operator notifications.
type NotifyConfig struct {
	URLs            []string `toml:"urls"`
	CooldownMinutes int      `toml:"cooldown_minutes"`
}

// DefaultAgentConfig returns agent configuration with sensible defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Relay: RelayConfig{
			URL:               "https://relay.foodhub09.com.br",
			HeartbeatInterval: 15,
			Stream:            true,
			AutoPair:          true,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 9101,
			AllowedOrigins: []string{
				"https://app.foodhub09.com.br",
				"https://*.foodhub09.com.br",
			},
		},
		Printing: PrintingConfig{
			Enabled:        true,
			PaperWidth:     80,
			JobTimeoutMs:   10000,
			RefreshSeconds: 60,
			MDNS:           true,
		},
		SNMP: SNMPConfig{
			Enabled:   true,
			Community: "public",
			TimeoutMs: 2000,
		},
		Notify: NotifyConfig{
			CooldownMinutes: 5,
		},
		Logging: config.LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxFiles:   5,
		},
	}
}

// LoadAgentConfig loads configuration from TOML file with environment variable overrides.
// Returns an error if the config file does not exist or cannot be parsed.
// Unknown keys are reported with a usable config alongside the
// *config.UnknownKeysError.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

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

// applyEnvOverrides applies AGENT_<KEY> / <KEY> environment variables.
func applyEnvOverrides(cfg *AgentConfig) {
	const p = "AGENT"
	config.EnvString(&cfg.Relay.URL, p, "RELAY_URL")
	config.EnvString(&cfg.Relay.CAPath, p, "RELAY_CA_PATH")
	config.EnvBool(&cfg.Relay.InsecureSkipVerify, p, "RELAY_INSECURE_SKIP_VERIFY")
	config.EnvInt(&cfg.Relay.HeartbeatInterval, p, "HEARTBEAT_INTERVAL")
	config.EnvBool(&cfg.Relay.Stream, p, "RELAY_STREAM")
	config.EnvBool(&cfg.Relay.AutoPair, p, "AUTO_PAIR")

	config.EnvString(&cfg.Agent.Name, p, "AGENT_NAME")
	config.EnvString(&cfg.Agent.DataDir, p, "DATA_DIR")

	config.EnvString(&cfg.Web.Host, p, "WEB_HOST")
	config.EnvInt(&cfg.Web.Port, p, "WEB_PORT")
	config.EnvBool(&cfg.Web.RequireTLS, p, "WEB_REQUIRE_TLS")
	config.EnvList(&cfg.Web.AllowedOrigins, p, "WEB_ALLOWED_ORIGINS")
	config.EnvBool(&cfg.Web.AllowDevOrigins, p, "WEB_ALLOW_DEV_ORIGINS")

	config.EnvBool(&cfg.Printing.Enabled, p, "PRINTING_ENABLED")
	config.EnvString(&cfg.Printing.DefaultPrinter, p, "DEFAULT_PRINTER")
	config.EnvInt(&cfg.Printing.PaperWidth, p, "PAPER_WIDTH")
	config.EnvBool(&cfg.Printing.MDNS, p, "PRINTING_MDNS")

	config.EnvBool(&cfg.SNMP.Enabled, p, "SNMP_ENABLED")
	config.EnvString(&cfg.SNMP.Community, p, "SNMP_COMMUNITY")
	config.EnvInt(&cfg.SNMP.TimeoutMs, p, "SNMP_TIMEOUT_MS")

	config.EnvList(&cfg.Notify.URLs, p, "NOTIFY_URLS")

	config.ApplyDatabaseEnvOverrides(&cfg.Database, p)
	config.ApplyLoggingEnvOverrides(&cfg.Logging, p)
}

// Validate checks the values the runtime cannot recover from.
func (c *AgentConfig) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Relay.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("relay.url must be an http(s) URL, got %q", c.Relay.URL)
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	if receipt.Columns(c.Printing.PaperWidth) == 0 {
		return fmt.Errorf("printing.paper_width must be 58 or 80, got %d", c.Printing.PaperWidth)
	}
	for i, p := range c.Printing.Printers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("printing.printers[%d]: name is required", i)
		}
		switch p.Transport {
		case "", printers.TransportTCP, printers.TransportCUPS, printers.TransportWinspool,
			printers.TransportDevice, printers.TransportDialog:
		default:
			return fmt.Errorf("printing.printers[%d]: unknown transport %q", i, p.Transport)
		}
		if p.Transport == printers.TransportTCP && p.Address == "" {
			return fmt.Errorf("printing.printers[%d]: tcp printers need an address", i)
		}
	}
	return nil
}

// ListenAddr is the host:port of the local print API.
func (c *AgentConfig) ListenAddr() string {
	host := c.Web.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		return printsrv.DefaultAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Web.Port))
}

// HeartbeatEvery returns the heartbeat interval as a duration.
func (c *AgentConfig) HeartbeatEvery() time.Duration {
	if c.Relay.HeartbeatInterval <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Relay.HeartbeatInterval) * time.Second
}

// ConfiguredPrinters converts [[printing.printers]] to registry entries.
func (c *AgentConfig) ConfiguredPrinters() []printers.Printer {
	out := make([]printers.Printer, 0, len(c.Printing.Printers))
	for _, p := range c.Printing.Printers {
		tr := p.Transport
		if tr == "" {
			tr = printers.TransportTCP
			if p.Address == "" {
				tr = printers.TransportDialog
			}
		}
		out = append(out, printers.Printer{
			Name:      strings.TrimSpace(p.Name),
			Profile:   p.Profile,
			Transport: tr,
			Address:   p.Address,
			Default:   p.Default,
		})
	}
	return out
}

// WriteDefaultAgentConfig writes a default agent configuration file
func WriteDefaultAgentConfig(configPath string) error {
	cfg := DefaultAgentConfig()
	return config.WriteDefaultTOML(configPath, cfg)
}
