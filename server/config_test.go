package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JoilsonLima1/foodhub09-sub007/common/config"
)

const testHash = "$argon2id$v=19$m=65536,t=1,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g"

// clearRelayEnv blanks the variables applyEnvOverrides reads so the host
// environment cannot leak into a test.
func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BIND_ADDRESS", "PORT", "HTTP_PORT", "BEHIND_PROXY",
		"TLS_MODE", "TLS_DOMAIN", "TLS_CERT_PATH", "TLS_KEY_PATH",
		"LETSENCRYPT_DOMAIN", "LETSENCRYPT_EMAIL", "LETSENCRYPT_ACCEPT_TOS",
		"TOKEN_TTL_MINUTES", "OFFLINE_AFTER_SECONDS", "LATEST_VERSION", "TENANTS",
		"DB_DRIVER", "DB_PATH", "DB_DSN", "DATABASE_URL", "LOG_LEVEL",
	} {
		t.Setenv("RELAY_"+key, "")
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:9443" {
		t.Errorf("ListenAddr() = %s", cfg.ListenAddr())
	}
	if cfg.TLS.Mode != string(TLSModeSelfSigned) {
		t.Errorf("default tls mode = %q", cfg.TLS.Mode)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default driver = %q", cfg.Database.Driver)
	}

	opts := cfg.RelayOptions()
	if opts.TokenTTL != 10*time.Minute || opts.TokenRetention != time.Hour {
		t.Errorf("token ttl/retention = %v/%v", opts.TokenTTL, opts.TokenRetention)
	}
	if opts.OfflineAfter != 45*time.Second || opts.SweepInterval != 15*time.Second {
		t.Errorf("presence = %v/%v", opts.OfflineAfter, opts.SweepInterval)
	}
	if opts.CommandTimeout != 15*time.Second {
		t.Errorf("command timeout = %v", opts.CommandTimeout)
	}
	if opts.MaxAttempts != 10 || opts.BlockFor != 5*time.Minute || opts.Window != 2*time.Minute {
		t.Errorf("rate limit = %d/%v/%v", opts.MaxAttempts, opts.BlockFor, opts.Window)
	}
	if len(opts.OperatorKeys) != 0 {
		t.Errorf("expected no operator keys, got %v", opts.OperatorKeys)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"http port negative", func(c *Config) { c.Server.HTTPPort = -1 }, "server.http_port"},
		{"tls mode", func(c *Config) { c.TLS.Mode = "magic" }, "tls.mode"},
		{"latest version", func(c *Config) { c.Updates.LatestVersion = "not-a-version" }, "latest_version"},
		{"tenant without id", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: " ", OperatorKeyHash: testHash}}
		}, "id is required"},
		{"duplicate tenant", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: "a", OperatorKeyHash: testHash}, {ID: "a", OperatorKeyHash: testHash}}
		}, "duplicate id"},
		{"plaintext key", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: "a", OperatorKeyHash: "hunter2hunter2hunter2"}}
		}, "argon2id"},
		{"valid tenants", func(c *Config) {
			c.Tenants = []TenantConfig{{ID: "a", OperatorKeyHash: testHash}, {ID: "b", OperatorKeyHash: testHash}}
			c.Updates.LatestVersion = "1.4.0"
			c.TLS.Mode = "none"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	clearRelayEnv(t)

	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
[server]
port = 8443
http_port = 8080
behind_proxy = true
command_timeout_seconds = 20

[tls]
mode = "none"

[pairing]
token_ttl_minutes = 5

[updates]
latest_version = "2.0.1"

[[tenants]]
id = "pizzaria-centro"
operator_key_hash = "` + testHash + `"

[[tenants]]
id = "lanchonete-sul"
operator_key_hash = "` + testHash + `"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.Server.Port != 8443 || cfg.Server.HTTPPort != 8080 || !cfg.Server.BehindProxy {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Pairing.TokenTTLMinutes != 5 || cfg.Pairing.RetentionMinutes != 60 {
		t.Errorf("pairing = %+v (retention should keep its default)", cfg.Pairing)
	}
	if len(cfg.Tenants) != 2 || cfg.Tenants[1].ID != "lanchonete-sul" {
		t.Fatalf("tenants = %+v", cfg.Tenants)
	}

	opts := cfg.RelayOptions()
	if opts.OperatorKeys["pizzaria-centro"] != testHash {
		t.Errorf("operator key not mapped: %v", opts.OperatorKeys)
	}
	if !opts.TrustProxy || opts.CommandTimeout != 20*time.Second || opts.TokenTTL != 5*time.Minute {
		t.Errorf("options = %+v", opts)
	}
	if opts.LatestVersion != "2.0.1" {
		t.Errorf("latest version = %q", opts.LatestVersion)
	}
}

func TestLoadConfigUnknownKeys(t *testing.T) {
	clearRelayEnv(t)

	path := filepath.Join(t.TempDir(), "relay.toml")
	content := "[server]\nport = 9000\nportt = 9001\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if !config.IsUnknownKeys(err) {
		t.Fatalf("expected unknown keys error, got %v", err)
	}
	if cfg == nil || cfg.Server.Port != 9000 {
		t.Fatalf("config should still load alongside the warning: %+v", cfg)
	}
	if !strings.Contains(err.Error(), "server.portt") {
		t.Errorf("error should name the key: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_PORT", "10443")
	t.Setenv("RELAY_TLS_MODE", "none")
	t.Setenv("RELAY_BEHIND_PROXY", "true")
	t.Setenv("RELAY_TOKEN_TTL_MINUTES", "3")
	t.Setenv("RELAY_LATEST_VERSION", "1.9.0")
	t.Setenv("RELAY_TENANTS", "alpha:"+testHash+", broken, beta:"+testHash)

	path := filepath.Join(t.TempDir(), "relay.toml")
	content := "[[tenants]]\nid = \"from-file\"\noperator_key_hash = \"" + testHash + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if cfg.Server.Port != 10443 || cfg.TLS.Mode != "none" || !cfg.Server.BehindProxy {
		t.Errorf("server/tls = %+v %+v", cfg.Server, cfg.TLS)
	}
	if cfg.Pairing.TokenTTLMinutes != 3 || cfg.Updates.LatestVersion != "1.9.0" {
		t.Errorf("pairing/updates = %+v %+v", cfg.Pairing, cfg.Updates)
	}
	var ids []string
	for _, tc := range cfg.Tenants {
		ids = append(ids, tc.ID)
	}
	if strings.Join(ids, ",") != "from-file,alpha,beta" {
		t.Errorf("tenants = %v", ids)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	clearRelayEnv(t)

	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig() = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, section := range []string{"[server]", "[tls]", "[pairing]", "[presence]", "[security]", "[database]", "[logging]"} {
		if !strings.Contains(string(data), section) {
			t.Errorf("generated config missing %s", section)
		}
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("generated config does not load cleanly: %v", err)
	}
	if cfg.Server.Port != 9443 {
		t.Errorf("port = %d", cfg.Server.Port)
	}

	if err := WriteDefaultConfig(path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second write = %v, want already exists", err)
	}
}
