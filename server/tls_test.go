package main

import (
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/JoilsonLima1/foodhub09-sub007/common/logger"
)

func TestBuildTLSSelfSigned(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.TLS.Domain = "relay.local"

	first, err := buildTLS(cfg, dir, logger.Nop())
	if err != nil {
		t.Fatalf("buildTLS() = %v", err)
	}
	if first.Config == nil || len(first.Config.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %+v", first.Config)
	}
	if first.HTTPHandler == nil {
		t.Error("self-signed mode should redirect plain HTTP")
	}
	leaf, err := x509.ParseCertificate(first.Config.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("relay.local"); err != nil {
		t.Errorf("certificate does not cover the domain: %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("certificate does not cover loopback: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "relay.key"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 && os.PathSeparator == '/' {
		t.Errorf("key permissions = %v", info.Mode().Perm())
	}

	// A second start reuses the stored pair.
	second, err := buildTLS(cfg, dir, logger.Nop())
	if err != nil {
		t.Fatalf("buildTLS() again = %v", err)
	}
	if string(second.Config.Certificates[0].Certificate[0]) != string(first.Config.Certificates[0].Certificate[0]) {
		t.Error("certificate regenerated instead of reused")
	}
}

func TestBuildTLSModes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TLS.Mode = string(TLSModeNone)
	setup, err := buildTLS(cfg, t.TempDir(), logger.Nop())
	if err != nil || setup.Config != nil || setup.HTTPHandler != nil {
		t.Errorf("none mode = %+v, %v", setup, err)
	}

	cfg = DefaultConfig()
	cfg.TLS.Mode = string(TLSModeCustom)
	if _, err := buildTLS(cfg, t.TempDir(), logger.Nop()); err == nil {
		t.Error("custom mode without paths should fail")
	}

	cfg = DefaultConfig()
	cfg.TLS.Mode = string(TLSModeLetsEncrypt)
	cfg.TLS.LetsEncrypt.Domain = "relay.example.test"
	if _, err := buildTLS(cfg, t.TempDir(), logger.Nop()); err == nil {
		t.Error("letsencrypt without accept_tos should fail")
	}

	cfg.TLS.LetsEncrypt.AcceptTOS = true
	cfg.TLS.LetsEncrypt.CacheDir = filepath.Join(t.TempDir(), "acme")
	setup, err = buildTLS(cfg, t.TempDir(), logger.Nop())
	if err != nil {
		t.Fatalf("letsencrypt mode = %v", err)
	}
	if setup.Config.GetCertificate == nil || setup.HTTPHandler == nil {
		t.Error("letsencrypt mode should use the autocert manager")
	}

	cfg = DefaultConfig()
	cfg.TLS.Mode = "bogus"
	if _, err := buildTLS(cfg, t.TempDir(), logger.Nop()); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestRedirectHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		port int
		host string
		want string
	}{
		{9443, "relay.example.test:8080", "https://relay.example.test:9443/health?x=1"},
		{443, "relay.example.test", "https://relay.example.test/health?x=1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/health?x=1", nil)
		rec := httptest.NewRecorder()
		redirectHandler(tt.port).ServeHTTP(rec, req)
		if rec.Code != http.StatusMovedPermanently {
			t.Errorf("status = %d", rec.Code)
		}
		if got := rec.Header().Get("Location"); got != tt.want {
			t.Errorf("Location = %q, want %q", got, tt.want)
		}
	}
}
