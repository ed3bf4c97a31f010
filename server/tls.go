package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/JoilsonLima1/foodhub09-sub007/common/logger"
)

// TLSMode represents the TLS certificate mode
type TLSMode string

const (
	TLSModeNone        TLSMode = "none" // plain HTTP behind a TLS-terminating proxy
	TLSModeSelfSigned  TLSMode = "self-signed"
	TLSModeCustom      TLSMode = "custom"
	TLSModeLetsEncrypt TLSMode = "letsencrypt"
)

// tlsSetup is the listener material for the configured mode. HTTPHandler,
// when set, belongs on server.http_port.
type tlsSetup struct {
	Config      *tls.Config
	HTTPHandler http.Handler
}

// buildTLS resolves the relay's TLS configuration. Self-signed certificates
// are kept under certDir and reused across restarts.
func buildTLS(c *Config, certDir string, log *logger.Logger) (*tlsSetup, error) {
	switch TLSMode(c.TLS.Mode) {
	case TLSModeNone:
		return &tlsSetup{}, nil
	case TLSModeCustom:
		cfg, err := loadKeyPair(c.TLS.CertPath, c.TLS.KeyPath)
		if err != nil {
			return nil, err
		}
		return &tlsSetup{Config: cfg, HTTPHandler: redirectHandler(c.Server.Port)}, nil
	case TLSModeSelfSigned:
		certPath := filepath.Join(certDir, "relay.crt")
		keyPath := filepath.Join(certDir, "relay.key")
		if !fileExists(certPath) || !fileExists(keyPath) {
			log.Info("Generating self-signed TLS certificate", "domain", c.TLS.Domain, "cert", certPath)
			if err := generateSelfSignedCert(certPath, keyPath, c.TLS.Domain); err != nil {
				return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
		}
		cfg, err := loadKeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &tlsSetup{Config: cfg, HTTPHandler: redirectHandler(c.Server.Port)}, nil
	case TLSModeLetsEncrypt:
		return letsEncrypt(c)
	default:
		return nil, fmt.Errorf("invalid TLS mode: %s", c.TLS.Mode)
	}
}

func letsEncrypt(c *Config) (*tlsSetup, error) {
	le := c.TLS.LetsEncrypt
	if le.Domain == "" {
		return nil, fmt.Errorf("domain required for Let's Encrypt")
	}
	if !le.AcceptTOS {
		return nil, fmt.Errorf("must accept Let's Encrypt Terms of Service (set accept_tos = true)")
	}
	if le.CacheDir == "" {
		le.CacheDir = "letsencrypt-cache"
	}
	if err := os.MkdirAll(le.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create Let's Encrypt cache directory: %w", err)
	}

	m := &autocert.Manager{
		Prompt:      autocert.AcceptTOS,
		Cache:       autocert.DirCache(le.CacheDir),
		HostPolicy:  autocert.HostWhitelist(le.Domain),
		Email:       le.Email,
		RenewBefore: 30 * 24 * time.Hour,
	}
	cfg := baseTLSConfig()
	cfg.GetCertificate = m.GetCertificate
	cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	return &tlsSetup{Config: cfg, HTTPHandler: m.HTTPHandler(redirectHandler(c.Server.Port))}, nil
}

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
	}
}

func loadKeyPair(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("cert_path and key_path required for custom mode")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg := baseTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// redirectHandler sends plain HTTP requests to the HTTPS port.
func redirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		target := "https://" + net.JoinHostPort(host, strconv.Itoa(httpsPort)) + r.URL.RequestURI()
		if httpsPort == 443 {
			target = "https://" + host + r.URL.RequestURI()
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// generateSelfSignedCert creates a new self-signed certificate
func generateSelfSignedCert(certPath, keyPath, domain string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}
	if domain == "" {
		domain = "localhost"
	}

	notBefore := time.Now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"FoodHub"},
			CommonName:   domain,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain, "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("failed to write cert: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
