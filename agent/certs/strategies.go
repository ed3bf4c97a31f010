package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

const (
	commonName   = "FoodHub Print Agent"
	organization = "FoodHub"
	validity     = 10 * 365 * 24 * time.Hour
	keyBits      = 2048
)

var (
	sanDNS = []string{"localhost"}
	sanIPs = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
)

// DefaultStrategies returns the ordered strategy list for this platform:
// in-process generation, then openssl, then the platform's native tooling.
func DefaultStrategies() []Strategy {
	list := []Strategy{InProcess{}, &OpenSSL{}}
	if native := platformStrategy(); native != nil {
		list = append(list, native)
	}
	return list
}

// InProcess generates the pair with crypto/rsa and crypto/x509.
type InProcess struct{}

func (InProcess) Name() string    { return "inprocess" }
func (InProcess) Available() bool { return true }

func (InProcess) Generate(_ context.Context, certPath, keyPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sanDNS,
		IPAddresses:           sanIPs,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	return writePEMPair(certPath, keyPath, [][]byte{der}, keyDER)
}

// writePEMPair writes certificate blocks and a PKCS#8 key as PEM.
func writePEMPair(certPath, keyPath string, certDERs [][]byte, keyDER []byte) error {
	var certPEM []byte
	for _, der := range certDERs {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write cert: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// OpenSSL shells out to the openssl binary.
type OpenSSL struct {
	// Path overrides the binary lookup; used by tests.
	Path string
	path string
}

func (o *OpenSSL) Name() string { return "openssl" }

func (o *OpenSSL) Available() bool {
	o.path = o.resolve()
	return o.path != ""
}

func (o *OpenSSL) resolve() string {
	if o.Path != "" {
		if _, err := os.Stat(o.Path); err == nil {
			return o.Path
		}
		return ""
	}
	if p, err := exec.LookPath("openssl"); err == nil {
		return p
	}
	for _, p := range knownOpenSSLLocations() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func knownOpenSSLLocations() []string {
	switch runtime.GOOS {
	case "windows":
		pf := os.Getenv("ProgramFiles")
		return []string{
			filepath.Join(pf, "OpenSSL-Win64", "bin", "openssl.exe"),
			filepath.Join(pf, "Git", "usr", "bin", "openssl.exe"),
		}
	case "darwin":
		return []string{"/opt/homebrew/bin/openssl", "/usr/local/bin/openssl", "/usr/bin/openssl"}
	default:
		return []string{"/usr/bin/openssl", "/usr/local/bin/openssl"}
	}
}

func (o *OpenSSL) Generate(ctx context.Context, certPath, keyPath string) error {
	bin := o.path
	if bin == "" {
		bin = o.resolve()
	}
	if bin == "" {
		return fmt.Errorf("openssl not found")
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	args := []string{
		"req", "-x509",
		"-newkey", fmt.Sprintf("rsa:%d", keyBits),
		"-nodes",
		"-sha256",
		"-days", "3650",
		"-keyout", keyPath,
		"-out", certPath,
		"-subj", "/O=" + organization + "/CN=" + commonName,
		"-addext", "subjectAltName=DNS:localhost,IP:127.0.0.1,IP:::1",
		"-addext", "extendedKeyUsage=serverAuth",
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("openssl failed: %w: %s", err, trimOutput(out))
	}
	return nil
}

func trimOutput(out []byte) string {
	const max = 400
	if len(out) > max {
		out = out[:max]
	}
	return string(out)
}
