//go:build windows

package certs

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

func platformStrategy() Strategy { return &PowerShell{} }

// PowerShell creates the certificate with New-SelfSignedCertificate, exports
// it as a PFX and converts that to PEM.
type PowerShell struct{}

func (*PowerShell) Name() string { return "powershell" }

func (*PowerShell) Available() bool {
	_, err := exec.LookPath("powershell.exe")
	return err == nil
}

func (*PowerShell) Generate(ctx context.Context, certPath, keyPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	pw := make([]byte, 16)
	if _, err := rand.Read(pw); err != nil {
		return err
	}
	password := hex.EncodeToString(pw)
	pfxPath := filepath.Join(filepath.Dir(certPath), fmt.Sprintf(".agent-%s.pfx", password[:8]))
	defer os.Remove(pfxPath)

	script := strings.Join([]string{
		"$ErrorActionPreference = 'Stop'",
		fmt.Sprintf("$c = New-SelfSignedCertificate -Subject 'CN=%s, O=%s' -DnsName 'localhost' "+
			"-TextExtension @('2.5.29.17={text}DNS=localhost&IPAddress=127.0.0.1&IPAddress=::1') "+
			"-KeyAlgorithm RSA -KeyLength %d -KeyExportPolicy Exportable "+
			"-NotAfter (Get-Date).AddYears(10) -CertStoreLocation 'Cert:\\CurrentUser\\My'", commonName, organization, keyBits),
		fmt.Sprintf("$p = ConvertTo-SecureString -String '%s' -Force -AsPlainText", password),
		fmt.Sprintf("Export-PfxCertificate -Cert $c -FilePath '%s' -Password $p | Out-Null", pfxPath),
		"Remove-Item -Path ('Cert:\\CurrentUser\\My\\' + $c.Thumbprint)",
	}, "; ")

	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("powershell failed: %w: %s", err, trimOutput(out))
	}

	pfx, err := os.ReadFile(pfxPath)
	if err != nil {
		return fmt.Errorf("failed to read exported pfx: %w", err)
	}
	blocks, err := pkcs12.ToPEM(pfx, password)
	if err != nil {
		return fmt.Errorf("failed to decode pfx: %w", err)
	}

	var certPEM, keyPEM []byte
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			certPEM = append(certPEM, encodeBlock(b)...)
		case "PRIVATE KEY":
			// ToPEM labels RSA keys PRIVATE KEY but stores PKCS#1 bytes.
			if _, err := x509.ParsePKCS1PrivateKey(b.Bytes); err == nil {
				keyPEM = append(keyPEM, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: b.Bytes})...)
			} else {
				keyPEM = append(keyPEM, encodeBlock(b)...)
			}
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return fmt.Errorf("pfx did not contain a certificate and key")
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// encodeBlock drops the bag attribute headers ToPEM attaches.
func encodeBlock(b *pem.Block) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes})
}
