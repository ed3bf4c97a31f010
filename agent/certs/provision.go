// Package certs provisions the self-signed certificate the local print
// server uses for HTTPS on 127.0.0.1.
package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	CertFileName = "agent.crt"
	KeyFileName  = "agent.key"
	lockFileName = ".lock"
)

// Logger is the subset of the agent logger used here.
type Logger interface {
	Info(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Strategy is one way of producing a key pair. Generate writes PEM files to
// the given paths, which are scratch files owned by the provisioner.
type Strategy interface {
	Name() string
	Available() bool
	Generate(ctx context.Context, certPath, keyPath string) error
}

// Result describes the certificate on disk after Ensure.
type Result struct {
	CertPath string
	KeyPath  string
	Ready    bool
	// Strategy is the strategy that produced the files, empty when they
	// already existed.
	Strategy  string
	Generated bool
}

// Options tunes Ensure. The zero value uses DefaultStrategies.
type Options struct {
	Strategies []Strategy
	Logger     Logger
}

// processMu serializes provisioning inside one process; the file lock covers
// other processes.
var processMu sync.Mutex

// Ensure makes sure <tlsDir>/agent.crt and agent.key exist. If both exist it
// returns at once without writing. A lone leftover file is removed and the
// pair regenerated. When every strategy fails the returned Result has
// Ready=false together with the combined error.
func Ensure(ctx context.Context, tlsDir string, opts Options) (Result, error) {
	res := Result{
		CertPath: filepath.Join(tlsDir, CertFileName),
		KeyPath:  filepath.Join(tlsDir, KeyFileName),
	}
	if complete(res) {
		res.Ready = true
		return res, nil
	}

	processMu.Lock()
	defer processMu.Unlock()

	if err := os.MkdirAll(tlsDir, 0o700); err != nil {
		return res, fmt.Errorf("failed to create tls directory: %w", err)
	}
	unlock, err := lockFile(ctx, filepath.Join(tlsDir, lockFileName))
	if err != nil {
		return res, fmt.Errorf("failed to lock tls directory: %w", err)
	}
	defer unlock()

	// Another process may have finished while we waited for the lock.
	if complete(res) {
		res.Ready = true
		return res, nil
	}

	for _, p := range []string{res.CertPath, res.KeyPath} {
		if err := os.Remove(p); err == nil {
			logf(opts.Logger, "Removed partial certificate state", "path", p)
		}
	}

	strategies := opts.Strategies
	if strategies == nil {
		strategies = DefaultStrategies()
	}

	var errs []error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !s.Available() {
			if opts.Logger != nil {
				opts.Logger.Debug("Certificate strategy unavailable", "strategy", s.Name())
			}
			continue
		}
		if err := generateWith(ctx, s, tlsDir, res.CertPath, res.KeyPath); err != nil {
			if opts.Logger != nil {
				opts.Logger.Warn("Certificate strategy failed", "strategy", s.Name(), "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		res.Ready = true
		res.Strategy = s.Name()
		res.Generated = true
		logf(opts.Logger, "Generated self-signed TLS certificate", "strategy", s.Name(), "cert", res.CertPath)
		return res, nil
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no certificate strategy available"))
	}
	return res, errors.Join(errs...)
}

// generateWith runs s against scratch files, checks the output is a usable
// pair and renames key then certificate into place.
func generateWith(ctx context.Context, s Strategy, dir, certPath, keyPath string) error {
	tmpCert, err := scratchFile(dir, ".agent-*.crt")
	if err != nil {
		return err
	}
	defer os.Remove(tmpCert)
	tmpKey, err := scratchFile(dir, ".agent-*.key")
	if err != nil {
		return err
	}
	defer os.Remove(tmpKey)

	if err := s.Generate(ctx, tmpCert, tmpKey); err != nil {
		return err
	}
	if _, err := tls.LoadX509KeyPair(tmpCert, tmpKey); err != nil {
		return fmt.Errorf("generated files are not a valid key pair: %w", err)
	}
	if err := os.Chmod(tmpKey, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpKey, keyPath); err != nil {
		return fmt.Errorf("failed to install key: %w", err)
	}
	if err := os.Rename(tmpCert, certPath); err != nil {
		os.Remove(keyPath)
		return fmt.Errorf("failed to install certificate: %w", err)
	}
	return nil
}

func scratchFile(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func complete(r Result) bool {
	return nonEmpty(r.CertPath) && nonEmpty(r.KeyPath)
}

func nonEmpty(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

func logf(l Logger, msg string, kv ...interface{}) {
	if l != nil {
		l.Info(msg, kv...)
	}
}

// Expiry returns NotAfter of the certificate at certPath.
func Expiry(certPath, keyPath string) (time.Time, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return time.Time{}, err
	}
	if pair.Leaf != nil {
		return pair.Leaf.NotAfter, nil
	}
	return time.Time{}, errors.New("certificate has no leaf")
}
