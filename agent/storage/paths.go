package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout names every file the agent keeps under its data directory.
type Layout struct {
	DataDir string
}

// NewLayout creates dataDir (0700) and returns its Layout.
func NewLayout(dataDir string) (Layout, error) {
	if dataDir == "" {
		return Layout{}, fmt.Errorf("data directory is required")
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return Layout{}, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return Layout{}, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Layout{DataDir: abs}, nil
}

// TLSDir holds agent.crt, agent.key and the generation lock.
func (l Layout) TLSDir() string { return filepath.Join(l.DataDir, "tls") }

func (l Layout) CertPath() string { return filepath.Join(l.TLSDir(), "agent.crt") }

func (l Layout) KeyPath() string { return filepath.Join(l.TLSDir(), "agent.key") }

// DBPath is the SQLite state store.
func (l Layout) DBPath() string { return filepath.Join(l.DataDir, "agent.db") }

// IdentityKeyPath is the AES key sealing the device secret.
func (l Layout) IdentityKeyPath() string { return filepath.Join(l.DataDir, "identity.key") }
