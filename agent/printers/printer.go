// Package printers renders laid-out receipts into printer command streams and
// delivers them over the transport each printer is reachable by. It also
// keeps the registry of printers the agent can see.
package printers

import (
	"context"
	"errors"
	"strings"
)

// Logger interface for printer operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Debug(string, ...interface{}) {}

// Profile names.
const (
	ProfileESCPOS = "escpos"
	ProfileStar   = "star"
	ProfileText   = "text"
)

// Transport names.
const (
	TransportTCP      = "tcp"
	TransportCUPS     = "cups"
	TransportWinspool = "winspool"
	TransportDevice   = "device"
	TransportDialog   = "dialog"
)

// Status values reported by detection and probing.
const (
	StatusReady    = "ready"
	StatusPrinting = "printing"
	StatusOffline  = "offline"
	StatusPaperOut = "paper-out"
	StatusUnknown  = "unknown"
)

var (
	// ErrNoPrinter means no printer is configured or detected at all.
	ErrNoPrinter = errors.New("no printer available")
	// ErrBackendUnavailable means the printer's transport cannot run here
	// and no fallback exists.
	ErrBackendUnavailable = errors.New("printer backend unavailable")
)

// Printer is a print destination as the agent sees it.
type Printer struct {
	Name      string `json:"name"`
	Profile   string `json:"profile"`
	Transport string `json:"transport"`
	// Address is host:port for tcp, a device path for device and the
	// spooler queue name for cups and winspool. Empty means Name.
	Address string `json:"address,omitempty"`
	Source  string `json:"source"`
	Default bool   `json:"default"`
	Status  string `json:"status"`
}

func (p Printer) target() string {
	if p.Address != "" {
		return p.Address
	}
	return p.Name
}

// Detector lists the printers from one source.
type Detector interface {
	Name() string
	Detect(ctx context.Context) ([]Printer, error)
}

// StaticDetector returns the printers configured in the agent's TOML file.
type StaticDetector struct {
	Printers []Printer
}

func (StaticDetector) Name() string { return "config" }

func (s StaticDetector) Detect(context.Context) ([]Printer, error) {
	out := make([]Printer, 0, len(s.Printers))
	for _, p := range s.Printers {
		p.Source = "config"
		if p.Profile == "" {
			p.Profile = ProfileESCPOS
		}
		if p.Status == "" {
			p.Status = StatusUnknown
		}
		out = append(out, p)
	}
	return out, nil
}

// GuessProfile picks a command dialect from a queue or driver name. Unknown
// printers get plain text, which every device can at least print.
func GuessProfile(names ...string) string {
	joined := strings.ToLower(strings.Join(names, " "))
	switch {
	case strings.Contains(joined, "star") || strings.Contains(joined, "tsp"):
		return ProfileStar
	case strings.Contains(joined, "epson"), strings.Contains(joined, "tm-"),
		strings.Contains(joined, "escpos"), strings.Contains(joined, "esc/pos"),
		strings.Contains(joined, "thermal"), strings.Contains(joined, "termica"),
		strings.Contains(joined, "térmica"), strings.Contains(joined, "bematech"),
		strings.Contains(joined, "elgin"), strings.Contains(joined, "pos-"),
		strings.Contains(joined, "pos58"), strings.Contains(joined, "pos80"):
		return ProfileESCPOS
	default:
		return ProfileText
	}
}
