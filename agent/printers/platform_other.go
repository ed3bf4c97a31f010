//go:build !windows

package printers

import "context"

// PlatformDetector returns the spooler detector for this OS.
func PlatformDetector() Detector { return &CUPSDetector{} }

// Winspool only exists on Windows.
type Winspool struct{}

func newWinspool() Transport { return &Winspool{} }

func (*Winspool) Name() string    { return TransportWinspool }
func (*Winspool) Available() bool { return false }

func (*Winspool) Send(context.Context, Printer, []byte) error {
	return ErrBackendUnavailable
}
