//go:build !windows

package printers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Dialog hands plain text to the OS default printer. On unix that is lp
// without a destination, or the named queue when one is given.
type Dialog struct{}

func newDialog() Transport { return &Dialog{} }

func (*Dialog) Name() string { return TransportDialog }

func (*Dialog) Available() bool {
	_, err := exec.LookPath("lp")
	return err == nil
}

func (*Dialog) Send(ctx context.Context, p Printer, data []byte) error {
	args := []string{}
	if p.Transport == TransportCUPS && p.target() != "" {
		args = append(args, "-d", p.target())
	}
	cmd := exec.CommandContext(ctx, "lp", args...)
	cmd.Stdin = bytes.NewReader(data)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lp: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
