//go:build windows

package printers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Dialog hands plain text to the Windows default printer through Notepad's
// print verb.
type Dialog struct{}

func newDialog() Transport { return &Dialog{} }

func (*Dialog) Name() string    { return TransportDialog }
func (*Dialog) Available() bool { return true }

func (*Dialog) Send(ctx context.Context, _ Printer, data []byte) error {
	f, err := os.CreateTemp("", "foodhub-receipt-*.txt")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)

	// Notepad reads a BOM-prefixed file as UTF-8.
	if _, err := f.Write(append([]byte{0xef, 0xbb, 0xbf}, data...)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if out, err := exec.CommandContext(ctx, "notepad.exe", "/p", name).CombinedOutput(); err != nil {
		return fmt.Errorf("notepad /p: %w: %s", err, out)
	}
	return nil
}
