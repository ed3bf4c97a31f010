package printers

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"
)

// Transport delivers an encoded stream to a printer.
type Transport interface {
	Name() string
	// Available reports whether the transport can run on this host.
	Available() bool
	Send(ctx context.Context, p Printer, data []byte) error
}

// DefaultTransports returns every transport the agent knows, keyed by name.
func DefaultTransports() map[string]Transport {
	ts := []Transport{
		&TCP{DialTimeout: 5 * time.Second},
		&CUPS{},
		newWinspool(),
		&Device{},
		newDialog(),
	}
	out := make(map[string]Transport, len(ts))
	for _, t := range ts {
		out[t.Name()] = t
	}
	return out
}

// RawPort is the JetDirect port network receipt printers listen on.
const RawPort = "9100"

// TCP writes raw bytes to a network printer's JetDirect port.
type TCP struct {
	DialTimeout time.Duration
}

func (*TCP) Name() string    { return TransportTCP }
func (*TCP) Available() bool { return true }

func (t *TCP) Send(ctx context.Context, p Printer, data []byte) error {
	addr := p.target()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, RawPort)
	}

	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// CUPS submits a raw job through the lp command.
type CUPS struct {
	// Command overrides the lp binary, mostly for tests.
	Command string
}

func (c *CUPS) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "lp"
}

func (*CUPS) Name() string { return TransportCUPS }

func (c *CUPS) Available() bool {
	_, err := exec.LookPath(c.command())
	return err == nil
}

func (c *CUPS) Send(ctx context.Context, p Printer, data []byte) error {
	cmd := exec.CommandContext(ctx, c.command(), "-d", p.target(), "-o", "raw")
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("lp -d %s: %w: %s", p.target(), err, bytes.TrimSpace(out))
	}
	return nil
}

// Device writes straight to a character device such as /dev/usb/lp0.
type Device struct{}

func (*Device) Name() string    { return TransportDevice }
func (*Device) Available() bool { return true }

func (*Device) Send(ctx context.Context, p Printer, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(p.target(), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Not every device supports deadlines; ignore the error.
		_ = f.SetWriteDeadline(deadline)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write device: %w", err)
	}
	return f.Close()
}
