package printers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

var (
	lpstatPrinterRe = regexp.MustCompile(`^printer\s+(\S+)\s+(.*)$`)
	lpstatDeviceRe  = regexp.MustCompile(`^device\s+for\s+(\S+):\s+(.*)$`)
)

const lpstatDefaultPrefix = "system default destination:"

// CUPSDetector lists CUPS queues with lpstat.
type CUPSDetector struct {
	// Run executes lpstat with args. Nil runs the real binary.
	Run     func(ctx context.Context, args ...string) ([]byte, error)
	Timeout time.Duration
}

func (*CUPSDetector) Name() string { return "cups" }

func (d *CUPSDetector) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if d.Run != nil {
		return d.Run(ctx, args...)
	}
	return exec.CommandContext(ctx, "lpstat", args...).Output()
}

func (d *CUPSDetector) Detect(ctx context.Context) ([]Printer, error) {
	if d.Run == nil {
		if _, err := exec.LookPath("lpstat"); err != nil {
			return nil, nil
		}
	}

	out, err := d.run(ctx, "-p")
	if err != nil {
		// lpstat exits 1 when there are no printers.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lpstat -p: %w", err)
	}
	printers := parseLpstatPrinters(string(out))

	var def string
	if out, err := d.run(ctx, "-d"); err == nil {
		def = parseLpstatDefault(string(out))
	}
	var devices map[string]string
	if out, err := d.run(ctx, "-v"); err == nil {
		devices = parseLpstatDevices(string(out))
	}

	for i := range printers {
		p := &printers[i]
		p.Default = p.Name == def
		p.Profile = GuessProfile(p.Name, devices[p.Name])
	}
	return printers, nil
}

// parseLpstatPrinters reads "printer NAME is idle.  enabled since ..." lines.
func parseLpstatPrinters(out string) []Printer {
	var printers []Printer
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := lpstatPrinterRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		status := StatusUnknown
		switch {
		case strings.Contains(m[2], "is idle"):
			status = StatusReady
		case strings.Contains(m[2], "now printing"):
			status = StatusPrinting
		case strings.Contains(m[2], "disabled"):
			status = StatusOffline
		}
		printers = append(printers, Printer{
			Name:      m[1],
			Transport: TransportCUPS,
			Source:    "cups",
			Status:    status,
		})
	}
	return printers
}

func parseLpstatDefault(out string) string {
	line := strings.TrimSpace(out)
	if strings.HasPrefix(line, lpstatDefaultPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(line, lpstatDefaultPrefix))
	}
	return ""
}

func parseLpstatDevices(out string) map[string]string {
	devices := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if m := lpstatDeviceRe.FindStringSubmatch(sc.Text()); m != nil {
			devices[m[1]] = m[2]
		}
	}
	return devices
}
