package util

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// These tests mutate package-level output state, so they do not run in parallel.

func captureOutput(t *testing.T, quiet bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetSilentMode(false)
	SetQuietMode(quiet)
	t.Cleanup(func() {
		SetQuietMode(false)
		SetSilentMode(false)
	})
	return &buf
}

func TestShowPairingCodeInteractive(t *testing.T) {
	buf := captureOutput(t, false)

	ShowPairingCode("K7M2QX", time.Now().Add(10*time.Minute))

	got := stripAnsi(buf.String())
	if !strings.Contains(got, "K 7 M 2 Q X") {
		t.Errorf("pairing code not rendered: %q", got)
	}
	if !strings.Contains(got, "dashboard") {
		t.Errorf("instructions missing: %q", got)
	}
}

func TestShowPairingCodeQuiet(t *testing.T) {
	buf := captureOutput(t, true)

	ShowPairingCode("K7M2QX", time.Now())
	if !strings.Contains(buf.String(), "pairing code K7M2QX") {
		t.Errorf("quiet output should carry the code: %q", buf.String())
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("quiet output should be a single line: %q", buf.String())
	}
}

func TestSilentModeSuppressesEverything(t *testing.T) {
	buf := captureOutput(t, false)
	SetSilentMode(true)

	ShowError("boom")
	ShowPairingCode("ABCDEF", time.Now())
	ShowBanner("1.0.0", "Print Agent")
	if buf.Len() != 0 {
		t.Errorf("silent mode wrote output: %q", buf.String())
	}
	if !IsQuietMode() {
		t.Error("silent mode should imply quiet mode")
	}
}

func TestQuietMessagesAreLogLines(t *testing.T) {
	buf := captureOutput(t, true)

	ShowWarning("certificate unavailable")
	ShowBanner("1.0.0", "Print Agent")

	got := stripAnsi(buf.String())
	if !strings.Contains(got, "[WARN] certificate unavailable") {
		t.Errorf("unexpected quiet warning: %q", got)
	}
	if strings.Contains(got, "FoodHub") {
		t.Errorf("banner should be hidden in quiet mode: %q", got)
	}
}

func TestStripAnsi(t *testing.T) {
	if got := stripAnsi(ColorBold + "hi" + ColorReset); got != "hi" {
		t.Errorf("stripAnsi = %q", got)
	}
}

func TestDefaultDeviceName(t *testing.T) {
	name := DefaultDeviceName()
	if name == "" || strings.Contains(name, ".") {
		t.Errorf("DefaultDeviceName = %q", name)
	}
}
