package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	outMu      sync.Mutex
	out        io.Writer = os.Stdout
	quietMode  bool
	silentMode bool
)

// SetQuietMode switches terminal output to plain log-style lines.
func SetQuietMode(quiet bool) {
	outMu.Lock()
	defer outMu.Unlock()
	quietMode = quiet
}

// SetSilentMode suppresses all output, errors included. Implies quiet.
func SetSilentMode(silent bool) {
	outMu.Lock()
	defer outMu.Unlock()
	silentMode = silent
	if silent {
		quietMode = true
	}
}

// IsQuietMode returns true if quiet mode is enabled
func IsQuietMode() bool {
	outMu.Lock()
	defer outMu.Unlock()
	return quietMode
}

// SetOutput redirects terminal output. Used by tests.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
)

const screenWidth = 80

// ShowBanner prints the component name, version and host summary.
func ShowBanner(version, componentName string) {
	outMu.Lock()
	defer outMu.Unlock()
	if quietMode {
		return
	}

	rule := strings.Repeat("─", screenWidth-4)
	fmt.Fprintf(out, "\n  %s%s%s\n", ColorCyan, rule, ColorReset)
	centerPrint(fmt.Sprintf("%sFoodHub %s%s", ColorBold, componentName, ColorReset))
	centerPrint(fmt.Sprintf("Version %s%s%s", ColorGreen, version, ColorReset))

	sys := GetSystemInfo()
	centerPrint(fmt.Sprintf("%sOS:%s %s/%s | %sHost:%s %s",
		ColorDim, ColorReset, sys.OS, sys.Arch,
		ColorDim, ColorReset, sys.Hostname))
	fmt.Fprintf(out, "  %s%s%s\n\n", ColorCyan, rule, ColorReset)
}

// ShowPairingCode displays the pairing code the operator has to type into
// the dashboard. The code is always shown unless silent; quiet mode prints
// it as a single log-style line.
func ShowPairingCode(code string, expiresAt time.Time) {
	outMu.Lock()
	defer outMu.Unlock()
	if silentMode {
		return
	}

	expires := expiresAt.Local().Format("15:04:05")
	if quietMode {
		fmt.Fprintf(out, "%s [INFO] pairing code %s (expires %s)\n", time.Now().Format(time.RFC3339), code, expires)
		return
	}

	spaced := strings.Join(strings.Split(code, ""), " ")
	inner := 36
	pad := (inner - len(spaced)) / 2
	line := strings.Repeat(" ", pad) + spaced + strings.Repeat(" ", inner-pad-len(spaced))

	indent := strings.Repeat(" ", (screenWidth-inner-2)/2)
	fmt.Fprintf(out, "\n%s%s╔%s╗%s\n", indent, ColorGreen, strings.Repeat("═", inner), ColorReset)
	fmt.Fprintf(out, "%s%s║%s%s%s%s║%s\n", indent, ColorGreen, ColorBold, line, ColorReset, ColorGreen, ColorReset)
	fmt.Fprintf(out, "%s%s╚%s╝%s\n", indent, ColorGreen, strings.Repeat("═", inner), ColorReset)
	centerPrint(fmt.Sprintf("Enter this code in the FoodHub dashboard %s(expires %s)%s", ColorDim, expires, ColorReset))
	fmt.Fprintln(out)
}

// ShowSuccess displays a success message
func ShowSuccess(message string) {
	show("INFO", ColorBlue, ColorGreen, "✓", message)
}

// ShowError displays an error message
func ShowError(message string) {
	show("ERROR", ColorRed, ColorRed, "✗", message)
}

// ShowInfo displays an info message
func ShowInfo(message string) {
	show("INFO", ColorBlue, ColorCyan, "•", message)
}

// ShowWarning displays a warning message
func ShowWarning(message string) {
	show("WARN", ColorYellow, ColorYellow, "⚠", message)
}

func show(level, levelColor, iconColor, icon, message string) {
	outMu.Lock()
	defer outMu.Unlock()
	if silentMode {
		return
	}
	if quietMode {
		timestamp := time.Now().Format(time.RFC3339)
		fmt.Fprintf(out, "%s%s%s %s[%s]%s %s\n", ColorDim, timestamp, ColorReset, levelColor, level, ColorReset, message)
		return
	}
	fmt.Fprintf(out, "  %s%s%s %s\n", iconColor, icon, ColorReset, message)
}

// centerPrint prints text centered on an 80 column terminal. Caller holds outMu.
func centerPrint(text string) {
	visible := len([]rune(stripAnsi(text)))
	if padding := (screenWidth - visible) / 2; padding > 0 {
		fmt.Fprint(out, strings.Repeat(" ", padding))
	}
	fmt.Fprintln(out, text)
}

// stripAnsi removes \033[...m sequences.
func stripAnsi(str string) string {
	var b strings.Builder
	inEscape := false
	for i := 0; i < len(str); i++ {
		if str[i] == '\033' && i+1 < len(str) && str[i+1] == '[' {
			inEscape = true
			i++
			continue
		}
		if inEscape {
			if str[i] == 'm' {
				inEscape = false
			}
			continue
		}
		b.WriteByte(str[i])
	}
	return b.String()
}
