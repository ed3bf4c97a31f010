package util

import (
	"os"
	"runtime"
	"strings"
)

// SystemInfo contains basic host information
type SystemInfo struct {
	OS       string
	Arch     string
	Hostname string
}

// GetSystemInfo returns basic host information
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	info.Hostname, _ = os.Hostname()
	return info
}

// DefaultDeviceName is the name an agent reports when none is configured:
// the short host name, or "foodhub-agent" when that is unavailable.
func DefaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "foodhub-agent"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}
