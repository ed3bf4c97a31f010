//go:build !windows

package certs

// macOS and Linux ship openssl, which is already in the default list.
func platformStrategy() Strategy { return nil }
