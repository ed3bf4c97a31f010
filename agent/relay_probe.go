package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"
)

// RelayProbe is the outcome of dialing the relay, reported by --health.
type RelayProbe struct {
	URL       string     `json:"url"`
	Reachable bool       `json:"reachable"`
	TLS       bool       `json:"tls"`
	Valid     bool       `json:"valid,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
}

// probeRelay opens a TCP (and for https a TLS) connection to the relay
// with the agent's relay TLS settings. Network failures are reported in
// the result, not as an error.
func probeRelay(ctx context.Context, rawURL string, base *tls.Config) RelayProbe {
	res := RelayProbe{URL: rawURL}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		res.Error, res.ErrorCode = "invalid relay url", "invalid_url"
		return res
	}
	res.TLS = strings.EqualFold(u.Scheme, "https")

	hostPort := u.Host
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		port := "443"
		if !res.TLS {
			port = "80"
		}
		hostPort = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: 6 * time.Second}
	if !res.TLS {
		conn, err := dialer.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			res.Error, res.ErrorCode = err.Error(), "unreachable"
			return res
		}
		conn.Close()
		res.Reachable = true
		return res
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	cfg.ServerName = u.Hostname()
	td := &tls.Dialer{NetDialer: dialer, Config: cfg}
	conn, err := td.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		res.Error, res.ErrorCode = err.Error(), classifyTLSError(err)
		res.Reachable = res.ErrorCode != "unreachable"
		return res
	}
	defer conn.Close()

	res.Reachable, res.Valid = true, true
	if certs := conn.(*tls.Conn).ConnectionState().PeerCertificates; len(certs) > 0 {
		na := certs[0].NotAfter
		res.NotAfter = &na
	}
	return res
}

func classifyTLSError(err error) string {
	var hostnameErr x509.HostnameError
	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var opErr *net.OpError
	switch {
	case errors.As(err, &hostnameErr):
		return "hostname_mismatch"
	case errors.As(err, &unknownAuth):
		return "unknown_authority"
	case errors.As(err, &certInvalid):
		if certInvalid.Reason == x509.Expired {
			return "expired"
		}
		return "certificate_invalid"
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return "unreachable"
	default:
		return "handshake_failed"
	}
}
