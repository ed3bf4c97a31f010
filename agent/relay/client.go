// Package relay is the agent's HTTP client for the cloud relay: pairing,
// confirmation and heartbeats.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// ErrPending means the token exists but no operator has claimed it yet.
	ErrPending = errors.New("pairing token not yet claimed")
	// ErrTokenNotFound means the relay does not know the token.
	ErrTokenNotFound = errors.New("pairing token not found")
	// ErrTokenConsumed means the token was already redeemed.
	ErrTokenConsumed = errors.New("pairing token already consumed")
	// ErrTokenExpired means the token is past its expiry.
	ErrTokenExpired = errors.New("pairing token expired")
	// ErrUnauthorized means the relay rejected the device secret.
	ErrUnauthorized = errors.New("device credentials rejected")
)

// Logger interface for relay client operations
type Logger interface {
	Debug(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Debug(string, ...interface{}) {}
func (nullLogger) Warn(string, ...interface{})  {}

// StatusError is a non-2xx answer without a more specific meaning.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying later might succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsTransient reports whether err is worth retrying: network failures and
// relay-side errors, but not answers about the token or the credentials.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenConsumed),
		errors.Is(err, ErrTokenExpired), errors.Is(err, ErrUnauthorized),
		errors.Is(err, context.Canceled):
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// CACertPath trusts a private CA in addition to the system pool.
	CACertPath         string
	InsecureSkipVerify bool
	Timeout            time.Duration
	UserAgent          string
	Logger             Logger
}

// Client talks to the relay API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tlsConfig  *tls.Config
	userAgent  string
	log        Logger
}

// NewClient validates the relay URL and builds the HTTP client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid relay url %q: want http(s)://host", opts.BaseURL)
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CACertPath != "" {
		pem, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read relay CA: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("relay CA %s contains no certificates", opts.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "FoodHub-Agent"
	}
	log := opts.Logger
	if log == nil {
		log = nullLogger{}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		tlsConfig:  tlsConfig,
		userAgent:  ua,
		log:        log,
	}, nil
}

// BaseURL returns the relay root URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// TLSConfig returns the TLS settings used for the relay, for other
// connections such as the management stream.
func (c *Client) TLSConfig() *tls.Config { return c.tlsConfig.Clone() }

// StreamURL is the WebSocket URL of the management channel.
func (c *Client) StreamURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/agents/stream"
	return u.String()
}

// PairToken is a freshly issued pairing code.
type PairToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BeginPairing asks the relay for an unclaimed pairing code. No credentials
// are sent.
func (c *Client) BeginPairing(ctx context.Context) (PairToken, error) {
	var resp PairToken
	if _, err := c.do(ctx, http.MethodPost, "/pair", "", struct{}{}, &resp); err != nil {
		return PairToken{}, fmt.Errorf("begin pairing: %w", err)
	}
	if resp.Token == "" {
		return PairToken{}, errors.New("begin pairing: relay returned no token")
	}
	return resp, nil
}

// ConfirmRequest redeems a pairing code for a device identity.
type ConfirmRequest struct {
	Token        string `json:"token"`
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	AgentVersion string `json:"agent_version"`
}

// ConfirmResponse carries the device credential. DeviceSecret is only ever
// sent once.
type ConfirmResponse struct {
	Success      bool   `json:"success"`
	DeviceSecret string `json:"device_secret"`
	TenantID     string `json:"tenant_id"`
}

// Confirm redeems a pairing code. It returns ErrPending while the code is
// unclaimed and a token error when the code can never succeed.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error) {
	var resp ConfirmResponse
	status, err := c.do(ctx, http.MethodPost, "/confirm", "", req, &resp)
	if err != nil {
		return ConfirmResponse{}, err
	}
	if status == http.StatusAccepted {
		return ConfirmResponse{}, ErrPending
	}
	if !resp.Success || resp.DeviceSecret == "" || resp.TenantID == "" {
		return ConfirmResponse{}, errors.New("confirm: relay returned an incomplete identity")
	}
	return resp, nil
}

// HeartbeatRequest asserts the agent is alive.
type HeartbeatRequest struct {
	DeviceID     string `json:"device_id"`
	AgentVersion string `json:"agent_version"`
}

// HeartbeatResponse is the relay's view of the device.
type HeartbeatResponse struct {
	Status        string    `json:"status"`
	LatestVersion string    `json:"latest_version,omitempty"`
	ServerTime    time.Time `json:"server_time,omitempty"`
}

// Heartbeat reports liveness, authenticated with the device secret.
func (c *Client) Heartbeat(ctx context.Context, secret string, req HeartbeatRequest) (HeartbeatResponse, error) {
	if secret == "" {
		return HeartbeatResponse{}, ErrUnauthorized
	}
	var resp HeartbeatResponse
	if _, err := c.do(ctx, http.MethodPost, "/heartbeat", secret, req, &resp); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("heartbeat: %w", err)
	}
	return resp, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do sends a JSON request and decodes a JSON answer. Token and credential
// statuses map to the package's sentinel errors.
func (c *Client) do(ctx context.Context, method, path, bearer string, reqBody, respBody interface{}) (int, error) {
	endpoint := c.baseURL.String() + path

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	c.log.Debug("Relay request", "method", method, "url", endpoint, "authenticated", bearer != "")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return resp.StatusCode, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return resp.StatusCode, ErrUnauthorized
	case http.StatusNotFound:
		if path == "/confirm" {
			return resp.StatusCode, ErrTokenNotFound
		}
	case http.StatusConflict:
		return resp.StatusCode, ErrTokenConsumed
	case http.StatusGone:
		return resp.StatusCode, ErrTokenExpired
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		c.log.Warn("Relay returned an error", "method", method, "path", path, "status", resp.StatusCode, "code", eb.Code)
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Code: eb.Code, Message: msg}
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
