// Package relaylink keeps the management stream to the relay open. The relay
// uses it to push print jobs and remote unpair commands to a paired agent.
package relaylink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
	"github.com/JoilsonLima1/foodhub09-sub007/common/ws"
)

// ErrRevoked is returned by Run when the relay rejected the device secret or
// unpaired the device.
var ErrRevoked = errors.New("relay revoked device")

// Logger interface for relay link operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Debug(string, ...interface{}) {}

// PrintFunc prints a job received from the relay.
type PrintFunc func(ctx context.Context, job receipt.Job) ws.CommandResult

// Options configures a Link.
type Options struct {
	URL       string
	Secret    string
	DeviceID  string
	Version   string
	TLSConfig *tls.Config

	Print PrintFunc
	// OnRevoked runs once when the relay rejects the secret or sends unpair.
	OnRevoked func(ctx context.Context, reason string)
	Logger    Logger

	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	MaxReconnect     time.Duration
}

// Link is a reconnecting management stream client.
type Link struct {
	opts Options
	log  Logger

	mu        sync.RWMutex
	connected bool
	revoked   bool
}

// New validates opts and fills in defaults.
func New(opts Options) (*Link, error) {
	if opts.URL == "" {
		return nil, errors.New("relaylink: URL is required")
	}
	if opts.Secret == "" {
		return nil, errors.New("relaylink: device secret is required")
	}
	if opts.Print == nil {
		return nil, errors.New("relaylink: print handler is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = 5 * time.Minute
	}
	l := &Link{opts: opts, log: opts.Logger}
	if l.log == nil {
		l.log = nullLogger{}
	}
	return l, nil
}

// Connected reports whether the stream is currently up.
func (l *Link) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Run connects and serves the stream, reconnecting with backoff, until ctx
// is done (returns nil) or the device is revoked (returns ErrRevoked).
func (l *Link) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.ReconnectDelay
	b.MaxInterval = l.opts.MaxReconnect
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		started := time.Now()
		err := l.session(ctx)
		if errors.Is(err, ErrRevoked) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		// A session that stayed up for a while starts the backoff over.
		if time.Since(started) > l.opts.MaxReconnect {
			b.Reset()
		}
		wait := b.NextBackOff()
		l.log.Warn("Relay stream disconnected, reconnecting", "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (l *Link) session(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.opts.Secret)
	conn, resp, err := ws.Dial(ctx, l.opts.URL, header, l.opts.TLSConfig, l.opts.HandshakeTimeout)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				l.revoke(ctx, "relay rejected device credentials")
				return ErrRevoked
			}
			return fmt.Errorf("dial relay stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial relay stream: %w", err)
	}
	defer conn.Close()

	hello, _ := ws.NewMessage(ws.MessageTypeHello, "", ws.Hello{DeviceID: l.opts.DeviceID, AgentVersion: l.opts.Version})
	if err := conn.WriteMessage(hello, l.opts.WriteTimeout); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	l.setConnected(true)
	defer l.setConnected(false)
	l.log.Info("Relay stream connected")

	var wg sync.WaitGroup
	defer wg.Wait()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the connection unblocks the read loop on shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(sctx, conn)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
	})

	for {
		msg, err := conn.ReadEnvelope()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ws.IsCloseError(err) {
				return errors.New("relay closed the stream")
			}
			return fmt.Errorf("read relay stream: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))

		switch msg.Type {
		case ws.MessageTypePrint:
			wg.Add(1)
			go func(msg *ws.Message) {
				defer wg.Done()
				l.handlePrint(sctx, conn, msg)
			}(msg)
		case ws.MessageTypeUnpair:
			var u ws.Unpair
			_ = msg.Decode(&u)
			reason := u.Reason
			if reason == "" {
				reason = "device unpaired remotely"
			}
			l.reply(conn, msg.ID, ws.CommandResult{Success: true})
			_ = conn.WriteClose("unpaired", l.opts.WriteTimeout)
			l.revoke(ctx, reason)
			return ErrRevoked
		case ws.MessageTypeError:
			l.log.Warn("Relay reported an error", "data", string(msg.Data))
		default:
			l.log.Debug("Ignoring relay message", "type", msg.Type)
		}
	}
}

func (l *Link) keepAlive(ctx context.Context, conn *ws.Conn) {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteClose("", time.Second)
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WritePing(l.opts.WriteTimeout); err != nil {
				l.log.Debug("Relay ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (l *Link) handlePrint(ctx context.Context, conn *ws.Conn, msg *ws.Message) {
	var job receipt.Job
	if err := msg.Decode(&job); err != nil {
		l.reply(conn, msg.ID, ws.CommandResult{Code: "VALIDATION_ERROR", Message: "malformed print job"})
		return
	}
	l.log.Info("Print job received from relay", "id", msg.ID, "printer", job.Printer, "lines", len(job.Lines))
	l.reply(conn, msg.ID, l.opts.Print(ctx, job))
}

func (l *Link) reply(conn *ws.Conn, id string, res ws.CommandResult) {
	m, err := ws.NewMessage(ws.MessageTypeCommandResult, id, res)
	if err == nil {
		err = conn.WriteMessage(m, l.opts.WriteTimeout)
	}
	if err != nil {
		l.log.Warn("Failed to send command result", "id", id, "error", err)
	}
}

func (l *Link) revoke(ctx context.Context, reason string) {
	l.mu.Lock()
	already := l.revoked
	l.revoked = true
	l.mu.Unlock()
	if already {
		return
	}
	l.log.Warn("Relay revoked this device", "reason", reason)
	if l.opts.OnRevoked != nil {
		l.opts.OnRevoked(ctx, reason)
	}
}

func (l *Link) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}
