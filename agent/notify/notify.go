// Package notify tells the operator about events that need attention:
// a pairing code to enter, a completed pairing, revoked credentials or a
// failing printer. Every event is logged; events are also sent to the
// configured shoutrrr URLs.
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
)

// Event names an operator-facing event.
type Event string

const (
	EventPairingCode Event = "pairing_code"
	EventPaired      Event = "paired"
	EventRevoked     Event = "revoked"
	EventPrintFailed Event = "print_failed"
	EventCertificate Event = "certificate"
)

// Sender abstracts message dispatch so tests do not hit real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via shoutrrr.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Logger interface for notifier operations
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

// Options configures a Notifier.
type Options struct {
	URLs []string
	// Prefix is prepended to every message, usually the device name.
	Prefix string
	// Cooldown suppresses repeats of the same event (default 5m). Pairing
	// codes are never suppressed.
	Cooldown time.Duration
	Sender   Sender
	Logger   Logger
	Now      func() time.Time
}

// Notifier logs and forwards operator events.
type Notifier struct {
	urls     []string
	prefix   string
	cooldown time.Duration
	sender   Sender
	log      Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[Event]time.Time
	wg   sync.WaitGroup
}

// New creates a notifier. With no URLs it only logs.
func New(opts Options) *Notifier {
	n := &Notifier{
		prefix:   opts.Prefix,
		cooldown: opts.Cooldown,
		sender:   opts.Sender,
		log:      opts.Logger,
		now:      opts.Now,
		last:     make(map[Event]time.Time),
	}
	for _, u := range opts.URLs {
		if u = strings.TrimSpace(u); u != "" {
			n.urls = append(n.urls, u)
		}
	}
	if n.cooldown <= 0 {
		n.cooldown = 5 * time.Minute
	}
	if n.sender == nil {
		n.sender = ShoutrrrSender{}
	}
	if n.log == nil {
		n.log = nullLogger{}
	}
	if n.now == nil {
		n.now = time.Now
	}
	return n
}

// Notify logs the event and dispatches it in the background.
func (n *Notifier) Notify(ev Event, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch ev {
	case EventRevoked, EventPrintFailed:
		n.log.Warn(msg, "event", string(ev))
	default:
		n.log.Info(msg, "event", string(ev))
	}

	if len(n.urls) == 0 || !n.allow(ev) {
		return
	}
	if n.prefix != "" {
		msg = n.prefix + ": " + msg
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, u := range n.urls {
			if err := n.sender.Send(u, msg); err != nil {
				n.log.Warn("Notification failed", "event", string(ev), "service", scheme(u), "error", err)
			}
		}
	}()
}

// Wait blocks until in-flight notifications are sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) allow(ev Event) bool {
	if ev == EventPairingCode {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[ev]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.last[ev] = now
	return true
}

// scheme returns the service part of a shoutrrr URL so credentials in the
// rest of it are never logged.
func scheme(u string) string {
	if i := strings.Index(u, "://"); i > 0 {
		return u[:i]
	}
	return "unknown"
}
