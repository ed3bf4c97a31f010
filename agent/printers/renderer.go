package printers

import (
	"context"
	"fmt"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
)

// Dispatcher serializes work per printer. printqueue.Queue implements it.
type Dispatcher interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Outcome describes where a job went.
type Outcome struct {
	Printer  string   `json:"printer"`
	Profile  string   `json:"profile"`
	Warnings []string `json:"warnings,omitempty"`
	Bytes    int      `json:"bytes"`
}

// PrintError is a failure reported by a printer or its transport.
type PrintError struct {
	Printer   string
	Transport string
	Err       error
}

func (e *PrintError) Error() string {
	return fmt.Sprintf("print to %s via %s: %v", e.Printer, e.Transport, e.Err)
}

func (e *PrintError) Unwrap() error { return e.Err }

// RendererOptions configures a Renderer.
type RendererOptions struct {
	// Transports defaults to DefaultTransports.
	Transports map[string]Transport
	// Queue serializes jobs per printer; nil sends inline.
	Queue  Dispatcher
	Logger Logger
}

// Renderer lays out, encodes and delivers print jobs.
type Renderer struct {
	registry   *Registry
	transports map[string]Transport
	queue      Dispatcher
	log        Logger
}

// NewRenderer creates a renderer over the registry's printers.
func NewRenderer(reg *Registry, opts RendererOptions) *Renderer {
	ts := opts.Transports
	if ts == nil {
		ts = DefaultTransports()
	}
	log := opts.Logger
	if log == nil {
		log = nullLogger{}
	}
	return &Renderer{registry: reg, transports: ts, queue: opts.Queue, log: log}
}

// Registry returns the printer registry the renderer resolves against.
func (r *Renderer) Registry() *Registry { return r.registry }

// Render prints job. The outcome is filled in as far as the job got, so
// callers can report the chosen printer and warnings on failure too.
func (r *Renderer) Render(ctx context.Context, job receipt.Job) (Outcome, error) {
	doc, err := receipt.Layout(job)
	if err != nil {
		return Outcome{}, err
	}

	p, warnings, err := r.registry.Resolve(job.Printer)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Printer: p.Name, Warnings: warnings}

	transport, profile, warn, err := r.route(p)
	if err != nil {
		return out, err
	}
	if warn != "" {
		out.Warnings = append(out.Warnings, warn)
	}
	out.Profile = profile.Name()

	data, err := profile.Encode(doc)
	if err != nil {
		return out, &PrintError{Printer: p.Name, Transport: transport.Name(), Err: err}
	}
	out.Bytes = len(data)

	send := func(ctx context.Context) error {
		if err := transport.Send(ctx, p, data); err != nil {
			return &PrintError{Printer: p.Name, Transport: transport.Name(), Err: err}
		}
		return nil
	}
	if r.queue != nil {
		err = r.queue.Do(ctx, p.Name, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		r.log.Warn("Print job failed", "printer", p.Name, "transport", transport.Name(), "error", err)
		return out, err
	}
	r.log.Info("Print job sent", "printer", p.Name, "transport", transport.Name(), "profile", out.Profile, "bytes", out.Bytes)
	return out, nil
}

// route picks the transport and profile for p, falling back to plain text
// through the system dialog when p's own transport cannot run here.
func (r *Renderer) route(p Printer) (Transport, Profile, string, error) {
	if t, ok := r.transports[p.Transport]; ok && t.Available() {
		return t, ProfileFor(p.Profile), "", nil
	}
	if t, ok := r.transports[TransportDialog]; ok && t.Available() && p.Transport != TransportDialog {
		warn := fmt.Sprintf("transport %q unavailable, printing plain text through the system dialog", p.Transport)
		return t, Text{}, warn, nil
	}
	return nil, nil, "", fmt.Errorf("%w: %s for printer %q", ErrBackendUnavailable, p.Transport, p.Name)
}
