package printers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Default is the printer name used when a job names none.
	Default string
	// Prober, when set, refreshes the status of network printers.
	Prober StatusProber
	Logger Logger
}

// Registry holds the merged view of every detector's printers.
type Registry struct {
	detectors []Detector
	prober    StatusProber
	preferred string
	log       Logger

	mu        sync.RWMutex
	printers  map[string]Printer
	bySource  map[string][]Printer
	refreshed time.Time
	onRemoved []func(name string)
}

// NewRegistry creates a registry. Detectors earlier in the list win when two
// report the same printer name, so configured printers go first.
func NewRegistry(opts RegistryOptions, detectors ...Detector) *Registry {
	log := opts.Logger
	if log == nil {
		log = nullLogger{}
	}
	return &Registry{
		detectors: detectors,
		prober:    opts.Prober,
		preferred: opts.Default,
		log:       log,
		printers:  make(map[string]Printer),
		bySource:  make(map[string][]Printer),
	}
}

// OnRemoved registers fn to run, outside the registry lock, for each printer
// that disappears on a refresh.
func (r *Registry) OnRemoved(fn func(name string)) {
	r.mu.Lock()
	r.onRemoved = append(r.onRemoved, fn)
	r.mu.Unlock()
}

// Refresh runs every detector and replaces the printer set. A detector that
// fails keeps its previous printers. The returned error joins detector
// failures; the registry is still updated.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	previous := make(map[string][]Printer, len(r.bySource))
	for k, v := range r.bySource {
		previous[k] = v
	}
	r.mu.RUnlock()

	var errs []error
	bySource := make(map[string][]Printer, len(r.detectors))
	merged := make(map[string]Printer)
	for _, d := range r.detectors {
		list, err := d.Detect(ctx)
		if err != nil {
			r.log.Warn("Printer detection failed", "detector", d.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			list = previous[d.Name()]
		}
		bySource[d.Name()] = list
		for _, p := range list {
			if p.Name == "" {
				continue
			}
			existing, ok := merged[p.Name]
			if !ok {
				merged[p.Name] = p
				continue
			}
			existing.Default = existing.Default || p.Default
			if existing.Status == "" || existing.Status == StatusUnknown {
				existing.Status = p.Status
			}
			merged[p.Name] = existing
		}
	}

	if r.prober != nil {
		for name, p := range merged {
			if p.Transport != TransportTCP {
				continue
			}
			status, err := r.prober.Probe(ctx, p)
			if err != nil {
				r.log.Debug("Printer status probe failed", "printer", name, "error", err)
				continue
			}
			p.Status = status
			merged[name] = p
		}
	}

	r.mu.Lock()
	var removed []string
	for name := range r.printers {
		if _, ok := merged[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, p := range merged {
		if _, ok := r.printers[name]; !ok {
			r.log.Info("Printer detected", "printer", name, "source", p.Source, "transport", p.Transport, "profile", p.Profile)
		}
	}
	r.printers = merged
	r.bySource = bySource
	r.refreshed = time.Now()
	callbacks := append([]func(string){}, r.onRemoved...)
	r.mu.Unlock()

	sort.Strings(removed)
	for _, name := range removed {
		r.log.Info("Printer removed", "printer", name)
		for _, fn := range callbacks {
			fn(name)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// List returns the printers sorted by name.
func (r *Registry) List() []Printer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Printer, 0, len(r.printers))
	for _, p := range r.printers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastRefresh reports when Refresh last completed.
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshed
}

// DefaultName returns the printer a job without a name would go to, or "".
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, _, ok := r.defaultLocked()
	if !ok {
		return ""
	}
	return p.Name
}

// Resolve picks the printer for a job. An unknown name falls back to the
// default with a warning instead of failing the job.
func (r *Registry) Resolve(name string) (Printer, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.printers) == 0 {
		return Printer{}, nil, ErrNoPrinter
	}

	var warnings []string
	if name != "" {
		if p, ok := r.lookupLocked(name); ok {
			return p, statusWarnings(p), nil
		}
	}

	p, warn, ok := r.defaultLocked()
	if !ok {
		return Printer{}, nil, ErrNoPrinter
	}
	if name != "" {
		warnings = append(warnings, fmt.Sprintf("printer %q not found, using %q", name, p.Name))
	}
	if warn != "" {
		warnings = append(warnings, warn)
	}
	return p, append(warnings, statusWarnings(p)...), nil
}

func (r *Registry) lookupLocked(name string) (Printer, bool) {
	if p, ok := r.printers[name]; ok {
		return p, true
	}
	for n, p := range r.printers {
		if strings.EqualFold(n, name) {
			return p, true
		}
	}
	return Printer{}, false
}

// defaultLocked prefers the configured default, then the OS default, then
// the first printer by name.
func (r *Registry) defaultLocked() (Printer, string, bool) {
	var warn string
	if r.preferred != "" {
		if p, ok := r.lookupLocked(r.preferred); ok {
			return p, "", true
		}
		warn = fmt.Sprintf("default printer %q not found", r.preferred)
	}

	names := make([]string, 0, len(r.printers))
	for n, p := range r.printers {
		if p.Default {
			return p, warn, true
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return Printer{}, "", false
	}
	sort.Strings(names)
	if warn == "" && len(names) > 1 {
		warn = fmt.Sprintf("no default printer set, using %q", names[0])
	}
	return r.printers[names[0]], warn, true
}

func statusWarnings(p Printer) []string {
	switch p.Status {
	case StatusOffline, StatusPaperOut:
		return []string{fmt.Sprintf("printer %q reports %s", p.Name, p.Status)}
	}
	return nil
}
