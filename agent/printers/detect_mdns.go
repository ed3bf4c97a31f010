package printers

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// RawService is the DNS-SD type advertised by printers with a raw port.
const RawService = "_pdl-datastream._tcp"

// MDNSDetector browses the LAN for raw-port printers.
type MDNSDetector struct {
	// Window bounds each browse.
	Window time.Duration
	Logger Logger
}

func (*MDNSDetector) Name() string { return "mdns" }

func (d *MDNSDetector) Detect(ctx context.Context) ([]Printer, error) {
	window := d.Window
	if window <= 0 {
		window = 3 * time.Second
	}
	log := d.Logger
	if log == nil {
		log = nullLogger{}
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Printer, 1)
	go func() {
		var out []Printer
		seen := make(map[string]bool)
		defer func() { found <- out }()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				p, ok := printerFromEntry(e)
				if !ok || seen[p.Name] {
					continue
				}
				seen[p.Name] = true
				log.Debug("mDNS printer", "name", p.Name, "address", p.Address)
				out = append(out, p)
			}
		}
	}()

	if err := resolver.Browse(ctx, RawService, "local.", entries); err != nil {
		cancel()
		<-found
		return nil, err
	}
	return <-found, nil
}

func printerFromEntry(e *zeroconf.ServiceEntry) (Printer, bool) {
	if e == nil || len(e.AddrIPv4) == 0 || e.Instance == "" {
		return Printer{}, false
	}
	port := e.Port
	if port == 0 {
		port, _ = strconv.Atoi(RawPort)
	}
	return Printer{
		Name:      e.Instance,
		Profile:   GuessProfile(append([]string{e.Instance}, e.Text...)...),
		Transport: TransportTCP,
		Address:   net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(port)),
		Source:    "mdns",
		Status:    StatusUnknown,
	}, true
}
