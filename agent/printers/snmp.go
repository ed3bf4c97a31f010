package printers

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Host Resources MIB objects for the first printer on a device.
const (
	oidDeviceStatus       = "1.3.6.1.2.1.25.3.2.1.5.1"
	oidPrinterStatus      = "1.3.6.1.2.1.25.3.5.1.1.1"
	oidPrinterErrorStatus = "1.3.6.1.2.1.25.3.5.1.2.1"
)

// hrPrinterDetectedErrorState bits in the first octet.
const (
	errBitNoPaper = 0x40
	errBitOffline = 0x02
)

// SNMPClient is the slice of gosnmp the prober needs.
type SNMPClient interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

// NewSNMPClient opens an SNMP session; tests replace it.
var NewSNMPClient = func(ctx context.Context, host, community string, timeout time.Duration) (SNMPClient, error) {
	snmp := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    host,
		Port:      161,
		Version:   gosnmp.Version2c,
		Community: community,
		Timeout:   timeout,
		Retries:   1,
	}
	if err := snmp.Connect(); err != nil {
		return nil, err
	}
	return &gosnmpWrapper{snmp: snmp}, nil
}

type gosnmpWrapper struct {
	snmp *gosnmp.GoSNMP
}

func (w *gosnmpWrapper) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	return w.snmp.Get(oids)
}

func (w *gosnmpWrapper) Close() error {
	if w.snmp != nil && w.snmp.Conn != nil {
		return w.snmp.Conn.Close()
	}
	return nil
}

// StatusProber reports the live status of a network printer.
type StatusProber interface {
	Probe(ctx context.Context, p Printer) (string, error)
}

// SNMPProber reads printer status from the Host Resources MIB.
type SNMPProber struct {
	Community string
	Timeout   time.Duration
}

func (s *SNMPProber) Probe(ctx context.Context, p Printer) (string, error) {
	if p.Transport != TransportTCP {
		return p.Status, nil
	}
	host := p.target()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	community := s.Community
	if community == "" {
		community = "public"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	client, err := NewSNMPClient(ctx, host, community, timeout)
	if err != nil {
		return StatusUnknown, err
	}
	defer client.Close()

	pkt, err := client.Get([]string{oidDeviceStatus, oidPrinterStatus, oidPrinterErrorStatus})
	if err != nil {
		return StatusUnknown, fmt.Errorf("snmp get %s: %w", host, err)
	}
	return statusFromPDUs(pkt.Variables), nil
}

func statusFromPDUs(vars []gosnmp.SnmpPDU) string {
	var device, printer int64
	var errState []byte
	for _, v := range vars {
		switch trimDot(v.Name) {
		case oidDeviceStatus:
			device = gosnmp.ToBigInt(v.Value).Int64()
		case oidPrinterStatus:
			printer = gosnmp.ToBigInt(v.Value).Int64()
		case oidPrinterErrorStatus:
			errState, _ = v.Value.([]byte)
		}
	}

	if len(errState) > 0 {
		if errState[0]&errBitOffline != 0 {
			return StatusOffline
		}
		if errState[0]&errBitNoPaper != 0 {
			return StatusPaperOut
		}
	}
	if device == 5 { // hrDeviceStatus down
		return StatusOffline
	}
	switch printer {
	case 3: // idle
		return StatusReady
	case 4: // printing
		return StatusPrinting
	case 5: // warmup
		return StatusReady
	default:
		return StatusUnknown
	}
}

func trimDot(oid string) string {
	if len(oid) > 0 && oid[0] == '.' {
		return oid[1:]
	}
	return oid
}
