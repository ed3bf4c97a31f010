//go:build windows

package printers

import (
	"context"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	winspool              = windows.NewLazySystemDLL("winspool.drv")
	procEnumPrinters      = winspool.NewProc("EnumPrintersW")
	procGetDefaultPrinter = winspool.NewProc("GetDefaultPrinterW")
	procOpenPrinter       = winspool.NewProc("OpenPrinterW")
	procClosePrinter      = winspool.NewProc("ClosePrinter")
	procStartDocPrinter   = winspool.NewProc("StartDocPrinterW")
	procEndDocPrinter     = winspool.NewProc("EndDocPrinter")
	procStartPagePrinter  = winspool.NewProc("StartPagePrinter")
	procEndPagePrinter    = winspool.NewProc("EndPagePrinter")
	procWritePrinter      = winspool.NewProc("WritePrinter")
)

const (
	printerEnumLocal       = 0x00000002
	printerEnumConnections = 0x00000004

	printerStatusPaused     = 0x00000001
	printerStatusError      = 0x00000002
	printerStatusPaperOut   = 0x00000010
	printerStatusOffline    = 0x00000080
	printerStatusPrinting   = 0x00000400
	printerStatusNotAvail   = 0x00001000
	printerStatusServerUnkn = 0x00800000
)

// PRINTER_INFO_2
type printerInfo2 struct {
	ServerName         *uint16
	PrinterName        *uint16
	ShareName          *uint16
	PortName           *uint16
	DriverName         *uint16
	Comment            *uint16
	Location           *uint16
	DevMode            uintptr
	SepFile            *uint16
	PrintProcessor     *uint16
	Datatype           *uint16
	Parameters         *uint16
	SecurityDescriptor uintptr
	Attributes         uint32
	Priority           uint32
	DefaultPriority    uint32
	StartTime          uint32
	UntilTime          uint32
	Status             uint32
	Jobs               uint32
	AveragePPM         uint32
}

// DOC_INFO_1
type docInfo1 struct {
	DocName    *uint16
	OutputFile *uint16
	Datatype   *uint16
}

// Winspool sends RAW jobs through the Windows print spooler.
type Winspool struct{}

func newWinspool() Transport { return &Winspool{} }

func (*Winspool) Name() string    { return TransportWinspool }
func (*Winspool) Available() bool { return winspool.Load() == nil }

func (*Winspool) Send(ctx context.Context, p Printer, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := windows.UTF16PtrFromString(p.target())
	if err != nil {
		return err
	}

	var h windows.Handle
	if r, _, e := procOpenPrinter.Call(uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(&h)), 0); r == 0 {
		return fmt.Errorf("OpenPrinter %s: %w", p.target(), e)
	}
	defer procClosePrinter.Call(uintptr(h))

	docName, _ := windows.UTF16PtrFromString("FoodHub receipt")
	datatype, _ := windows.UTF16PtrFromString("RAW")
	doc := docInfo1{DocName: docName, Datatype: datatype}
	if r, _, e := procStartDocPrinter.Call(uintptr(h), 1, uintptr(unsafe.Pointer(&doc))); r == 0 {
		return fmt.Errorf("StartDocPrinter: %w", e)
	}
	defer procEndDocPrinter.Call(uintptr(h))

	if r, _, e := procStartPagePrinter.Call(uintptr(h)); r == 0 {
		return fmt.Errorf("StartPagePrinter: %w", e)
	}
	defer procEndPagePrinter.Call(uintptr(h))

	if len(data) == 0 {
		return nil
	}
	var written uint32
	r, _, e := procWritePrinter.Call(uintptr(h), uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), uintptr(unsafe.Pointer(&written)))
	if r == 0 {
		return fmt.Errorf("WritePrinter: %w", e)
	}
	if int(written) != len(data) {
		return fmt.Errorf("WritePrinter: short write %d of %d bytes", written, len(data))
	}
	return nil
}

// WindowsDetector lists spooler printers, skipping virtual ones that cannot
// take a RAW job.
type WindowsDetector struct{}

// PlatformDetector returns the spooler detector for this OS.
func PlatformDetector() Detector { return WindowsDetector{} }

func (WindowsDetector) Name() string { return "winspool" }

func (WindowsDetector) Detect(ctx context.Context) ([]Printer, error) {
	var needed, returned uint32
	flags := uintptr(printerEnumLocal | printerEnumConnections)

	procEnumPrinters.Call(flags, 0, 2, 0, 0,
		uintptr(unsafe.Pointer(&needed)), uintptr(unsafe.Pointer(&returned)))
	if needed == 0 {
		return nil, nil
	}

	buf := make([]byte, needed)
	r, _, e := procEnumPrinters.Call(flags, 0, 2,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(needed),
		uintptr(unsafe.Pointer(&needed)), uintptr(unsafe.Pointer(&returned)))
	if r == 0 {
		return nil, fmt.Errorf("EnumPrinters: %w", e)
	}

	def := defaultWindowsPrinter()
	size := unsafe.Sizeof(printerInfo2{})
	var out []Printer
	for i := uint32(0); i < returned; i++ {
		info := (*printerInfo2)(unsafe.Pointer(&buf[uintptr(i)*size]))
		name := windows.UTF16PtrToString(info.PrinterName)
		if name == "" {
			continue
		}
		port := windows.UTF16PtrToString(info.PortName)
		driver := windows.UTF16PtrToString(info.DriverName)
		if isVirtualPrinter(port, driver) {
			continue
		}
		out = append(out, Printer{
			Name:      name,
			Profile:   GuessProfile(name, driver),
			Transport: TransportWinspool,
			Source:    "winspool",
			Default:   name == def,
			Status:    windowsStatus(info.Status),
		})
	}
	return out, nil
}

func defaultWindowsPrinter() string {
	var needed uint32
	procGetDefaultPrinter.Call(0, uintptr(unsafe.Pointer(&needed)))
	if needed == 0 {
		return ""
	}
	buf := make([]uint16, needed)
	r, _, _ := procGetDefaultPrinter.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&needed)))
	if r == 0 {
		return ""
	}
	return windows.UTF16ToString(buf)
}

func isVirtualPrinter(port, driver string) bool {
	port, driver = strings.ToUpper(port), strings.ToUpper(driver)
	for _, s := range []string{"PDF", "XPS", "ONENOTE", "FAX"} {
		if strings.Contains(driver, s) {
			return true
		}
	}
	return strings.Contains(port, "PORTPROMPT") || strings.Contains(port, "NUL:")
}

func windowsStatus(s uint32) string {
	switch {
	case s&(printerStatusOffline|printerStatusNotAvail|printerStatusServerUnkn|printerStatusError|printerStatusPaused) != 0:
		return StatusOffline
	case s&printerStatusPaperOut != 0:
		return StatusPaperOut
	case s&printerStatusPrinting != 0:
		return StatusPrinting
	default:
		return StatusReady
	}
}
