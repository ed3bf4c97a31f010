package printers

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"

	"github.com/JoilsonLima1/foodhub09-sub007/agent/receipt"
)

// Profile turns a laid-out document into a printer's command stream.
type Profile interface {
	Name() string
	Encode(doc receipt.Document) ([]byte, error)
}

// ProfileFor returns the named profile; unknown names get plain text.
func ProfileFor(name string) Profile {
	switch name {
	case ProfileESCPOS:
		return ESCPOS{}
	case ProfileStar:
		return Star{}
	default:
		return Text{FormFeed: true}
	}
}

// Command bytes shared by the thermal dialects.
const (
	esc = 0x1b
	gs  = 0x1d
	lf  = 0x0a
)

// Both Epson and Star firmwares expose PC858 (Latin-1 plus euro), which
// covers Portuguese accents. Runes outside it print as '?'.
func encodeLatin(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := charmap.CodePage858.EncodeRune(r)
		if !ok || b < 0x20 {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}

// ESCPOS is the Epson ESC/POS dialect most receipt printers speak.
type ESCPOS struct{}

func (ESCPOS) Name() string { return ProfileESCPOS }

func (ESCPOS) Encode(doc receipt.Document) ([]byte, error) {
	var b bytes.Buffer
	b.Write([]byte{esc, '@'})     // initialize
	b.Write([]byte{esc, 't', 19}) // code page PC858

	bold := false
	for _, r := range doc.Rows {
		if r.Kind == receipt.RowCut {
			b.Write([]byte{esc, 'd', 4}) // feed past the cutter
			b.Write([]byte{gs, 'V', 1})  // partial cut
			continue
		}
		if r.Bold != bold {
			bold = r.Bold
			b.Write([]byte{esc, 'E', boolByte(bold)})
		}
		b.Write(encodeLatin(r.Text))
		b.WriteByte(lf)
	}
	if bold {
		b.Write([]byte{esc, 'E', 0})
	}
	return b.Bytes(), nil
}

// Star is Star Micronics Line Mode.
type Star struct{}

func (Star) Name() string { return ProfileStar }

func (Star) Encode(doc receipt.Document) ([]byte, error) {
	var b bytes.Buffer
	b.Write([]byte{esc, '@'})
	b.Write([]byte{esc, gs, 't', 4}) // code page 858

	bold := false
	for _, r := range doc.Rows {
		if r.Kind == receipt.RowCut {
			b.Write([]byte{esc, 'd', 3}) // feed and partial cut
			continue
		}
		if r.Bold != bold {
			bold = r.Bold
			if bold {
				b.Write([]byte{esc, 'E'})
			} else {
				b.Write([]byte{esc, 'F'})
			}
		}
		b.Write(encodeLatin(r.Text))
		b.WriteByte(lf)
	}
	if bold {
		b.Write([]byte{esc, 'F'})
	}
	return b.Bytes(), nil
}

// Text is UTF-8 plain text for printers without a known dialect. A cut is
// a form feed when FormFeed is set and dropped otherwise.
type Text struct {
	FormFeed bool
}

func (Text) Name() string { return ProfileText }

func (t Text) Encode(doc receipt.Document) ([]byte, error) {
	return []byte(doc.PlainText(t.FormFeed)), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
