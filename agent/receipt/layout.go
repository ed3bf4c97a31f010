package receipt

import (
	"strings"
	"unicode/utf8"
)

// paperColumns maps paper width in millimetres to characters per line in the
// printer's standard font. Every renderer reads widths from here.
var paperColumns = map[int]int{
	58: 32,
	80: 48,
}

func columnsFor(paperMM int) (int, bool) {
	c, ok := paperColumns[paperMM]
	return c, ok
}

// Columns returns the characters-per-line budget for a paper width, or 0 for
// an unsupported width.
func Columns(paperMM int) int {
	c, _ := columnsFor(paperMM)
	return c
}

// RowKind distinguishes printable rows from the cut marker.
type RowKind int

const (
	RowText RowKind = iota
	RowCut
)

// Row is one physical output line, already wrapped and padded.
type Row struct {
	Kind RowKind
	Text string
	Bold bool
}

// Document is a laid-out job ready for a printer profile.
type Document struct {
	Columns int
	Rows    []Row
}

// Layout validates job and turns its lines into rows no wider than the
// paper's column budget.
func Layout(job Job) (Document, error) {
	if err := job.Validate(); err != nil {
		return Document{}, err
	}
	cols := Columns(job.PaperWidth)
	doc := Document{Columns: cols}

	for _, l := range job.Lines {
		switch l.Type {
		case LineText, LineBold:
			for _, s := range wrapParagraphs(l.Value, cols) {
				doc.Rows = append(doc.Rows, Row{Text: align(s, cols, l.Align), Bold: l.Type == LineBold})
			}
		case LineSeparator:
			ch := l.Char
			if ch == "" {
				ch = "-"
			}
			doc.Rows = append(doc.Rows, Row{Text: strings.Repeat(ch, cols)})
		case LineFeed:
			n := l.Lines
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				doc.Rows = append(doc.Rows, Row{})
			}
		case LineCut:
			doc.Rows = append(doc.Rows, Row{Kind: RowCut})
		case LinePair:
			for _, s := range pairRows(clean(l.Left), clean(l.Right), cols) {
				doc.Rows = append(doc.Rows, Row{Text: s})
			}
		}
	}
	return doc, nil
}

// pairRows lays out a left/right row. The right column keeps its natural
// width and sits on the first row; the left column wraps into the rest.
func pairRows(left, right string, cols int) []string {
	rightLen := utf8.RuneCountInString(right)
	if rightLen == 0 {
		return wrap(left, cols)
	}
	if rightLen > cols-2 {
		rows := wrap(left, cols)
		for _, r := range wrap(right, cols) {
			rows = append(rows, align(r, cols, AlignRight))
		}
		return rows
	}

	leftWidth := cols - rightLen - 1
	leftRows := wrap(left, leftWidth)
	first := padRight(leftRows[0], leftWidth) + " " + right
	return append([]string{first}, leftRows[1:]...)
}

// wrapParagraphs honours embedded newlines, then wraps each paragraph.
func wrapParagraphs(s string, width int) []string {
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		out = append(out, wrap(clean(para), width)...)
	}
	return out
}

// wrap breaks s into lines of at most width runes, splitting on spaces and
// hard-breaking words longer than a line. It always returns at least one line.
func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 || width <= 0 {
		return []string{""}
	}

	var lines []string
	var cur []rune
	for _, w := range words {
		wr := []rune(w)
		for len(wr) > width {
			if len(cur) > 0 {
				lines = append(lines, string(cur))
				cur = nil
			}
			lines = append(lines, string(wr[:width]))
			wr = wr[width:]
		}
		switch {
		case len(cur) == 0:
			cur = append(cur, wr...)
		case len(cur)+1+len(wr) <= width:
			cur = append(cur, ' ')
			cur = append(cur, wr...)
		default:
			lines = append(lines, string(cur))
			cur = append([]rune(nil), wr...)
		}
	}
	if len(cur) > 0 || len(lines) == 0 {
		lines = append(lines, string(cur))
	}
	return lines
}

func align(s string, width int, a Align) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	switch a {
	case AlignRight:
		return strings.Repeat(" ", width-n) + s
	case AlignCenter:
		return strings.Repeat(" ", (width-n)/2) + s
	default:
		return s
	}
}

func padRight(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

// clean replaces tabs and other C0 controls with spaces.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}

// PlainText renders the document as newline-terminated text. Cuts become a
// form feed when formFeed is set and are dropped otherwise.
func (d Document) PlainText(formFeed bool) string {
	var b strings.Builder
	for _, r := range d.Rows {
		if r.Kind == RowCut {
			if formFeed {
				b.WriteString("\f")
			}
			continue
		}
		b.WriteString(r.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
