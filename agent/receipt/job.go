// Package receipt models print jobs as ordered print-line primitives and
// lays them out for a given paper width.
package receipt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// LineType names a print-line primitive.
type LineType string

const (
	LineText      LineType = "text"
	LineBold      LineType = "bold"
	LineSeparator LineType = "separator"
	LineFeed      LineType = "feed"
	LineCut       LineType = "cut"
	LinePair      LineType = "pair"
)

// Align is the horizontal alignment of text and bold lines.
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

const (
	maxLines     = 2000
	maxFeedLines = 20
	maxValueLen  = 4096
)

// Line is one print-line primitive as sent by the dashboard.
type Line struct {
	Type  LineType `json:"type"`
	Value string   `json:"value,omitempty"`
	Align Align    `json:"align,omitempty"`
	// Left and Right are the two columns of a pair line.
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
	// Lines is the number of blank lines for feed (default 1).
	Lines int `json:"lines,omitempty"`
	// Char is the rule character for separator (default "-").
	Char string `json:"char,omitempty"`
}

// Job is a print request. The JSON names are the dashboard's.
type Job struct {
	Lines      []Line `json:"lines"`
	PaperWidth int    `json:"larguraDoPapel"`
	Printer    string `json:"nomeDaImpressora,omitempty"`
}

// ValidationError describes why a job was rejected. Index is the offending
// line, or -1 for job-level problems.
type ValidationError struct {
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("lines[%d].%s: %s", e.Index, e.Field, e.Message)
}

func invalid(index int, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Index: index, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the whole job before anything is rendered.
func (j *Job) Validate() error {
	if _, ok := columnsFor(j.PaperWidth); !ok {
		return invalid(-1, "larguraDoPapel", "must be 58 or 80, got %d", j.PaperWidth)
	}
	if len(j.Lines) == 0 {
		return invalid(-1, "lines", "at least one line is required")
	}
	if len(j.Lines) > maxLines {
		return invalid(-1, "lines", "too many lines (%d > %d)", len(j.Lines), maxLines)
	}
	for i, l := range j.Lines {
		if err := l.validate(i); err != nil {
			return err
		}
	}
	return nil
}

func (l Line) validate(i int) error {
	switch l.Type {
	case LineText, LineBold:
		if l.Value == "" {
			return invalid(i, "value", "required for %s lines", l.Type)
		}
		if err := checkText(i, "value", l.Value); err != nil {
			return err
		}
		switch l.Align {
		case "", AlignLeft, AlignCenter, AlignRight:
		default:
			return invalid(i, "align", "unknown alignment %q", l.Align)
		}
	case LinePair:
		if l.Left == "" {
			return invalid(i, "left", "required for pair lines")
		}
		if err := checkText(i, "left", l.Left); err != nil {
			return err
		}
		if err := checkText(i, "right", l.Right); err != nil {
			return err
		}
	case LineFeed:
		if l.Lines < 0 || l.Lines > maxFeedLines {
			return invalid(i, "lines", "must be between 0 and %d", maxFeedLines)
		}
	case LineSeparator:
		if l.Char != "" && utf8.RuneCountInString(l.Char) != 1 {
			return invalid(i, "char", "must be a single character")
		}
	case LineCut:
	case "":
		return invalid(i, "type", "required")
	default:
		return invalid(i, "type", "unknown line type %q", l.Type)
	}
	return nil
}

func checkText(i int, field, s string) error {
	if len(s) > maxValueLen {
		return invalid(i, field, "longer than %d bytes", maxValueLen)
	}
	if !utf8.ValidString(s) {
		return invalid(i, field, "not valid UTF-8")
	}
	if strings.ContainsAny(s, "\x1b\x1d\x10") {
		return invalid(i, field, "control characters are not allowed")
	}
	return nil
}
