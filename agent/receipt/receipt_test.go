package receipt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestJobJSONNames(t *testing.T) {
	t.Parallel()

	body := `{"lines":[{"type":"text","value":"Pedido #42"},{"type":"cut"}],"larguraDoPapel":80,"nomeDaImpressora":"Cozinha"}`
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		t.Fatal(err)
	}
	if job.PaperWidth != 80 || job.Printer != "Cozinha" || len(job.Lines) != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		job   Job
		field string
		index int
	}{
		{"unknown type", Job{PaperWidth: 58, Lines: []Line{{Type: "text", Value: "ok"}, {Type: "qrcode", Value: "x"}}}, "type", 1},
		{"missing type", Job{PaperWidth: 58, Lines: []Line{{Value: "x"}}}, "type", 0},
		{"bad width", Job{PaperWidth: 76, Lines: []Line{{Type: "cut"}}}, "larguraDoPapel", -1},
		{"no lines", Job{PaperWidth: 80}, "lines", -1},
		{"text without value", Job{PaperWidth: 80, Lines: []Line{{Type: "text"}}}, "value", 0},
		{"bold bad align", Job{PaperWidth: 80, Lines: []Line{{Type: "bold", Value: "x", Align: "justify"}}}, "align", 0},
		{"pair without left", Job{PaperWidth: 80, Lines: []Line{{Type: "pair", Right: "R$ 10,00"}}}, "left", 0},
		{"feed too long", Job{PaperWidth: 80, Lines: []Line{{Type: "feed", Lines: 99}}}, "lines", 0},
		{"multi-char separator", Job{PaperWidth: 80, Lines: []Line{{Type: "separator", Char: "=-"}}}, "char", 0},
		{"escape injection", Job{PaperWidth: 80, Lines: []Line{{Type: "text", Value: "a\x1bd\x03"}}}, "value", 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.job.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field || ve.Index != tt.index {
				t.Errorf("got field=%s index=%d, want field=%s index=%d", ve.Field, ve.Index, tt.field, tt.index)
			}
		})
	}
}

func TestColumnsSingleConfigPoint(t *testing.T) {
	t.Parallel()

	if Columns(58) != 32 || Columns(80) != 48 || Columns(100) != 0 {
		t.Fatalf("Columns: 58=%d 80=%d 100=%d", Columns(58), Columns(80), Columns(100))
	}
}

func TestLayoutPedidoScenario(t *testing.T) {
	t.Parallel()

	doc, err := Layout(Job{PaperWidth: 80, Lines: []Line{
		{Type: LineText, Value: "Pedido #42"},
		{Type: LineCut},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", doc.Rows)
	}
	if doc.Rows[0].Text != "Pedido #42" || doc.Rows[1].Kind != RowCut {
		t.Fatalf("unexpected rows %+v", doc.Rows)
	}
}

func TestLayoutRowsFitWidth(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("Feijoada completa com farofa e couve ", 4)
	for _, width := range []int{58, 80} {
		doc, err := Layout(Job{PaperWidth: width, Lines: []Line{
			{Type: LineBold, Value: "FoodHub", Align: AlignCenter},
			{Type: LineText, Value: long},
			{Type: LineText, Value: strings.Repeat("X", 70)},
			{Type: LinePair, Left: long, Right: "R$ 59,90"},
			{Type: LineSeparator, Char: "="},
		}})
		if err != nil {
			t.Fatal(err)
		}
		cols := Columns(width)
		for i, r := range doc.Rows {
			if n := utf8.RuneCountInString(r.Text); n > cols {
				t.Errorf("width %d row %d has %d runes > %d: %q", width, i, n, cols, r.Text)
			}
		}
		last := doc.Rows[len(doc.Rows)-1].Text
		if last != strings.Repeat("=", cols) {
			t.Errorf("separator = %q", last)
		}
	}
}

func TestLayoutPairSplitFollowsWidth(t *testing.T) {
	t.Parallel()

	job := Job{Lines: []Line{{Type: LinePair, Left: "2x Coxinha", Right: "R$ 12,00"}}}

	job.PaperWidth = 58
	narrow, _ := Layout(job)
	job.PaperWidth = 80
	wide, _ := Layout(job)

	if got := narrow.Rows[0].Text; got != "2x Coxinha"+strings.Repeat(" ", 14)+"R$ 12,00" {
		t.Errorf("58mm pair = %q", got)
	}
	if utf8.RuneCountInString(wide.Rows[0].Text) != 48 || !strings.HasSuffix(wide.Rows[0].Text, "R$ 12,00") {
		t.Errorf("80mm pair = %q", wide.Rows[0].Text)
	}
}

func TestLayoutAlignmentAndFeed(t *testing.T) {
	t.Parallel()

	doc, err := Layout(Job{PaperWidth: 58, Lines: []Line{
		{Type: LineText, Value: "fim", Align: AlignRight},
		{Type: LineText, Value: "meio", Align: AlignCenter},
		{Type: LineFeed, Lines: 3},
		{Type: LineFeed},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Rows[0].Text != strings.Repeat(" ", 29)+"fim" {
		t.Errorf("right aligned = %q", doc.Rows[0].Text)
	}
	if doc.Rows[1].Text != strings.Repeat(" ", 14)+"meio" {
		t.Errorf("centered = %q", doc.Rows[1].Text)
	}
	if len(doc.Rows) != 6 {
		t.Errorf("feed rows: got %d total rows, want 6", len(doc.Rows))
	}
}

func TestWrapHardBreaksLongWords(t *testing.T) {
	t.Parallel()

	got := wrap("ab "+strings.Repeat("x", 10)+" cd", 4)
	want := []string{"ab", "xxxx", "xxxx", "xx", "cd"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("wrap = %v, want %v", got, want)
	}
	if got := wrap("   ", 10); len(got) != 1 || got[0] != "" {
		t.Errorf("blank wrap = %v", got)
	}
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	doc := Document{Rows: []Row{{Text: "a"}, {Kind: RowCut}, {Text: "b"}}}
	if got := doc.PlainText(true); got != "a\n\fb\n" {
		t.Errorf("PlainText(true) = %q", got)
	}
	if got := doc.PlainText(false); got != "a\nb\n" {
		t.Errorf("PlainText(false) = %q", got)
	}
}
