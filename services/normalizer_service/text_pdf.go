package normalizer_service

import (
	"bytes"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Fixed-width layout constants. Courier at 10pt on A4 with 12mm margins
// gives a touch under 100 characters per line; 96 keeps a safety margin.
const (
	maxCharsPerLine = 96
	maxLinesPerPage = 54
	fontSizePt      = 10.0
	lineHeightMM    = 4.8
	marginMM        = 12.0
)

// textRenderer lays plain text out into a paginated fixed-width PDF.
type textRenderer struct{}

func newTextRenderer() *textRenderer {
	return &textRenderer{}
}

// Render reflows text into lines of at most maxCharsPerLine characters and
// paginates at maxLinesPerPage, appending pages as needed.
func (r *textRenderer) Render(text string) ([]byte, error) {
	lines := reflow(text, maxCharsPerLine)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Courier", "", fontSizePt)

	lineOnPage := maxLinesPerPage // force an AddPage on the first line
	for _, line := range lines {
		if lineOnPage >= maxLinesPerPage {
			pdf.AddPage()
			pdf.SetXY(marginMM, marginMM)
			lineOnPage = 0
		}
		pdf.CellFormat(0, lineHeightMM, line, "", 1, "L", false, 0, "")
		lineOnPage++
	}
	if pdf.PageCount() == 0 {
		pdf.AddPage()
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reflow splits text into lines no wider than width characters, breaking on
// word boundaries where possible. Existing newlines are respected.
func reflow(text string, width int) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimRight(raw, "\r")
		if raw == "" {
			out = append(out, "")
			continue
		}
		out = append(out, wrapLine(raw, width)...)
	}
	return out
}

func wrapLine(line string, width int) []string {
	var out []string
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{""}
	}

	var cur strings.Builder
	for _, word := range words {
		// Hard-break words longer than the line width.
		for len(word) > width {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, word[:width])
			word = word[width:]
		}
		switch {
		case cur.Len() == 0:
			cur.WriteString(word)
		case cur.Len()+1+len(word) <= width:
			cur.WriteByte(' ')
			cur.WriteString(word)
		default:
			out = append(out, cur.String())
			cur.Reset()
			cur.WriteString(word)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
