package normalizer_service

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// normalizeCSV flattens CSV rows into comma-joined text lines and renders
// them through the fixed-width text path.
func (n *Normalizer) normalizeCSV(data []byte) ([]byte, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	var sb strings.Builder
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, normErr("unreadable CSV input", err)
		}
		sb.WriteString(strings.Join(record, ", "))
		sb.WriteByte('\n')
	}
	return n.renderText(sb.String())
}

// normalizeSpreadsheet flattens every sheet's cell content to text lines.
// Tabular fidelity is not a goal; the cells just need to reach extraction.
func (n *Normalizer) normalizeSpreadsheet(data []byte) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, normErr("unreadable spreadsheet", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, normErr("failed to read spreadsheet rows", err)
		}
		sb.WriteString(sheet)
		sb.WriteByte('\n')
		for _, row := range rows {
			sb.WriteString(strings.Join(row, ", "))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return n.renderText(sb.String())
}
