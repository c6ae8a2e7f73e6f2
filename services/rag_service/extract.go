package rag_service

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/ledongthuc/pdf"
)

// DocumentExtractor pulls text straight out of chunk PDFs, without the
// external extraction service. The orchestrator uses it as a degraded
// fallback when no extraction credentials are configured; by that point
// every chunk is already canonical PDF.
type DocumentExtractor struct {
	logger *slog.Logger
}

func NewDocumentExtractor(logger *slog.Logger) *DocumentExtractor {
	return &DocumentExtractor{
		logger: logger,
	}
}

func (e *DocumentExtractor) ExtractTextFromPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.logger.Error("Failed to create PDF reader",
			slog.String("error", err.Error()),
			slog.Int("data_size", len(data)))
		return "", fmt.Errorf("failed to create PDF reader: %v", err)
	}

	totalPage := reader.NumPage()
	var fullText string
	for pageIndex := 1; pageIndex <= totalPage; pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			e.logger.Warn("Null page encountered",
				slog.Int("page_number", pageIndex))
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Error("Failed to extract text from page",
				slog.Int("page_number", pageIndex),
				slog.String("error", err.Error()))
			return "", fmt.Errorf("failed to extract text from page %d: %v", pageIndex, err)
		}

		fullText += text
	}

	if len(fullText) == 0 {
		return "", fmt.Errorf("no text content extracted from PDF")
	}

	e.logger.Debug("Extracted text from PDF locally",
		slog.Int("total_pages", totalPage),
		slog.Int("total_text_length", len(fullText)))

	return fullText, nil
}
