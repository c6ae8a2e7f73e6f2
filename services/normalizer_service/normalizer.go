package normalizer_service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"code.sajari.com/docconv/v2"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
)

// NormalizationError is the only error type Normalize returns. Reason is
// always safe to show to a caller.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("normalization failed: %s", e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

func normErr(reason string, err error) *NormalizationError {
	return &NormalizationError{Reason: reason, Err: err}
}

// Input is one document source: either raw bytes or a URL, never both.
type Input struct {
	Data         []byte
	URL          string
	Filename     string
	DeclaredType pipeline_type.DeclaredType
}

var wordMimeTypes = map[string]string{
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Normalizer converts any supported input into canonical PDF bytes.
type Normalizer struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	renderer   *textRenderer
}

func New(cfg config.Config, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		renderer:   newTextRenderer(),
	}
}

// SetHTTPClient replaces the URL-fetching client. Used by tests.
func (n *Normalizer) SetHTTPClient(c *http.Client) { n.httpClient = c }

// Normalize converts the input into canonical PDF bytes. On failure no
// partial output is returned.
func (n *Normalizer) Normalize(ctx context.Context, in Input) ([]byte, error) {
	if in.URL != "" {
		return n.normalizeURL(ctx, in.URL)
	}

	if len(in.Data) == 0 {
		return nil, normErr("empty input", nil)
	}
	if int64(len(in.Data)) > n.cfg.MaxUploadBytes {
		return nil, normErr(fmt.Sprintf("file exceeds maximum size of %d bytes", n.cfg.MaxUploadBytes), nil)
	}

	declared := in.DeclaredType
	if declared == "" {
		declared = typeFromFilename(in.Filename)
	}

	switch declared {
	case pipeline_type.TypePDF:
		return n.passThroughPDF(in.Data)
	case pipeline_type.TypeDoc:
		return n.normalizeWord(in.Filename, in.Data)
	case pipeline_type.TypeText:
		return n.renderText(string(in.Data))
	case pipeline_type.TypeCSV:
		return n.normalizeCSV(in.Data)
	case pipeline_type.TypeXLSX:
		return n.normalizeSpreadsheet(in.Data)
	default:
		// Fall back on content sniffing; declared types can lie.
		return n.normalizeSniffed(in.Filename, in.Data)
	}
}

func (n *Normalizer) passThroughPDF(data []byte) ([]byte, error) {
	if !isPDF(data) {
		return nil, normErr("declared PDF does not start with a PDF header", nil)
	}
	return data, nil
}

func (n *Normalizer) normalizeWord(filename string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mimeType, ok := wordMimeTypes[ext]
	if !ok {
		mimeType = wordMimeTypes[".docx"]
	}

	result, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
	if err != nil {
		n.logger.Error("Failed to convert Word document",
			slog.String("filename", filename),
			slog.String("error", err.Error()),
			slog.Int("data_size", len(data)))
		return nil, normErr("unreadable Word document", err)
	}
	if len(result.Body) == 0 {
		return nil, normErr("no text content extracted from Word document", nil)
	}

	n.logger.Debug("Extracted Word document text",
		slog.String("filename", filename),
		slog.Int("text_length", len(result.Body)))

	return n.renderText(result.Body)
}

func (n *Normalizer) renderText(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, normErr("no text content to render", nil)
	}
	pdfBytes, err := n.renderer.Render(text)
	if err != nil {
		return nil, normErr("failed to render text to PDF", err)
	}
	return pdfBytes, nil
}

func (n *Normalizer) normalizeSniffed(filename string, data []byte) ([]byte, error) {
	switch {
	case isPDF(data):
		return data, nil
	case isZip(data):
		// docx/xlsx are both zip containers; try office conversion first.
		if pdfBytes, err := n.normalizeWord(filename, data); err == nil {
			return pdfBytes, nil
		}
		return n.normalizeSpreadsheet(data)
	case isLikelyText(data):
		return n.renderText(string(data))
	default:
		return nil, normErr("unsupported file type", nil)
	}
}

func typeFromFilename(filename string) pipeline_type.DeclaredType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return pipeline_type.TypePDF
	case ".doc", ".docx":
		return pipeline_type.TypeDoc
	case ".txt", ".md":
		return pipeline_type.TypeText
	case ".csv":
		return pipeline_type.TypeCSV
	case ".xlsx", ".xls":
		return pipeline_type.TypeXLSX
	default:
		return ""
	}
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// isLikelyText checks the first KB for NUL bytes, which never appear in
// plain text.
func isLikelyText(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	return !bytes.ContainsRune(probe, 0)
}
