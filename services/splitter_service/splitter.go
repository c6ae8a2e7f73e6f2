package splitter_service

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/chatforge/kbingest/pipeline_type"
)

// SplitError is returned for malformed source PDFs.
type SplitError struct {
	Reason string
	Err    error
}

func (e *SplitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("split failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("split failed: %s", e.Reason)
}

func (e *SplitError) Unwrap() error { return e.Err }

// ChunkDocument pairs chunk metadata with its materialized PDF bytes. Each
// chunk is an independently valid PDF.
type ChunkDocument struct {
	Chunk pipeline_type.Chunk
	Data  []byte
}

// Splitter partitions a canonical PDF into page-bounded chunks.
type Splitter struct {
	maxPagesPerChunk int
	logger           *slog.Logger
	conf             *model.Configuration
}

func New(maxPagesPerChunk int, logger *slog.Logger) *Splitter {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Splitter{
		maxPagesPerChunk: maxPagesPerChunk,
		logger:           logger,
		conf:             conf,
	}
}

// Split partitions the PDF into ceil(P/N) contiguous page ranges of at most
// N pages each. When the whole document fits in one chunk the input bytes
// are returned unchanged.
func (s *Splitter) Split(pdfData []byte) ([]ChunkDocument, error) {
	totalPages, err := api.PageCount(bytes.NewReader(pdfData), s.conf)
	if err != nil {
		return nil, &SplitError{Reason: "unable to read PDF page count", Err: err}
	}
	if totalPages == 0 {
		return nil, &SplitError{Reason: "PDF has no pages"}
	}

	if totalPages <= s.maxPagesPerChunk {
		return []ChunkDocument{{
			Chunk: pipeline_type.Chunk{
				Index:     0,
				PageStart: 0,
				PageEnd:   totalPages,
				Status:    pipeline_type.ChunkPending,
			},
			Data: pdfData,
		}}, nil
	}

	chunkCount := (totalPages + s.maxPagesPerChunk - 1) / s.maxPagesPerChunk
	chunks := make([]ChunkDocument, 0, chunkCount)

	for i := 0; i < chunkCount; i++ {
		start := i * s.maxPagesPerChunk
		end := start + s.maxPagesPerChunk
		if end > totalPages {
			end = totalPages
		}

		data, err := s.extractPages(pdfData, start, end)
		if err != nil {
			return nil, &SplitError{
				Reason: fmt.Sprintf("unable to extract pages %d-%d", start, end),
				Err:    err,
			}
		}

		chunks = append(chunks, ChunkDocument{
			Chunk: pipeline_type.Chunk{
				Index:     i,
				PageStart: start,
				PageEnd:   end,
				Status:    pipeline_type.ChunkPending,
			},
			Data: data,
		})
	}

	s.logger.Info("Split PDF into chunks",
		slog.Int("total_pages", totalPages),
		slog.Int("chunk_count", chunkCount),
		slog.Int("max_pages_per_chunk", s.maxPagesPerChunk))

	return chunks, nil
}

// extractPages copies the 0-based page range [start, end) into a new PDF.
// pdfcpu page selections are 1-based and inclusive.
func (s *Splitter) extractPages(pdfData []byte, start, end int) ([]byte, error) {
	selection := []string{fmt.Sprintf("%d-%d", start+1, end)}

	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(pdfData), &buf, selection, s.conf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
