package rag_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"

	"github.com/chatforge/kbingest/config"
)

// EmbeddingError covers empty input and provider failures.
type EmbeddingError struct {
	Reason string
	Err    error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("embedding failed: %s", e.Reason)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Object string `json:"object"`
}

// EmbeddingService turns cleaned text into fixed-dimension vectors via the
// OpenAI embeddings API.
type EmbeddingService struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
}

func NewEmbeddingService(cfg config.Config, logger *slog.Logger) *EmbeddingService {
	return &EmbeddingService{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.openai.com/v1/embeddings",
	}
}

// SetBaseURL points the service at a different provider endpoint. Used by
// tests.
func (s *EmbeddingService) SetBaseURL(url string) { s.baseURL = url }

// CleanText applies the normalization every embedding input goes through:
// trim, collapse internal whitespace runs (newlines included) to single
// spaces, truncate to the configured maximum. Truncation never splits a
// multi-byte rune, so the provider always receives valid UTF-8.
func (s *EmbeddingService) CleanText(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if len(cleaned) > s.cfg.EmbeddingMaxChars {
		cut := s.cfg.EmbeddingMaxChars
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}

// Embed returns the vector for text. Empty or whitespace-only input is
// rejected before any provider call.
func (s *EmbeddingService) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	cleaned := s.CleanText(text)
	if cleaned == "" {
		return pgvector.Vector{}, &EmbeddingError{Reason: "empty text after cleaning"}
	}
	if s.cfg.OpenAIAPIKey == "" {
		return pgvector.Vector{}, &EmbeddingError{Reason: "OPENAI_API_KEY not set"}
	}

	requestBody := embeddingRequest{
		Input: cleaned,
		Model: s.cfg.EmbeddingModel,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return pgvector.Vector{}, &EmbeddingError{Reason: "failed to marshal embedding request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return pgvector.Vector{}, &EmbeddingError{Reason: "failed to create HTTP request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.OpenAIAPIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, &EmbeddingError{Reason: "failed to send HTTP request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return pgvector.Vector{}, &EmbeddingError{
			Reason: fmt.Sprintf("embedding service returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return pgvector.Vector{}, &EmbeddingError{Reason: "failed to decode embedding response", Err: err}
	}

	if len(embeddingResp.Data) == 0 {
		return pgvector.Vector{}, &EmbeddingError{Reason: "no embedding data received"}
	}

	vec := embeddingResp.Data[0].Embedding
	if len(vec) != s.cfg.EmbeddingDimension {
		return pgvector.Vector{}, &EmbeddingError{
			Reason: fmt.Sprintf("provider returned %d dimensions, expected %d", len(vec), s.cfg.EmbeddingDimension),
		}
	}

	s.logger.Debug("Generated embedding",
		slog.Int("input_length", len(cleaned)),
		slog.Int("dimensions", len(vec)),
		slog.Int("total_tokens", embeddingResp.Usage.TotalTokens))

	return pgvector.NewVector(vec), nil
}
