package rag_service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
	"github.com/chatforge/kbingest/storage"
)

var ErrClientIDRequired = errors.New("client id required")

// KnowledgeService answers similarity queries over stored embeddings.
type KnowledgeService struct {
	cfg      config.Config
	logger   *slog.Logger
	embedder *EmbeddingService
	store    *storage.EmbeddingStore
}

func NewKnowledgeService(cfg config.Config, logger *slog.Logger, embedder *EmbeddingService, store *storage.EmbeddingStore) *KnowledgeService {
	return &KnowledgeService{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		store:    store,
	}
}

// Query embeds the query text and searches within clientID's scope only.
// threshold <= 0 and maxResults <= 0 fall back to configured defaults;
// maxResults is capped.
func (s *KnowledgeService) Query(ctx context.Context, clientID, text string, threshold float64, maxResults int) ([]pipeline_type.SimilarityMatch, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}

	if threshold <= 0 {
		threshold = s.cfg.DefaultSimilarityThreshold
	}
	if maxResults <= 0 {
		maxResults = s.cfg.DefaultMaxResults
	}
	if maxResults > s.cfg.MaxResultsCap {
		maxResults = s.cfg.MaxResultsCap
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	matches, err := s.store.SimilaritySearch(ctx, clientID, embedding, threshold, maxResults)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Knowledge query executed",
		slog.String("client_id", clientID),
		slog.Float64("threshold", threshold),
		slog.Int("max_results", maxResults),
		slog.Int("matches", len(matches)))

	return matches, nil
}
