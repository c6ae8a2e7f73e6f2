package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
)

type KnowledgeQuerier interface {
	Query(ctx context.Context, clientID, text string, threshold float64, maxResults int) ([]pipeline_type.SimilarityMatch, error)
}

// QueryRequest is the incoming knowledge search request.
type QueryRequest struct {
	ClientID   string  `json:"client_id"`
	Query      string  `json:"query"`
	Threshold  float64 `json:"threshold,omitempty"`
	MaxResults int     `json:"max_results,omitempty"`
}

// QueryResponse is the response sent back to the caller.
type QueryResponse struct {
	Matches []pipeline_type.SimilarityMatch `json:"matches"`
	Count   int                             `json:"count"`
}

// KnowledgeQueryHandler handles similarity search requests.
type KnowledgeQueryHandler struct {
	cfg       config.Config
	logger    *slog.Logger
	knowledge KnowledgeQuerier
}

func NewKnowledgeQueryHandler(cfg config.Config, logger *slog.Logger, knowledge KnowledgeQuerier) *KnowledgeQueryHandler {
	return &KnowledgeQueryHandler{
		cfg:       cfg,
		logger:    logger,
		knowledge: knowledge,
	}
}

func (h *KnowledgeQueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request body",
			slog.String("error", err.Error()))
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validateRequest(&req); err != nil {
		h.logger.Error("Invalid request parameters",
			slog.String("error", err.Error()))
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	matches, err := h.knowledge.Query(r.Context(), req.ClientID, req.Query, req.Threshold, req.MaxResults)
	if err != nil {
		h.logger.Error("Knowledge query failed",
			slog.String("client_id", req.ClientID),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to process query", http.StatusInternalServerError)
		return
	}

	response := QueryResponse{
		Matches: matches,
		Count:   len(matches),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode response",
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

func (h *KnowledgeQueryHandler) validateRequest(req *QueryRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}
	if req.Query == "" {
		return fmt.Errorf("search query cannot be empty")
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return fmt.Errorf("similarity threshold must be between 0 and 1")
	}
	if req.MaxResults < 0 || req.MaxResults > h.cfg.MaxResultsCap {
		return fmt.Errorf("max results must be between 1 and %d", h.cfg.MaxResultsCap)
	}
	return nil
}
