package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/chatforge/kbingest/pipeline_type"
)

type StatusGetter interface {
	GetJobStatus(ctx context.Context, jobID string) (*pipeline_type.ProcessingJob, error)
}

type JobStatusHandler struct {
	logger       *slog.Logger
	orchestrator StatusGetter
}

func NewJobStatusHandler(logger *slog.Logger, orchestrator StatusGetter) *JobStatusHandler {
	return &JobStatusHandler{
		logger:       logger,
		orchestrator: orchestrator,
	}
}

func (h *JobStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if jobID == "" {
		writeJSONError(w, "job id is required", http.StatusBadRequest)
		return
	}

	job, err := h.orchestrator.GetJobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSONError(w, "job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to fetch job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to fetch job status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}
