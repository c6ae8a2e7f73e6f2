package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
	"github.com/chatforge/kbingest/services/normalizer_service"
)

// Submitter is the slice of the orchestrator this handler needs.
type Submitter interface {
	Submit(ctx context.Context, in normalizer_service.Input, clientID, agentName string) (*pipeline_type.ProcessingJob, error)
}

type SubmitDocumentHandler struct {
	cfg          config.Config
	logger       *slog.Logger
	orchestrator Submitter
}

func NewSubmitDocumentHandler(cfg config.Config, logger *slog.Logger, orchestrator Submitter) *SubmitDocumentHandler {
	return &SubmitDocumentHandler{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
	}
}

type submitURLRequest struct {
	URL       string `json:"url"`
	ClientID  string `json:"client_id"`
	AgentName string `json:"agent_name"`
}

type submitResponse struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// ServeHTTP accepts either a multipart upload (field "file") or a JSON body
// with a URL, plus client_id and agent_name.
func (h *SubmitDocumentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Received document submission")

	var in normalizer_service.Input
	var clientID, agentName string

	contentType := r.Header.Get("Content-Type")
	if isMultipart(contentType) {
		err := r.ParseMultipartForm(h.cfg.MaxUploadBytes)
		if err != nil {
			writeJSONError(w, "Failed to parse multipart form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSONError(w, "Failed to get file from form", http.StatusBadRequest)
			return
		}
		defer file.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(file, h.cfg.MaxUploadBytes+1)); err != nil {
			writeJSONError(w, "Failed to read file", http.StatusInternalServerError)
			return
		}
		if int64(buf.Len()) > h.cfg.MaxUploadBytes {
			writeJSONError(w, "File exceeds maximum accepted size", http.StatusRequestEntityTooLarge)
			return
		}

		in = normalizer_service.Input{
			Data:         buf.Bytes(),
			Filename:     header.Filename,
			DeclaredType: pipeline_type.DeclaredType(r.FormValue("declared_type")),
		}
		clientID = r.FormValue("client_id")
		agentName = r.FormValue("agent_name")

		h.logger.Debug("Received file upload",
			slog.String("filename", header.Filename),
			slog.Int64("size", header.Size),
			slog.String("client_id", clientID))
	} else {
		var req submitURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			writeJSONError(w, "url is required", http.StatusBadRequest)
			return
		}
		in = normalizer_service.Input{URL: req.URL, DeclaredType: pipeline_type.TypeURL}
		clientID = req.ClientID
		agentName = req.AgentName
	}

	if clientID == "" {
		writeJSONError(w, "client_id is required", http.StatusBadRequest)
		return
	}

	job, err := h.orchestrator.Submit(r.Context(), in, clientID, agentName)
	if err != nil {
		h.logger.Error("Failed to submit document",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to submit document", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Status:     string(job.Status),
	})
}

func isMultipart(contentType string) bool {
	return len(contentType) >= 19 && contentType[:19] == "multipart/form-data"
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
