package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
	"github.com/chatforge/kbingest/services/normalizer_service"
)

type fakeSubmitter struct {
	in        normalizer_service.Input
	clientID  string
	agentName string
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, in normalizer_service.Input, clientID, agentName string) (*pipeline_type.ProcessingJob, error) {
	f.in = in
	f.clientID = clientID
	f.agentName = agentName
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline_type.ProcessingJob{
		ID:         "job-1",
		DocumentID: "doc-1",
		ClientID:   clientID,
		Status:     pipeline_type.JobPending,
	}, nil
}

func submitHandler(submitter *fakeSubmitter) *SubmitDocumentHandler {
	cfg := config.Config{MaxUploadBytes: 1 << 20}
	return NewSubmitDocumentHandler(cfg, slog.Default(), submitter)
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(fileData)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestSubmitFileUpload(t *testing.T) {
	submitter := &fakeSubmitter{}
	body, contentType := multipartUpload(t, map[string]string{
		"client_id":     "client-1",
		"agent_name":    "support-kb",
		"declared_type": "pdf",
	}, "report.pdf", []byte("%PDF-1.7 data"))

	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	submitHandler(submitter).ServeHTTP(recorder, req)

	require.Equal(t, http.StatusAccepted, recorder.Code)

	var resp submitResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "doc-1", resp.DocumentID)
	assert.Equal(t, "pending", resp.Status)

	assert.Equal(t, "client-1", submitter.clientID)
	assert.Equal(t, "support-kb", submitter.agentName)
	assert.Equal(t, "report.pdf", submitter.in.Filename)
	assert.Equal(t, pipeline_type.TypePDF, submitter.in.DeclaredType)
	assert.Equal(t, []byte("%PDF-1.7 data"), submitter.in.Data)
}

func TestSubmitURL(t *testing.T) {
	submitter := &fakeSubmitter{}
	payload, _ := json.Marshal(submitURLRequest{
		URL:       "https://docs.google.com/document/d/abc123/edit",
		ClientID:  "client-1",
		AgentName: "support-kb",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	submitHandler(submitter).ServeHTTP(recorder, req)

	require.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, "https://docs.google.com/document/d/abc123/edit", submitter.in.URL)
	assert.Equal(t, pipeline_type.TypeURL, submitter.in.DeclaredType)
	assert.Empty(t, submitter.in.Data)
}

func TestSubmitMissingClientID(t *testing.T) {
	payload, _ := json.Marshal(submitURLRequest{URL: "https://example.com/doc"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
	recorder := httptest.NewRecorder()
	submitHandler(&fakeSubmitter{}).ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitMissingURL(t *testing.T) {
	payload, _ := json.Marshal(submitURLRequest{ClientID: "client-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
	recorder := httptest.NewRecorder()
	submitHandler(&fakeSubmitter{}).ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitOversizeUpload(t *testing.T) {
	submitter := &fakeSubmitter{}
	big := bytes.Repeat([]byte("a"), (1<<20)+1)
	body, contentType := multipartUpload(t, map[string]string{"client_id": "client-1"}, "big.pdf", big)

	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	submitHandler(submitter).ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
}

func TestSubmitOrchestratorError(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("db unavailable")}
	payload, _ := json.Marshal(submitURLRequest{URL: "https://example.com/doc", ClientID: "c"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(payload))
	recorder := httptest.NewRecorder()
	submitHandler(submitter).ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}
