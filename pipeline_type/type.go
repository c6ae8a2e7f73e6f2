package pipeline_type

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransitionTo enforces the monotonic pending -> processing ->
// {completed, failed} lifecycle.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkSubmitted ChunkStatus = "submitted"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

type DeclaredType string

const (
	TypePDF  DeclaredType = "pdf"
	TypeDoc  DeclaredType = "doc"
	TypeText DeclaredType = "txt"
	TypeCSV  DeclaredType = "csv"
	TypeXLSX DeclaredType = "xlsx"
	TypeURL  DeclaredType = "url"
)

// Document is the logical unit submitted by a client. Immutable once its
// canonical PDF has been produced.
type Document struct {
	ID           string       `json:"id"`
	ClientID     string       `json:"client_id"`
	Filename     string       `json:"filename"`
	DeclaredType DeclaredType `json:"declared_type"`
	SourceURL    string       `json:"source_url,omitempty"`
	CanonicalURL string       `json:"canonical_url,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Chunk is one page-bounded slice of the canonical PDF. PageStart is
// inclusive, PageEnd exclusive, both 0-based.
type Chunk struct {
	Index     int         `json:"index"`
	PageStart int         `json:"page_start"`
	PageEnd   int         `json:"page_end"`
	Status    ChunkStatus `json:"status"`
	Text      string      `json:"text,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (c Chunk) PageCount() int {
	return c.PageEnd - c.PageStart
}

// ProcessingJob tracks one ingestion attempt for a Document. The orchestrator
// is the only writer of Status.
type ProcessingJob struct {
	ID           string     `json:"id"`
	DocumentID   string     `json:"document_id"`
	ClientID     string     `json:"client_id"`
	AgentName    string     `json:"agent_name"`
	Status       JobStatus  `json:"status"`
	ChunkCount   int        `json:"chunk_count"`
	Chunks       []Chunk    `json:"chunks,omitempty"`
	ChunksFailed int        `json:"chunks_failed"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
