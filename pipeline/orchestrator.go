package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
	"github.com/chatforge/kbingest/services/extraction_service"
	"github.com/chatforge/kbingest/services/normalizer_service"
	"github.com/chatforge/kbingest/services/splitter_service"
)

// Component interfaces, satisfied by the concrete services and by test
// fakes.

type Normalizer interface {
	Normalize(ctx context.Context, in normalizer_service.Input) ([]byte, error)
}

type Splitter interface {
	Split(pdfData []byte) ([]splitter_service.ChunkDocument, error)
}

type Extractor interface {
	Extract(ctx context.Context, chunkData []byte, filename, agentID string) (*pipeline_type.ExtractionResult, error)
}

type LocalExtractor interface {
	ExtractTextFromPDF(data []byte) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

type ObjectStore interface {
	Configured() bool
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

type JobStore interface {
	Create(ctx context.Context, job *pipeline_type.ProcessingJob) error
	SetStatus(ctx context.Context, jobID string, next pipeline_type.JobStatus, errMsg string) error
	SetChunks(ctx context.Context, jobID string, chunks []pipeline_type.Chunk, chunksFailed int) error
	Get(ctx context.Context, jobID string) (*pipeline_type.ProcessingJob, error)
}

type DocumentStore interface {
	Create(ctx context.Context, doc *pipeline_type.Document) error
	SetCanonicalURL(ctx context.Context, documentID, canonicalURL string) error
}

type EmbeddingStore interface {
	Insert(ctx context.Context, clientID, contentRef, content string, embedding pgvector.Vector) error
}

// Orchestrator owns the end-to-end job lifecycle. It is the only writer of
// job status; chunk workers hand their outcomes back over a channel so every
// persistence write happens on the job's own goroutine.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	normalizer     Normalizer
	splitter       Splitter
	extractor      Extractor
	localExtractor LocalExtractor
	embedder       Embedder
	objectStore    ObjectStore

	jobs      JobStore
	documents DocumentStore
	vectors   EmbeddingStore

	registry  *JobRegistry
	chunkPool *ants.Pool
}

type Deps struct {
	Normalizer     Normalizer
	Splitter       Splitter
	Extractor      Extractor
	LocalExtractor LocalExtractor
	Embedder       Embedder
	ObjectStore    ObjectStore
	Jobs           JobStore
	Documents      DocumentStore
	Vectors        EmbeddingStore
}

func NewOrchestrator(cfg config.Config, logger *slog.Logger, deps Deps) (*Orchestrator, error) {
	pool, err := ants.NewPool(cfg.ChunkConcurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk worker pool: %w", err)
	}

	registry := NewJobRegistry()
	registry.StartCleanup(30*time.Minute, 5*time.Minute)

	return &Orchestrator{
		cfg:            cfg,
		logger:         logger,
		normalizer:     deps.Normalizer,
		splitter:       deps.Splitter,
		extractor:      deps.Extractor,
		localExtractor: deps.LocalExtractor,
		embedder:       deps.Embedder,
		objectStore:    deps.ObjectStore,
		jobs:           deps.Jobs,
		documents:      deps.Documents,
		vectors:        deps.Vectors,
		registry:       registry,
		chunkPool:      pool,
	}, nil
}

// Release stops background work. The orchestrator must not be used after.
func (o *Orchestrator) Release() {
	o.registry.StopCleanup()
	o.chunkPool.Release()
}

// Submit persists a new document and job, kicks off processing in the
// background, and returns the pending job. Resubmitting the same source
// always creates a fresh independent job.
func (o *Orchestrator) Submit(ctx context.Context, in normalizer_service.Input, clientID, agentName string) (*pipeline_type.ProcessingJob, error) {
	doc := &pipeline_type.Document{
		ID:           uuid.New().String(),
		ClientID:     clientID,
		Filename:     in.Filename,
		DeclaredType: in.DeclaredType,
		SourceURL:    in.URL,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	job := &pipeline_type.ProcessingJob{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		ClientID:   clientID,
		AgentName:  agentName,
		Status:     pipeline_type.JobPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	o.registry.Add(job)

	o.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("document_id", doc.ID),
		slog.String("client_id", clientID))

	// Hand back a snapshot; the registry copy is the one the run goroutine
	// mutates.
	snapshot := *job
	go o.run(job.ID, doc, in, agentName)

	return &snapshot, nil
}

// GetJobStatus serves from the in-memory registry when the job is recent,
// falling back to the database.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*pipeline_type.ProcessingJob, error) {
	if job, ok := o.registry.Get(jobID); ok {
		return &job, nil
	}
	return o.jobs.Get(ctx, jobID)
}

// run drives one job through the whole pipeline under the job-level
// wall-clock timeout.
func (o *Orchestrator) run(jobID string, doc *pipeline_type.Document, in normalizer_service.Input, agentName string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.JobTimeout)
	defer cancel()

	o.setStatus(jobID, pipeline_type.JobProcessing, "")

	canonical, err := o.normalizer.Normalize(ctx, in)
	if err != nil {
		o.failJob(jobID, fmt.Sprintf("normalization failed: %v", err))
		return
	}

	if o.objectStore.Configured() {
		path := fmt.Sprintf("clients/%s/%s.pdf", doc.ClientID, doc.ID)
		publicURL, err := o.objectStore.Put(ctx, path, canonical, "application/pdf")
		if err != nil {
			o.failJob(jobID, fmt.Sprintf("failed to store canonical PDF: %v", err))
			return
		}
		if err := o.documents.SetCanonicalURL(ctx, doc.ID, publicURL); err != nil {
			o.failJob(jobID, fmt.Sprintf("failed to record canonical URL: %v", err))
			return
		}
	}

	chunkDocs, err := o.splitter.Split(canonical)
	if err != nil {
		o.failJob(jobID, fmt.Sprintf("split failed: %v", err))
		return
	}

	chunks := make([]pipeline_type.Chunk, len(chunkDocs))
	for i, cd := range chunkDocs {
		chunks[i] = cd.Chunk
	}
	o.persistChunks(jobID, chunks, 0)

	results, failedCount := o.extractChunks(ctx, jobID, doc, agentName, chunkDocs, chunks)
	if len(results)+failedCount < len(chunkDocs) {
		// The context expired with chunks still in flight; the remote jobs
		// are abandoned since the service offers no cancellation.
		o.failJob(jobID, "job timed out before all chunks completed")
		return
	}

	failedIdx := make([]int, 0)
	for _, c := range chunks {
		if c.Status == pipeline_type.ChunkFailed {
			failedIdx = append(failedIdx, c.Index)
		}
	}

	combined, err := extraction_service.Aggregate(results, failedIdx)
	if err != nil {
		o.failJob(jobID, err.Error())
		return
	}

	embedding, err := o.embedder.Embed(ctx, combined.Text)
	if err != nil {
		o.failJob(jobID, fmt.Sprintf("embedding failed: %v", err))
		return
	}

	if err := o.vectors.Insert(ctx, doc.ClientID, doc.ID, combined.Text, embedding); err != nil {
		o.failJob(jobID, fmt.Sprintf("failed to persist embedding: %v", err))
		return
	}

	o.completeJob(jobID, failedCount)
}

type chunkUpdate struct {
	index  int
	status pipeline_type.ChunkStatus
	result *pipeline_type.ExtractionResult
	errMsg string
}

// extractChunks fans chunk extractions out onto the bounded worker pool and
// folds their outcomes back in on this goroutine. chunks is mutated in place
// and persisted after every outcome.
func (o *Orchestrator) extractChunks(ctx context.Context, jobID string, doc *pipeline_type.Document, agentName string, chunkDocs []splitter_service.ChunkDocument, chunks []pipeline_type.Chunk) ([]*pipeline_type.ExtractionResult, int) {
	// Degraded mode: no extraction service configured, extract locally from
	// the whole canonical PDF in one pass.
	if o.cfg.ExtractionAPIKey == "" && o.localExtractor != nil {
		return o.extractLocally(jobID, chunkDocs, chunks)
	}

	updates := make(chan chunkUpdate, len(chunkDocs)*2)
	for i := range chunkDocs {
		cd := chunkDocs[i]
		filename := fmt.Sprintf("%s-chunk-%d.pdf", doc.ID, cd.Chunk.Index)
		task := func() {
			updates <- chunkUpdate{index: cd.Chunk.Index, status: pipeline_type.ChunkSubmitted}
			result, err := o.extractor.Extract(ctx, cd.Data, filename, agentName)
			if err != nil {
				updates <- chunkUpdate{index: cd.Chunk.Index, status: pipeline_type.ChunkFailed, errMsg: err.Error()}
				return
			}
			result.ChunkIndex = cd.Chunk.Index
			updates <- chunkUpdate{index: cd.Chunk.Index, status: pipeline_type.ChunkCompleted, result: result}
		}
		if err := o.chunkPool.Submit(task); err != nil {
			// Pool rejected the task; run it inline rather than dropping it.
			go task()
		}
	}

	var results []*pipeline_type.ExtractionResult
	failedCount := 0
	done := 0
	for done < len(chunkDocs) {
		select {
		case <-ctx.Done():
			return results, failedCount
		case u := <-updates:
			chunks[u.index].Status = u.status
			switch u.status {
			case pipeline_type.ChunkCompleted:
				chunks[u.index].Text = u.result.Text
				results = append(results, u.result)
				done++
			case pipeline_type.ChunkFailed:
				chunks[u.index].Error = u.errMsg
				failedCount++
				done++
				o.logger.Warn("Chunk extraction failed",
					slog.String("job_id", jobID),
					slog.Int("chunk_index", u.index),
					slog.String("error", u.errMsg))
			}
			o.persistChunks(jobID, chunks, failedCount)
		}
	}
	return results, failedCount
}

// extractLocally serves deployments without extraction credentials: chunk
// texts come straight from the chunk PDFs via the local extractor.
func (o *Orchestrator) extractLocally(jobID string, chunkDocs []splitter_service.ChunkDocument, chunks []pipeline_type.Chunk) ([]*pipeline_type.ExtractionResult, int) {
	o.logger.Info("Extraction service not configured, extracting locally",
		slog.String("job_id", jobID))

	var results []*pipeline_type.ExtractionResult
	failedCount := 0
	for i, cd := range chunkDocs {
		text, err := o.localExtractor.ExtractTextFromPDF(cd.Data)
		if err != nil {
			chunks[i].Status = pipeline_type.ChunkFailed
			chunks[i].Error = err.Error()
			failedCount++
		} else {
			chunks[i].Status = pipeline_type.ChunkCompleted
			chunks[i].Text = text
			results = append(results, &pipeline_type.ExtractionResult{
				ChunkIndex: cd.Chunk.Index,
				Text:       text,
			})
		}
		o.persistChunks(jobID, chunks, failedCount)
	}
	return results, failedCount
}

// persistChunks mirrors chunk state into the registry and the database.
// Only ever called from the goroutine running the job.
func (o *Orchestrator) persistChunks(jobID string, chunks []pipeline_type.Chunk, failedCount int) {
	o.registry.Update(jobID, func(job *pipeline_type.ProcessingJob) {
		job.Chunks = append([]pipeline_type.Chunk(nil), chunks...)
		job.ChunkCount = len(chunks)
		job.ChunksFailed = failedCount
	})
	if err := o.jobs.SetChunks(context.Background(), jobID, chunks, failedCount); err != nil {
		o.logger.Error("Failed to persist chunk state",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) setStatus(jobID string, status pipeline_type.JobStatus, errMsg string) {
	o.registry.Update(jobID, func(job *pipeline_type.ProcessingJob) {
		job.Status = status
		job.Error = errMsg
		if status.Terminal() {
			now := time.Now().UTC()
			job.CompletedAt = &now
		}
	})
	if err := o.jobs.SetStatus(context.Background(), jobID, status, errMsg); err != nil {
		o.logger.Error("Failed to persist job status",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) failJob(jobID, reason string) {
	o.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("reason", reason))
	o.setStatus(jobID, pipeline_type.JobFailed, reason)
}

func (o *Orchestrator) completeJob(jobID string, failedCount int) {
	o.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Int("chunks_failed", failedCount))
	o.setStatus(jobID, pipeline_type.JobCompleted, "")
}
