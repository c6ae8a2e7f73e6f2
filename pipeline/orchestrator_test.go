package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/pipeline_type"
	"github.com/chatforge/kbingest/services/normalizer_service"
	"github.com/chatforge/kbingest/services/splitter_service"
)

func orchestratorConfig() config.Config {
	return config.Config{
		ExtractionAPIKey:   "test-key",
		ChunkConcurrency:   4,
		JobTimeout:         5 * time.Second,
		EmbeddingDimension: 3,
	}
}

type fakeNormalizer struct {
	data []byte
	err  error
}

func (f *fakeNormalizer) Normalize(_ context.Context, _ normalizer_service.Input) ([]byte, error) {
	return f.data, f.err
}

// fakeSplitter emits chunkCount chunks whose data encodes the chunk index, so
// the extractor fake can key its behavior off it.
type fakeSplitter struct {
	chunkCount int
	err        error
}

func (f *fakeSplitter) Split(_ []byte) ([]splitter_service.ChunkDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	docs := make([]splitter_service.ChunkDocument, f.chunkCount)
	for i := range docs {
		docs[i] = splitter_service.ChunkDocument{
			Chunk: pipeline_type.Chunk{
				Index:     i,
				PageStart: i * 10,
				PageEnd:   (i + 1) * 10,
				Status:    pipeline_type.ChunkPending,
			},
			Data: []byte(fmt.Sprintf("chunk-%d", i)),
		}
	}
	return docs, nil
}

type fakeExtractor struct {
	mu          sync.Mutex
	failChunks  map[int]bool
	blockChunks map[int]bool // never return until the context dies
	agentIDs    []string
}

func (f *fakeExtractor) Extract(ctx context.Context, chunkData []byte, _, agentID string) (*pipeline_type.ExtractionResult, error) {
	var index int
	fmt.Sscanf(string(chunkData), "chunk-%d", &index)

	f.mu.Lock()
	f.agentIDs = append(f.agentIDs, agentID)
	blocked := f.blockChunks[index]
	failed := f.failChunks[index]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failed {
		return nil, fmt.Errorf("extraction failed for chunk %d", index)
	}
	return &pipeline_type.ExtractionResult{
		Text: fmt.Sprintf("text of chunk %d", index),
	}, nil
}

type fakeEmbedder struct {
	err   error
	texts []string
	mu    sync.Mutex
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector([]float32{1, 2, 3}), nil
}

type fakeObjectStore struct {
	configured bool
	mu         sync.Mutex
	paths      []string
}

func (f *fakeObjectStore) Configured() bool { return f.configured }

func (f *fakeObjectStore) Put(_ context.Context, path string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return "https://cdn.example.com/" + path, nil
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*pipeline_type.ProcessingJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*pipeline_type.ProcessingJob)}
}

func (f *fakeJobStore) Create(_ context.Context, job *pipeline_type.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobStore) SetStatus(_ context.Context, jobID string, next pipeline_type.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	if !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("refused transition %s -> %s", job.Status, next)
	}
	job.Status = next
	job.Error = errMsg
	if next.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return nil
}

func (f *fakeJobStore) SetChunks(_ context.Context, jobID string, chunks []pipeline_type.Chunk, chunksFailed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	job.Chunks = append([]pipeline_type.Chunk(nil), chunks...)
	job.ChunkCount = len(chunks)
	job.ChunksFailed = chunksFailed
	return nil
}

func (f *fakeJobStore) Get(_ context.Context, jobID string) (*pipeline_type.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.New("job not found")
	}
	copied := *job
	return &copied, nil
}

type fakeDocumentStore struct {
	mu            sync.Mutex
	docs          map[string]*pipeline_type.Document
	canonicalURLs map[string]string
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{
		docs:          make(map[string]*pipeline_type.Document),
		canonicalURLs: make(map[string]string),
	}
}

func (f *fakeDocumentStore) Create(_ context.Context, doc *pipeline_type.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocumentStore) SetCanonicalURL(_ context.Context, documentID, canonicalURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canonicalURLs[documentID] = canonicalURL
	return nil
}

type embeddingInsert struct {
	clientID   string
	contentRef string
	content    string
}

type fakeEmbeddingStore struct {
	mu      sync.Mutex
	inserts []embeddingInsert
	err     error
}

func (f *fakeEmbeddingStore) Insert(_ context.Context, clientID, contentRef, content string, _ pgvector.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inserts = append(f.inserts, embeddingInsert{clientID: clientID, contentRef: contentRef, content: content})
	return nil
}

type testHarness struct {
	orchestrator *Orchestrator
	normalizer   *fakeNormalizer
	splitter     *fakeSplitter
	extractor    *fakeExtractor
	embedder     *fakeEmbedder
	objectStore  *fakeObjectStore
	jobs         *fakeJobStore
	documents    *fakeDocumentStore
	vectors      *fakeEmbeddingStore
}

func newHarness(t *testing.T, cfg config.Config) *testHarness {
	t.Helper()
	h := &testHarness{
		normalizer:  &fakeNormalizer{data: []byte("%PDF-canonical")},
		splitter:    &fakeSplitter{chunkCount: 3},
		extractor:   &fakeExtractor{},
		embedder:    &fakeEmbedder{},
		objectStore: &fakeObjectStore{},
		jobs:        newFakeJobStore(),
		documents:   newFakeDocumentStore(),
		vectors:     &fakeEmbeddingStore{},
	}

	orchestrator, err := NewOrchestrator(cfg, slog.Default(), Deps{
		Normalizer:  h.normalizer,
		Splitter:    h.splitter,
		Extractor:   h.extractor,
		Embedder:    h.embedder,
		ObjectStore: h.objectStore,
		Jobs:        h.jobs,
		Documents:   h.documents,
		Vectors:     h.vectors,
	})
	require.NoError(t, err)
	t.Cleanup(orchestrator.Release)

	h.orchestrator = orchestrator
	return h
}

// waitForTerminal polls job status until the background run finishes.
func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) *pipeline_type.ProcessingJob {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", jobID)
		case <-time.After(10 * time.Millisecond):
		}
		job, err := o.GetJobStatus(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
	}
}

func submitTestJob(t *testing.T, h *testHarness) *pipeline_type.ProcessingJob {
	t.Helper()
	in := normalizer_service.Input{
		Data:         []byte("raw upload"),
		Filename:     "report.pdf",
		DeclaredType: pipeline_type.TypePDF,
	}
	job, err := h.orchestrator.Submit(context.Background(), in, "client-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline_type.JobPending, job.Status)
	return job
}

func TestOrchestratorHappyPath(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	job := submitTestJob(t, h)

	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobCompleted, final.Status)
	assert.Equal(t, 3, final.ChunkCount)
	assert.Zero(t, final.ChunksFailed)
	assert.Empty(t, final.Error)
	for _, c := range final.Chunks {
		assert.Equal(t, pipeline_type.ChunkCompleted, c.Status)
	}

	// Combined text reads in chunk order regardless of completion order.
	require.Len(t, h.vectors.inserts, 1)
	insert := h.vectors.inserts[0]
	assert.Equal(t, "client-1", insert.clientID)
	assert.Equal(t, job.DocumentID, insert.contentRef)
	assert.Equal(t, "text of chunk 0\n\ntext of chunk 1\n\ntext of chunk 2", insert.content)

	// The extraction agent configured at submit time reaches every chunk call.
	h.extractor.mu.Lock()
	for _, agentID := range h.extractor.agentIDs {
		assert.Equal(t, "agent-1", agentID)
	}
	h.extractor.mu.Unlock()

	// Durable record must agree with the registry view.
	stored, err := h.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline_type.JobCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestOrchestratorNormalizationFailure(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	h.normalizer.err = errors.New("unsupported format")

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobFailed, final.Status)
	assert.Contains(t, final.Error, "normalization failed")
	assert.Empty(t, h.vectors.inserts)
}

func TestOrchestratorSplitFailure(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	h.splitter.err = errors.New("corrupt xref table")

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobFailed, final.Status)
	assert.Contains(t, final.Error, "split failed")
}

func TestOrchestratorPartialChunkFailure(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	h.extractor.failChunks = map[int]bool{1: true}

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	// One failed chunk out of three still completes the job.
	assert.Equal(t, pipeline_type.JobCompleted, final.Status)
	assert.Equal(t, 1, final.ChunksFailed)
	assert.Equal(t, pipeline_type.ChunkFailed, final.Chunks[1].Status)
	assert.Contains(t, final.Chunks[1].Error, "chunk 1")

	require.Len(t, h.vectors.inserts, 1)
	content := h.vectors.inserts[0].content
	assert.Contains(t, content, "text of chunk 0")
	assert.NotContains(t, content, "text of chunk 1")
	assert.Contains(t, content, "text of chunk 2")
}

func TestOrchestratorAllChunksFailed(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	h.extractor.failChunks = map[int]bool{0: true, 1: true, 2: true}

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobFailed, final.Status)
	assert.Contains(t, final.Error, "all chunks failed")
	assert.Empty(t, h.vectors.inserts)
}

func TestOrchestratorJobTimeout(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.JobTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)
	h.extractor.blockChunks = map[int]bool{2: true}

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobFailed, final.Status)
	assert.Contains(t, final.Error, "timed out")
}

func TestOrchestratorEmbeddingFailure(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	h.embedder.err = errors.New("provider unavailable")

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobFailed, final.Status)
	assert.Contains(t, final.Error, "embedding failed")
	assert.Empty(t, h.vectors.inserts)
}

func TestOrchestratorStoresCanonicalPDF(t *testing.T) {
	h := newHarness(t, orchestratorConfig())
	h.objectStore.configured = true

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)
	require.Equal(t, pipeline_type.JobCompleted, final.Status)

	require.Len(t, h.objectStore.paths, 1)
	assert.True(t, strings.HasPrefix(h.objectStore.paths[0], "clients/client-1/"))
	assert.Equal(t,
		"https://cdn.example.com/"+h.objectStore.paths[0],
		h.documents.canonicalURLs[job.DocumentID])
}

func TestOrchestratorResubmitCreatesIndependentJobs(t *testing.T) {
	h := newHarness(t, orchestratorConfig())

	first := submitTestJob(t, h)
	second := submitTestJob(t, h)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.DocumentID, second.DocumentID)

	waitForTerminal(t, h.orchestrator, first.ID)
	waitForTerminal(t, h.orchestrator, second.ID)
	assert.Len(t, h.vectors.inserts, 2)
}

func TestOrchestratorLocalExtractionFallback(t *testing.T) {
	cfg := orchestratorConfig()
	cfg.ExtractionAPIKey = ""
	h := newHarness(t, cfg)
	h.orchestrator.localExtractor = localExtractorFunc(func(data []byte) (string, error) {
		return "local " + string(data), nil
	})

	job := submitTestJob(t, h)
	final := waitForTerminal(t, h.orchestrator, job.ID)

	assert.Equal(t, pipeline_type.JobCompleted, final.Status)
	require.Len(t, h.vectors.inserts, 1)
	assert.Contains(t, h.vectors.inserts[0].content, "local chunk-0")
}

type localExtractorFunc func(data []byte) (string, error)

func (f localExtractorFunc) ExtractTextFromPDF(data []byte) (string, error) { return f(data) }
