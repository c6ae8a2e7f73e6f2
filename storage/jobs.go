package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatforge/kbingest/pipeline_type"
)

// JobStore persists ProcessingJob rows. Status transitions are guarded in
// SQL so they can never regress, and every update touches exactly one row,
// which is what serializes concurrent writers.
type JobStore struct {
	db *pgxpool.Pool
}

func NewJobStore(db *pgxpool.Pool) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *pipeline_type.ProcessingJob) error {
	chunksJSON, err := json.Marshal(job.Chunks)
	if err != nil {
		return persistErr("marshal chunks", err)
	}

	query := `INSERT INTO processing_jobs
	          (id, document_id, client_id, agent_name, status, chunk_count, chunks, chunks_failed, error, started_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.Exec(ctx, query,
		job.ID, job.DocumentID, job.ClientID, job.AgentName, string(job.Status),
		job.ChunkCount, chunksJSON, job.ChunksFailed, job.Error, job.StartedAt)
	if err != nil {
		return persistErr("create job", err)
	}
	return nil
}

// validTransitions maps a target status onto the statuses it may be reached
// from. Mirrors pipeline_type.JobStatus.CanTransitionTo at the SQL level.
var validTransitions = map[pipeline_type.JobStatus][]string{
	pipeline_type.JobProcessing: {string(pipeline_type.JobPending)},
	pipeline_type.JobCompleted:  {string(pipeline_type.JobProcessing)},
	pipeline_type.JobFailed:     {string(pipeline_type.JobPending), string(pipeline_type.JobProcessing)},
}

// SetStatus moves the job to next, refusing regressions. The terminal
// statuses also stamp completed_at.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, next pipeline_type.JobStatus, errMsg string) error {
	from, ok := validTransitions[next]
	if !ok {
		return persistErr("set status", fmt.Errorf("no valid transition into status %q", next))
	}

	var tag pgconn.CommandTag
	var err error
	if next.Terminal() {
		query := `UPDATE processing_jobs
		          SET status = $2, error = $3, completed_at = $4
		          WHERE id = $1 AND status = ANY($5)`
		tag, err = s.db.Exec(ctx, query, jobID, string(next), errMsg, time.Now().UTC(), from)
	} else {
		query := `UPDATE processing_jobs
		          SET status = $2, error = $3
		          WHERE id = $1 AND status = ANY($4)`
		tag, err = s.db.Exec(ctx, query, jobID, string(next), errMsg, from)
	}
	if err != nil {
		return persistErr("set status", err)
	}
	if tag.RowsAffected() == 0 {
		return persistErr("set status",
			fmt.Errorf("job %s refused transition to %s (already terminal or missing)", jobID, next))
	}
	return nil
}

// SetChunks rewrites the embedded chunk array and fixes chunk_count. Called
// once after the splitter runs, then after each chunk outcome; the
// orchestrator goroutine is the only caller for a given job.
func (s *JobStore) SetChunks(ctx context.Context, jobID string, chunks []pipeline_type.Chunk, chunksFailed int) error {
	chunksJSON, err := json.Marshal(chunks)
	if err != nil {
		return persistErr("marshal chunks", err)
	}

	query := `UPDATE processing_jobs SET chunks = $2, chunk_count = $3, chunks_failed = $4 WHERE id = $1`
	_, err = s.db.Exec(ctx, query, jobID, chunksJSON, len(chunks), chunksFailed)
	if err != nil {
		return persistErr("set chunks", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*pipeline_type.ProcessingJob, error) {
	query := `SELECT id, document_id, client_id, agent_name, status, chunk_count, chunks, chunks_failed, error, started_at, completed_at
	          FROM processing_jobs WHERE id = $1`

	var job pipeline_type.ProcessingJob
	var status string
	var chunksJSON []byte
	err := s.db.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.DocumentID, &job.ClientID, &job.AgentName, &status,
		&job.ChunkCount, &chunksJSON, &job.ChunksFailed, &job.Error, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, persistErr("get job", err)
	}
	job.Status = pipeline_type.JobStatus(status)
	if len(chunksJSON) > 0 {
		if err := json.Unmarshal(chunksJSON, &job.Chunks); err != nil {
			return nil, persistErr("unmarshal chunks", err)
		}
	}
	return &job, nil
}

// FailStale force-fails processing jobs whose last activity predates cutoff.
// Covers orchestrator crashes between status writes.
func (s *JobStore) FailStale(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	query := `UPDATE processing_jobs
	          SET status = $1, error = $2, completed_at = $3
	          WHERE status = $4 AND started_at < $5`
	tag, err := s.db.Exec(ctx, query,
		string(pipeline_type.JobFailed), reason, time.Now().UTC(),
		string(pipeline_type.JobProcessing), cutoff)
	if err != nil {
		return 0, persistErr("fail stale jobs", err)
	}
	return tag.RowsAffected(), nil
}
