package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chatforge/kbingest/pipeline_type"
)

// JobRegistry keeps recently-active jobs in memory so status reads don't hit
// the database while a job is running. Postgres stays the durable source;
// terminal jobs are evicted after a retention threshold.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*pipeline_type.ProcessingJob

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{
		jobs: make(map[string]*pipeline_type.ProcessingJob),
	}
}

func (r *JobRegistry) Add(job *pipeline_type.ProcessingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

// Get returns a copy so callers never observe a job mid-update.
func (r *JobRegistry) Get(jobID string) (pipeline_type.ProcessingJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, exists := r.jobs[jobID]
	if !exists {
		return pipeline_type.ProcessingJob{}, false
	}
	copied := *job
	copied.Chunks = append([]pipeline_type.Chunk(nil), job.Chunks...)
	return copied, true
}

// Update applies fn to the registered job under the write lock. The
// orchestrator goroutine owning the job is the only caller for a given id.
func (r *JobRegistry) Update(jobID string, fn func(*pipeline_type.ProcessingJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, exists := r.jobs[jobID]; exists {
		fn(job)
	}
}

// StartCleanup evicts terminal jobs whose completion predates threshold.
func (r *JobRegistry) StartCleanup(threshold, interval time.Duration) {
	r.stopCleanup = make(chan struct{})
	r.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-r.cleanupTicker.C:
				r.performCleanup(threshold)
			case <-r.stopCleanup:
				r.cleanupTicker.Stop()
				return
			}
		}
	}()
}

func (r *JobRegistry) StopCleanup() {
	if r.stopCleanup != nil {
		close(r.stopCleanup)
	}
}

func (r *JobRegistry) performCleanup(threshold time.Duration) {
	now := timeProvider.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for jobID, job := range r.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && now.Sub(*job.CompletedAt) > threshold {
			delete(r.jobs, jobID)
			slog.Debug("Evicted finished job from registry", slog.String("job_id", jobID))
		}
	}
}
