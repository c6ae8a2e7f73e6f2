package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// JobReaperStore is the slice of the job store the reaper needs.
type JobReaperStore interface {
	FailStale(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// Reaper periodically fails jobs stuck in processing past the job timeout.
// This covers orchestrator crashes between status writes; a healthy
// orchestrator fails its own jobs on timeout before the reaper sees them.
type Reaper struct {
	store      JobReaperStore
	jobTimeout time.Duration
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
}

func New(store JobReaperStore, jobTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:      store,
		jobTimeout: jobTimeout,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.logger.Info("Starting stale-job reaper",
		slog.Duration("interval", r.interval),
		slog.Duration("job_timeout", r.jobTimeout))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Reaper) Stop() {
	close(r.stop)
}

func (r *Reaper) reapOnce() {
	// Grace period beyond the job timeout so the reaper never races a live
	// orchestrator goroutine that is about to fail the job itself.
	cutoff := time.Now().UTC().Add(-(r.jobTimeout + r.interval))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reaped, err := r.store.FailStale(ctx, cutoff, "job timed out (reaped after orchestrator went away)")
	if err != nil {
		r.logger.Error("Failed to reap stale jobs",
			slog.String("error", err.Error()))
		return
	}
	if reaped > 0 {
		r.logger.Warn("Reaped stale jobs",
			slog.Int64("count", reaped))
	}
}
