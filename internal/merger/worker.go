package merger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"member-identity/internal/identity"
	"member-identity/internal/logger"
)

// Worker runs merges in the background. Callers enqueue a job once the
// preconditions pass and poll its status instead of blocking on a
// potentially large reference-rewrite. Failed jobs are retried from their
// cursor; after the retry budget is spent they are parked for an operator.
type Worker struct {
	merger      *Merger
	jobs        JobStore
	interval    time.Duration
	maxAttempts int
}

func NewWorker(m *Merger, jobs JobStore, interval time.Duration, maxAttempts int) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{merger: m, jobs: jobs, interval: interval, maxAttempts: maxAttempts}
}

// Enqueue validates the merge preconditions and queues the job, returning
// it immediately. A merge that was already applied comes back as a done job
// with AlreadyMerged set; it is persisted like any other so the returned id
// stays pollable.
func (w *Worker) Enqueue(ctx context.Context, survivorID, duplicateID string) (*Job, error) {
	job, report, err := w.merger.prepare(ctx, survivorID, duplicateID)
	if err != nil {
		return nil, err
	}
	if report != nil {
		job = &Job{
			ID:            uuid.NewString(),
			SurvivorID:    report.SurvivorID,
			DuplicateID:   report.DuplicateID,
			State:         JobDone,
			AlreadyMerged: true,
			Rewritten:     map[string]int64{},
		}
	}
	if err := w.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Status returns the job for polling.
func (w *Worker) Status(ctx context.Context, jobID string) (*Job, error) {
	return w.jobs.Get(ctx, jobID)
}

// Cancel withdraws a queued merge. Once the first write step has
// committed, the counters are recorded as applied and the job must run to
// completion or be retried, never rolled back.
func (w *Worker) Cancel(ctx context.Context, jobID string) error {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == JobRunning || job.Cursor > stepTombstone {
		return fmt.Errorf("%w: merge already past its first write", identity.ErrPolicyViolation)
	}
	if job.State != JobPending && job.State != JobFailed {
		return fmt.Errorf("%w: job is %s", identity.ErrPolicyViolation, job.State)
	}
	job.State = JobCancelled
	return w.jobs.Update(ctx, job)
}

// Run polls for runnable jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.jobs.NextRunnable(ctx, w.maxAttempts)
		if err != nil {
			logger.Error("merge worker claim failed", map[string]any{"error": err.Error()})
			return
		}
		if job == nil {
			return
		}

		if err := w.merger.Run(ctx, job); err != nil {
			if job.Attempts >= w.maxAttempts {
				job.State = JobParked
				if uerr := w.jobs.Update(ctx, job); uerr != nil {
					logger.Error("failed to park merge job", map[string]any{
						"job_id": job.ID, "error": uerr.Error(),
					})
				}
				logger.Error("merge job parked for operator", map[string]any{
					"job_id": job.ID, "attempts": job.Attempts, "last_error": job.LastError,
				})
			}
		}
	}
}
