package queue

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/onec-graphrag/indexer/internal/job"
	"github.com/onec-graphrag/indexer/internal/layout"
)

const (
	dequeueTimeout = 5 * time.Second
	emptySleep     = 1 * time.Second
)

// Runner executes one IndexJob to completion; implemented by the pipeline
// orchestrator. It must never panic out.
type Runner interface {
	Run(ctx context.Context, j IndexJob)
}

// Worker dequeues IndexJobs and hands them to a Runner, one at a time.
type Worker struct {
	queue        *Queue
	store        *Store
	runner       Runner
	workspaceDir string
	logger       *slog.Logger
	stop         atomic.Bool
}

func NewWorker(q *Queue, store *Store, runner Runner, workspaceDir string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, store: store, runner: runner, workspaceDir: workspaceDir, logger: logger}
}

// Stop flips the stop flag; the loop exits at the next iteration.
func (w *Worker) Stop() {
	w.stop.Store(true)
}

// Run recovers orphaned jobs, then loops: dequeue (5s timeout), sleep 1s
// on empty, otherwise run the job.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		w.logger.Error("worker_recovery_failed", "error", err)
	}

	for !w.stop.Load() {
		j, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			w.logger.Error("worker_dequeue_failed", "error", err)
			time.Sleep(emptySleep)
			continue
		}
		if j == nil {
			time.Sleep(emptySleep)
			continue
		}
		w.runner.Run(ctx, *j)
	}
	return nil
}

// Recover re-enqueues PENDING/RUNNING jobs left behind by a prior process,
// as long as they are not already queued and their raw directory still
// exists. Jobs whose raw directory is gone are logged and left orphaned.
func (w *Worker) Recover(ctx context.Context) error {
	states, err := w.store.All(ctx)
	if err != nil {
		return err
	}
	queued, err := w.queue.ListJobIDs(ctx)
	if err != nil {
		return err
	}

	for _, state := range states {
		if state.Status != job.StatusPending && state.Status != job.StatusRunning {
			continue
		}
		if queued[state.JobID] {
			continue
		}

		rawPath := layout.RawDir(w.workspaceDir, state.Collection, state.JobID)
		if _, err := os.Stat(rawPath); err != nil {
			w.logger.Warn("worker_recovery_orphaned", "job_id", state.JobID, "raw_path", rawPath)
			continue
		}

		state.Status = job.StatusPending
		state.StartedAt = nil
		state.FinishedAt = nil
		if err := w.store.Save(ctx, state); err != nil {
			w.logger.Error("worker_recovery_save_failed", "job_id", state.JobID, "error", err)
			continue
		}
		if err := w.queue.Enqueue(ctx, IndexJob{JobID: state.JobID, Collection: state.Collection, RawPath: rawPath}); err != nil {
			w.logger.Error("worker_recovery_enqueue_failed", "job_id", state.JobID, "error", err)
			continue
		}
		w.logger.Info("worker_recovery_requeued", "job_id", state.JobID)
	}
	return nil
}
