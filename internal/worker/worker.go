// Package worker runs crawl jobs: Pipeline executes one crawl end to end and
// Worker drives it from the service job queue.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/metrics"
)

// Executor runs one crawl request. *Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, jobID string, req crawler.CrawlRequest) (Outcome, error)
}

// Worker consumes queue items and executes them, recording job state.
type Worker struct {
	queue    crawler.Queue
	jobStore crawler.JobStore
	executor Executor
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, jobStore crawler.JobStore, executor Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		executor: executor,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until ctx finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.executor == nil {
		w.finish(ctx, item.JobID, crawler.JobUpdate{
			Status:    crawler.JobStatusFailed,
			ErrorText: "no crawl executor configured",
		})
		return
	}
	if err := w.jobStore.UpdateJob(ctx, item.JobID, crawler.JobUpdate{Status: crawler.JobStatusRunning}); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	out, err := w.executor.Execute(ctx, item.JobID, item.Request)
	w.finish(ctx, item.JobID, deriveFinalUpdate(out, err))
}

// finish records the terminal state even when ctx was cancelled mid-crawl.
func (w *Worker) finish(ctx context.Context, jobID string, update crawler.JobUpdate) {
	metrics.ObserveJob(string(update.Status))
	if err := w.jobStore.UpdateJob(context.WithoutCancel(ctx), jobID, update); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	w.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(update.Status)),
		zap.String("run_id", update.RunID),
		zap.Bool("deduplicated", update.Deduplicated),
	)
}

func deriveFinalUpdate(out Outcome, err error) crawler.JobUpdate {
	update := crawler.JobUpdate{
		Status:       crawler.JobStatusSucceeded,
		RunID:        out.RunID,
		Deduplicated: out.Deduplicated,
		Counters: crawler.JobCounters{
			PagesSucceeded: len(out.Result.Pages),
			PagesFailed:    len(out.Result.Failed),
			Retries:        out.Result.Retries,
		},
	}
	switch {
	case err != nil:
		update.Status = crawler.JobStatusFailed
		update.ErrorText = err.Error()
	case out.RunID == "":
		update.ErrorText = "no pages were fetched"
	}
	return update
}
