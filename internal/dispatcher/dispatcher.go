// Package dispatcher fans queued crawl jobs out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/worker"
)

// Config sizes the worker pool.
type Config struct {
	Workers int
	Logger  *zap.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers  int `json:"workers"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

type lengther interface {
	Len() int
}

// Dispatcher owns the queue and the workers draining it.
type Dispatcher struct {
	queue    crawler.Queue
	workers  []*worker.Worker
	inFlight atomic.Int64
	logger   *zap.Logger
}

// New builds a Dispatcher with cfg.Workers workers executing jobs from queue
// through exec and recording their state in jobs.
func New(queue crawler.Queue, jobs crawler.JobStore, exec worker.Executor, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{queue: queue, logger: logger}
	var tracked worker.Executor
	if exec != nil {
		tracked = &trackingExecutor{next: exec, inFlight: &d.inFlight}
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workers = append(d.workers, worker.New(
			queue,
			jobs,
			tracked,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return d
}

// Run starts every worker and blocks until all of them have returned. Workers
// stop when ctx ends or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue hands item to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Stats reports pool size, queued jobs and jobs currently executing. Pending
// is zero when the queue cannot report its length.
func (d *Dispatcher) Stats() Stats {
	stats := Stats{
		Workers:  len(d.workers),
		InFlight: int(d.inFlight.Load()),
	}
	if l, ok := d.queue.(lengther); ok {
		stats.Pending = l.Len()
	}
	return stats
}

type trackingExecutor struct {
	next     worker.Executor
	inFlight *atomic.Int64
}

func (t *trackingExecutor) Execute(ctx context.Context, jobID string, req crawler.CrawlRequest) (worker.Outcome, error) {
	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	return t.next.Execute(ctx, jobID, req)
}
