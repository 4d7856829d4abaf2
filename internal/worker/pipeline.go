package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/clock/system"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/progress"
)

// Crawler runs the breadth-first traversal. *crawler.Scheduler satisfies it.
type Crawler interface {
	Run(ctx context.Context, jobID string, req crawler.CrawlRequest) (crawler.RunResult, error)
}

// HealthAttacher checks visited pages after traversal. *crawler.HealthChecker
// satisfies it.
type HealthAttacher interface {
	Attach(ctx context.Context, pages []crawler.PageReport, workers int)
}

// CompletionMessage is published once per finished crawl.
type CompletionMessage struct {
	RunID        string    `json:"run_id"`
	JobID        string    `json:"job_id,omitempty"`
	SeedURL      string    `json:"seed_url"`
	PagesVisited int       `json:"pages_visited"`
	Deduplicated bool      `json:"deduplicated"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Outcome is what one pipeline execution produced.
type Outcome struct {
	RunID        string
	Deduplicated bool
	Summary      crawler.CrawlSummary
	Result       crawler.RunResult
}

// PipelineConfig controls the optional stages.
type PipelineConfig struct {
	// Topic receives completion messages. Publishing is skipped when empty.
	Topic string
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithArchive records each stored run in archive.
func WithArchive(archive crawler.RunArchive) PipelineOption {
	return func(p *Pipeline) { p.archive = archive }
}

// WithPublisher publishes completion messages through publisher.
func WithPublisher(publisher crawler.Publisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = publisher }
}

// WithEmitter streams run-level progress events.
func WithEmitter(emitter progress.Emitter) PipelineOption {
	return func(p *Pipeline) { p.emitter = emitter }
}

// WithClock overrides the clock that stamps summaries and messages.
func WithClock(clock crawler.Clock) PipelineOption {
	return func(p *Pipeline) { p.clock = clock }
}

// Pipeline executes one crawl end to end: freshness check, traversal, health
// check, persistence, then the optional archive and notification stages. The
// CLI calls it directly; the service calls it from Worker.
type Pipeline struct {
	crawler   Crawler
	health    HealthAttacher
	runs      crawler.RunStore
	archive   crawler.RunArchive
	publisher crawler.Publisher
	emitter   progress.Emitter
	clock     crawler.Clock
	cfg       PipelineConfig
	logger    *zap.Logger
}

// NewPipeline wires a Pipeline. health may be nil to skip probing.
func NewPipeline(
	c Crawler,
	health HealthAttacher,
	runs crawler.RunStore,
	cfg PipelineConfig,
	logger *zap.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		crawler: c,
		health:  health,
		runs:    runs,
		clock:   system.New(),
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs req. jobID tags progress events and completion messages and
// may be empty. A run that produced no pages completes with an empty RunID.
func (p *Pipeline) Execute(ctx context.Context, jobID string, req crawler.CrawlRequest) (Outcome, error) {
	logger := p.logger.With(zap.String("job_id", jobID), zap.String("seed", req.SeedURL))
	if err := req.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("invalid crawl request: %w", err)
	}

	if !req.ForceRefresh {
		runID, found, err := p.runs.FindRecent(ctx, req.SeedURL)
		if err != nil {
			return Outcome{}, fmt.Errorf("check recent runs: %w", err)
		}
		if found {
			logger.Info("recent run found, skipping crawl", zap.String("run_id", runID))
			out := Outcome{RunID: runID, Deduplicated: true}
			if record, err := p.runs.GetRun(ctx, runID); err == nil && record != nil {
				out.Summary = record.Summary
			}
			p.publish(ctx, jobID, req.SeedURL, out, logger)
			return out, nil
		}
	}

	p.emit(jobID, progress.Event{Stage: progress.StageRunStart, Total: int64(req.PageBudget), Note: req.SeedURL})
	start := p.clock.Now()

	result, err := p.crawler.Run(ctx, jobID, req)
	if err != nil {
		p.emit(jobID, progress.Event{Stage: progress.StageRunError, Note: err.Error()})
		return Outcome{Result: result}, fmt.Errorf("crawl: %w", err)
	}

	if p.health != nil && len(result.Pages) > 0 {
		p.health.Attach(ctx, result.Pages, req.Workers)
		p.emit(jobID, progress.Event{Stage: progress.StageHealthDone, Total: int64(len(result.Pages))})
	}

	out := Outcome{
		Result:  result,
		Summary: crawler.Summarize(req.SeedURL, result.Pages, p.clock.Now()),
	}

	var storeOpts []crawler.StoreOption
	if req.ForceRefresh {
		storeOpts = append(storeOpts, crawler.WithForceRefresh())
	}
	runID, err := p.runs.StoreRun(ctx, out.Summary, result.Pages, storeOpts...)
	if err != nil {
		p.emit(jobID, progress.Event{Stage: progress.StageRunError, Note: err.Error()})
		return out, fmt.Errorf("store run: %w", err)
	}
	out.RunID = runID

	if runID == "" {
		logger.Warn("crawl produced no pages; nothing stored")
	} else {
		if p.archive != nil {
			if err := p.archive.RecordRun(ctx, runID, out.Summary); err != nil {
				logger.Warn("archive run failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
		p.publish(ctx, jobID, req.SeedURL, out, logger)
	}

	p.emit(jobID, progress.Event{
		Stage: progress.StageRunDone,
		Total: int64(len(result.Pages)),
		Dur:   p.clock.Now().Sub(start),
		Note:  runID,
	})
	logger.Info("crawl pipeline finished",
		zap.String("run_id", runID),
		zap.Int("pages", len(result.Pages)),
		zap.Int("failed", len(result.Failed)),
	)
	return out, nil
}

func (p *Pipeline) publish(ctx context.Context, jobID, seed string, out Outcome, logger *zap.Logger) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	msg := CompletionMessage{
		RunID:        out.RunID,
		JobID:        jobID,
		SeedURL:      seed,
		PagesVisited: out.Summary.PagesVisited,
		Deduplicated: out.Deduplicated,
		CompletedAt:  p.clock.Now().UTC(),
	}
	id, err := p.publisher.Publish(ctx, p.cfg.Topic, msg)
	if err != nil {
		logger.Warn("publish completion failed", zap.String("run_id", out.RunID), zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("run_id", out.RunID), zap.String("message_id", id))
}

func (p *Pipeline) emit(jobID string, evt progress.Event) {
	if p.emitter == nil {
		return
	}
	id, ok := progress.ParseJobID(jobID)
	if !ok {
		return
	}
	evt.JobID = id
	evt.TS = p.clock.Now().UTC()
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	p.emitter.Emit(evt)
}
