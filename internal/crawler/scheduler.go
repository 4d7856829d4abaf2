package crawler

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/clock/system"
	"github.com/JakeFAU/siteaudit/internal/metrics"
	"github.com/JakeFAU/siteaudit/internal/progress"
)

const defaultFetchTimeout = 10 * time.Second

// SchedulerConfig holds settings shared by every run of a Scheduler.
type SchedulerConfig struct {
	FetchTimeout   time.Duration
	SnapshotPrefix string
	ContentType    string
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRateLimiter gates every fetch attempt through limiter.
func WithRateLimiter(limiter RateLimiter) SchedulerOption {
	return func(s *Scheduler) { s.limiter = limiter }
}

// WithEmitter streams per-page progress events.
func WithEmitter(emitter progress.Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = emitter }
}

// WithSnapshotStore uploads the raw body of every analysed page.
func WithSnapshotStore(store BlobStore) SchedulerOption {
	return func(s *Scheduler) { s.snapshots = store }
}

// WithClock overrides the wall clock used for progress events.
func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// Scheduler runs breadth-first crawls over a bounded worker pool. The
// coordinator goroutine in Run owns the frontier and visited set; workers only
// send task results back to it.
type Scheduler struct {
	fetcher   Fetcher
	analyzer  Analyzer
	limiter   RateLimiter
	emitter   progress.Emitter
	snapshots BlobStore
	pauser    pauseController
	clock     Clock
	cfg       SchedulerConfig
	logger    *zap.Logger
}

// NewScheduler wires a Scheduler.
func NewScheduler(
	fetcher Fetcher,
	analyzer Analyzer,
	cfg SchedulerConfig,
	logger *zap.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	s := &Scheduler{
		fetcher:  fetcher,
		analyzer: analyzer,
		pauser:   &timerPauseController{},
		clock:    system.New(),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type taskResult struct {
	url      string
	report   PageReport
	ok       bool
	attempts int
	err      error
}

// Run crawls from req.SeedURL until the page budget is met or the frontier is
// exhausted. jobID only tags progress events and may be empty. A cancelled ctx
// stops dispatch and returns the pages gathered so far with the ctx error.
func (s *Scheduler) Run(ctx context.Context, jobID string, req CrawlRequest) (RunResult, error) {
	if err := req.Validate(); err != nil {
		return RunResult{}, fmt.Errorf("invalid crawl request: %w", err)
	}
	logger := s.logger.With(zap.String("seed", req.SeedURL), zap.String("job_id", jobID))
	policy := NewLinearRetryPolicy(req.MaxRetries, req.Delay)

	runCtx, cancel := context.WithCancel(ctx)
	tasks := make(chan string)
	results := make(chan taskResult, req.Workers)
	var wg sync.WaitGroup
	for i := 0; i < req.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range tasks {
				res := s.fetchPage(runCtx, jobID, u, req, policy)
				select {
				case results <- res:
				case <-runCtx.Done():
				}
			}
		}()
	}
	defer func() {
		cancel()
		close(tasks)
		wg.Wait()
	}()

	tracker := newSetVisitTracker(req.PageBudget * 8)
	frontier := []string{req.SeedURL}
	tracker.MarkIfNew(visitKey(req.SeedURL))

	var result RunResult
	logger.Info("crawl started", zap.Int("budget", req.PageBudget), zap.Int("workers", req.Workers))
	for len(result.Visited) < req.PageBudget && len(frontier) > 0 {
		take := min(req.PageBudget-len(result.Visited), len(frontier))
		batch := frontier[:take]
		frontier = frontier[take:]

		pending := batch
		inFlight := 0
		for len(pending) > 0 || inFlight > 0 {
			var sendCh chan<- string
			var next string
			if len(pending) > 0 {
				sendCh = tasks
				next = pending[0]
			}
			select {
			case sendCh <- next:
				pending = pending[1:]
				inFlight++
			case res := <-results:
				inFlight--
				frontier = s.merge(&result, res, frontier, tracker, req.PageBudget, logger)
			case <-ctx.Done():
				logger.Warn("crawl interrupted", zap.Int("pages", len(result.Pages)))
				return result, fmt.Errorf("crawl interrupted: %w", ctx.Err())
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("crawl interrupted: %w", err)
	}
	logger.Info("crawl finished",
		zap.Int("pages", len(result.Pages)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("retries", result.Retries),
	)
	return result, nil
}

// merge folds one task result into the run state. Only the coordinator calls it.
func (s *Scheduler) merge(
	result *RunResult,
	res taskResult,
	frontier []string,
	tracker visitTracker,
	budget int,
	logger *zap.Logger,
) []string {
	if res.attempts > 1 {
		result.Retries += res.attempts - 1
	}
	if !res.ok {
		result.Failed = append(result.Failed, res.url)
		logger.Warn("dropping url after failed attempts",
			zap.String("url", res.url),
			zap.Int("attempts", res.attempts),
			zap.Error(res.err),
		)
		return frontier
	}
	if len(result.Visited) >= budget {
		return frontier
	}
	result.Visited = append(result.Visited, res.url)
	result.Pages = append(result.Pages, res.report)
	for _, link := range res.report.InternalLinks {
		if tracker.MarkIfNew(visitKey(link)) {
			frontier = append(frontier, link)
		}
	}
	return frontier
}

func (s *Scheduler) fetchPage(
	ctx context.Context,
	jobID string,
	url string,
	req CrawlRequest,
	policy RetryPolicy,
) taskResult {
	res := taskResult{url: url}
	site := Site(url)
	for attempt := 1; ; attempt++ {
		res.attempts = attempt
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, url); err != nil {
				res.err = fmt.Errorf("rate limit wait: %w", err)
				return res
			}
		}
		resp, err := s.fetcher.Get(ctx, url, s.cfg.FetchTimeout)
		if err == nil {
			report := s.analyzer.Analyze(url, resp)
			report.SnapshotURI = s.storeSnapshot(ctx, report, resp)
			metrics.ObserveFetch(site, progress.ClassifyStatus(resp.StatusCode).String(), len(resp.Body))
			s.emit(jobID, progress.Event{
				Stage:       progress.StageFetchDone,
				Site:        site,
				URL:         url,
				Bytes:       int64(len(resp.Body)),
				Visits:      1,
				StatusClass: progress.ClassifyStatus(resp.StatusCode),
				Dur:         resp.Elapsed,
			})
			s.pauser.Pause(ctx, req.Delay)
			res.report = report
			res.ok = true
			return res
		}

		fetchErr := NewFetchError(url, err)
		res.err = fetchErr
		if ctx.Err() != nil || !policy.ShouldRetry(fetchErr, attempt) {
			metrics.ObserveFetch(site, string(fetchErr.Kind), 0)
			s.emit(jobID, progress.Event{
				Stage: progress.StageFetchFailed,
				Site:  site,
				URL:   url,
				Note:  string(fetchErr.Kind),
			})
			return res
		}
		metrics.ObserveRetry(string(fetchErr.Kind))
		s.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("kind", string(fetchErr.Kind)),
		)
		s.pauser.Pause(ctx, policy.Backoff(attempt))
	}
}

func (s *Scheduler) storeSnapshot(ctx context.Context, report PageReport, resp Response) string {
	if s.snapshots == nil || report.ContentHash == "" || len(resp.Body) == 0 {
		return ""
	}
	objectPath := path.Join(s.cfg.SnapshotPrefix, Site(report.URL), report.ContentHash+".html")
	uri, err := s.snapshots.PutObject(ctx, objectPath, s.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		s.logger.Warn("snapshot upload failed", zap.String("url", report.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Scheduler) emit(jobID string, evt progress.Event) {
	if s.emitter == nil || jobID == "" {
		return
	}
	id, ok := progress.ParseJobID(jobID)
	if !ok {
		return
	}
	evt.JobID = id
	evt.TS = s.clock.Now().UTC()
	s.emitter.Emit(evt)
}

// visitKey is the identity used for visited-set membership.
func visitKey(raw string) string {
	if normalized, err := NormalizeURL(raw); err == nil {
		return normalized
	}
	return raw
}
