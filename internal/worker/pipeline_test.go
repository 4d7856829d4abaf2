package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/progress"
	pubmemory "github.com/JakeFAU/siteaudit/internal/publisher/memory"
)

const testJobID = "0190b5f0-7c1e-7a3b-9d4e-2f6a8c1b3d5e"

type fakeCrawler struct {
	mu     sync.Mutex
	calls  int
	result crawler.RunResult
	err    error
}

func (f *fakeCrawler) Run(_ context.Context, _ string, _ crawler.CrawlRequest) (crawler.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeCrawler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHealth struct{ attached int }

func (f *fakeHealth) Attach(_ context.Context, pages []crawler.PageReport, _ int) {
	for i := range pages {
		pages[i].HealthCheck = &crawler.HealthCheckResult{URL: pages[i].URL, StatusCode: 200}
	}
	f.attached += len(pages)
}

type fakeRunStore struct {
	mu        sync.Mutex
	recent    map[string]string
	records   map[string]*crawler.CrawlRecord
	stored    []crawler.CrawlRecord
	forced    []bool
	findErr   error
	storeErr  error
	nextRunID string
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		recent:    map[string]string{},
		records:   map[string]*crawler.CrawlRecord{},
		nextRunID: "crawl:https://example.com:100",
	}
}

func (s *fakeRunStore) StoreRun(
	_ context.Context,
	summary crawler.CrawlSummary,
	pages []crawler.PageReport,
	opts ...crawler.StoreOption,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return "", s.storeErr
	}
	if len(pages) == 0 {
		return "", nil
	}
	s.forced = append(s.forced, crawler.ApplyStoreOptions(opts...).ForceRefresh)
	s.stored = append(s.stored, crawler.CrawlRecord{RunID: s.nextRunID, Summary: summary, Pages: pages})
	return s.nextRunID, nil
}

func (s *fakeRunStore) FindRecent(_ context.Context, seed string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return "", false, s.findErr
	}
	id, ok := s.recent[seed]
	return id, ok, nil
}

func (s *fakeRunStore) GetRun(_ context.Context, runID string) (*crawler.CrawlRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[runID], nil
}

func (s *fakeRunStore) ListRuns(context.Context) ([]crawler.RunListing, error) { return nil, nil }

func (s *fakeRunStore) DeleteRun(context.Context, string) error { return nil }

type fakeArchive struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (a *fakeArchive) RecordRun(_ context.Context, runID string, _ crawler.CrawlSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, runID)
	return a.err
}

func (a *fakeArchive) DeleteRun(context.Context, string) error { return nil }

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func sampleRequest() crawler.CrawlRequest {
	return crawler.CrawlRequest{SeedURL: "https://example.com", PageBudget: 5, MaxRetries: 2, Workers: 2}
}

func sampleResult() crawler.RunResult {
	return crawler.RunResult{
		Pages: []crawler.PageReport{
			{URL: "https://example.com", WordCount: 10, ImagesFound: 1},
			{URL: "https://example.com/a", WordCount: 5, ImagesFound: 2},
		},
		Visited: []string{"https://example.com", "https://example.com/a"},
		Failed:  []string{"https://example.com/broken"},
		Retries: 2,
	}
}

func TestPipelineStoresArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: sampleResult()}
	health := &fakeHealth{}
	runs := newFakeRunStore()
	archive := &fakeArchive{}
	pub := pubmemory.New()
	emitter := &recordingEmitter{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewPipeline(c, health, runs, PipelineConfig{Topic: "crawl-runs"}, zap.NewNop(),
		WithArchive(archive),
		WithPublisher(pub),
		WithEmitter(emitter),
		WithClock(fakeClock{now: now}),
	)
	out, err := p.Execute(context.Background(), testJobID, sampleRequest())
	require.NoError(t, err)

	require.Equal(t, "crawl:https://example.com:100", out.RunID)
	require.False(t, out.Deduplicated)
	require.Equal(t, 2, out.Summary.PagesVisited)
	require.Equal(t, 15, out.Summary.TotalWords)
	require.Equal(t, 3, out.Summary.TotalImages)
	require.Equal(t, now, out.Summary.CrawlTime)
	require.Equal(t, 2, health.attached)

	require.Len(t, runs.stored, 1)
	require.NotNil(t, runs.stored[0].Pages[0].HealthCheck)
	require.Equal(t, []bool{false}, runs.forced)
	require.Equal(t, []string{"crawl:https://example.com:100"}, archive.runs)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-runs", msgs[0].Topic)
	msg, ok := msgs[0].Payload.(CompletionMessage)
	require.True(t, ok)
	require.Equal(t, CompletionMessage{
		RunID:        "crawl:https://example.com:100",
		JobID:        testJobID,
		SeedURL:      "https://example.com",
		PagesVisited: 2,
		CompletedAt:  now,
	}, msg)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageHealthDone,
		progress.StageRunDone,
	}, emitter.stages)
}

func TestPipelineReturnsRecentRunWithoutCrawling(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: sampleResult()}
	runs := newFakeRunStore()
	runs.recent["https://example.com"] = "crawl:https://example.com:50"
	runs.records["crawl:https://example.com:50"] = &crawler.CrawlRecord{
		RunID:   "crawl:https://example.com:50",
		Summary: crawler.CrawlSummary{PagesVisited: 4, StartURL: "https://example.com"},
	}
	pub := pubmemory.New()

	p := NewPipeline(c, nil, runs, PipelineConfig{Topic: "crawl-runs"}, nil, WithPublisher(pub))
	out, err := p.Execute(context.Background(), "", sampleRequest())
	require.NoError(t, err)
	require.True(t, out.Deduplicated)
	require.Equal(t, "crawl:https://example.com:50", out.RunID)
	require.Equal(t, 4, out.Summary.PagesVisited)
	require.Zero(t, c.callCount())
	require.Empty(t, runs.stored)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Payload.(CompletionMessage).Deduplicated)
}

func TestPipelineForceRefreshBypassesFreshnessCheck(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: sampleResult()}
	runs := newFakeRunStore()
	runs.recent["https://example.com"] = "crawl:https://example.com:50"

	req := sampleRequest()
	req.ForceRefresh = true
	out, err := NewPipeline(c, nil, runs, PipelineConfig{}, nil).Execute(context.Background(), "", req)
	require.NoError(t, err)
	require.False(t, out.Deduplicated)
	require.Equal(t, 1, c.callCount())
	require.Equal(t, []bool{true}, runs.forced)
}

func TestPipelineZeroPagesCompletesWithoutRunID(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: crawler.RunResult{Failed: []string{"https://example.com"}}}
	runs := newFakeRunStore()
	archive := &fakeArchive{}
	pub := pubmemory.New()

	p := NewPipeline(c, &fakeHealth{}, runs, PipelineConfig{Topic: "t"}, nil, WithArchive(archive), WithPublisher(pub))
	out, err := p.Execute(context.Background(), "", sampleRequest())
	require.NoError(t, err)
	require.Empty(t, out.RunID)
	require.Equal(t, 0, out.Summary.PagesVisited)
	require.Equal(t, "https://example.com", out.Summary.StartURL)
	require.Empty(t, archive.runs)
	require.Empty(t, pub.Messages())
}

func TestPipelineOptionalStageFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: sampleResult()}
	archive := &fakeArchive{err: errors.New("archive down")}
	pub := &failingPublisher{}

	p := NewPipeline(c, nil, newFakeRunStore(), PipelineConfig{Topic: "t"}, nil,
		WithArchive(archive),
		WithPublisher(pub),
	)
	out, err := p.Execute(context.Background(), "", sampleRequest())
	require.NoError(t, err)
	require.NotEmpty(t, out.RunID)
}

func TestPipelineSurfacesCrawlAndStorageErrors(t *testing.T) {
	t.Parallel()

	crawlErr := &fakeCrawler{result: sampleResult(), err: context.Canceled}
	_, err := NewPipeline(crawlErr, nil, newFakeRunStore(), PipelineConfig{}, nil).
		Execute(context.Background(), "", sampleRequest())
	require.ErrorIs(t, err, context.Canceled)

	runs := newFakeRunStore()
	runs.findErr = errors.New("redis unavailable")
	_, err = NewPipeline(&fakeCrawler{}, nil, runs, PipelineConfig{}, nil).
		Execute(context.Background(), "", sampleRequest())
	require.ErrorContains(t, err, "check recent runs")

	runs = newFakeRunStore()
	runs.storeErr = errors.New("write failed")
	_, err = NewPipeline(&fakeCrawler{result: sampleResult()}, nil, runs, PipelineConfig{}, nil).
		Execute(context.Background(), "", sampleRequest())
	require.ErrorContains(t, err, "store run")

	_, err = NewPipeline(&fakeCrawler{}, nil, newFakeRunStore(), PipelineConfig{}, nil).
		Execute(context.Background(), "", crawler.CrawlRequest{SeedURL: "mailto:a@b.c", PageBudget: 1, Workers: 1})
	require.ErrorIs(t, err, crawler.ErrMalformedInput)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("pubsub down")
}
