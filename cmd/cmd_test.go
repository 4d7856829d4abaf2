package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/app"
	"github.com/JakeFAU/siteaudit/internal/config"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/worker"
)

// MockRunStore mocks crawler.RunStore.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) StoreRun(ctx context.Context, summary crawler.CrawlSummary, pages []crawler.PageReport, _ ...crawler.StoreOption) (string, error) {
	args := m.Called(ctx, summary, pages)
	return args.String(0), args.Error(1)
}

func (m *MockRunStore) FindRecent(ctx context.Context, seedURL string) (string, bool, error) {
	args := m.Called(ctx, seedURL)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockRunStore) GetRun(ctx context.Context, runID string) (*crawler.CrawlRecord, error) {
	args := m.Called(ctx, runID)
	record, _ := args.Get(0).(*crawler.CrawlRecord)
	return record, args.Error(1)
}

func (m *MockRunStore) ListRuns(ctx context.Context) ([]crawler.RunListing, error) {
	args := m.Called(ctx)
	runs, _ := args.Get(0).([]crawler.RunListing)
	return runs, args.Error(1)
}

func (m *MockRunStore) DeleteRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

type fakeExecutor struct {
	outcome worker.Outcome
	err     error
	jobID   string
	req     crawler.CrawlRequest
}

func (e *fakeExecutor) Execute(_ context.Context, jobID string, req crawler.CrawlRequest) (worker.Outcome, error) {
	e.jobID = jobID
	e.req = req
	return e.outcome, e.err
}

type fakeArchive struct{ deleted []string }

func (a *fakeArchive) RecordRun(context.Context, string, crawler.CrawlSummary) error { return nil }

func (a *fakeArchive) DeleteRun(_ context.Context, runID string) error {
	a.deleted = append(a.deleted, runID)
	return nil
}

type fakeApp struct {
	executor *fakeExecutor
	runs     *MockRunStore
	archive  *fakeArchive
	served   bool
	closed   bool
}

func (a *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (a *fakeApp) Executor() worker.Executor { return a.executor }

func (a *fakeApp) RunStore() crawler.RunStore { return a.runs }

func (a *fakeApp) Serve(context.Context) error {
	a.served = true
	return nil
}

func (a *fakeApp) Close(context.Context) error {
	a.closed = true
	return nil
}

func (a *fakeApp) Archive() crawler.RunArchive {
	if a.archive == nil {
		return nil
	}
	return a.archive
}

func installFakeApp(t *testing.T, fake *fakeApp) *int {
	t.Helper()
	builds := 0
	original := newApp
	newApp = func(context.Context, config.Config, ...app.Option) (App, error) {
		builds++
		return fake, nil
	}
	t.Cleanup(func() { newApp = original })
	return &builds
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func sampleRecord() *crawler.CrawlRecord {
	crawled := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &crawler.CrawlRecord{
		RunID: "crawl:https://example.com:1714564800",
		Summary: crawler.CrawlSummary{
			PagesVisited: 2,
			StartURL:     "https://example.com",
			CrawlTime:    crawled,
			TotalWords:   120,
		},
		Pages: []crawler.PageReport{
			{
				URL:         "https://example.com",
				StatusCode:  http.StatusOK,
				LoadTime:    120 * time.Millisecond,
				WordCount:   100,
				HealthCheck: &crawler.HealthCheckResult{URL: "https://example.com", StatusCode: http.StatusOK},
			},
			{
				URL:         "https://example.com/gone",
				StatusCode:  http.StatusNotFound,
				WordCount:   20,
				HealthCheck: &crawler.HealthCheckResult{URL: "https://example.com/gone", StatusCode: http.StatusNotFound},
			},
		},
	}
}

func TestCrawlCommandPrintsRun(t *testing.T) {
	record := sampleRecord()
	runs := &MockRunStore{}
	runs.On("GetRun", mock.Anything, record.RunID).Return(record, nil)
	fake := &fakeApp{
		executor: &fakeExecutor{outcome: worker.Outcome{RunID: record.RunID}},
		runs:     runs,
	}
	installFakeApp(t, fake)

	out, err := execute(t, "crawl", "https://example.com",
		"--max-pages", "3", "--delay", "0s", "--force", "--no-progress")
	require.NoError(t, err)
	require.Contains(t, out, record.RunID)
	require.Contains(t, out, "Pages:   2")
	require.Contains(t, out, "https://example.com/gone")
	require.Contains(t, out, "http 404")

	require.Equal(t, 3, fake.executor.req.PageBudget)
	require.Zero(t, fake.executor.req.Delay)
	require.True(t, fake.executor.req.ForceRefresh)
	require.Equal(t, 3, fake.executor.req.MaxRetries)
	require.NotEmpty(t, fake.executor.jobID)
	require.True(t, fake.closed)
	runs.AssertExpectations(t)
}

func TestCrawlCommandJSONOutput(t *testing.T) {
	record := sampleRecord()
	runs := &MockRunStore{}
	runs.On("GetRun", mock.Anything, record.RunID).Return(record, nil)
	installFakeApp(t, &fakeApp{
		executor: &fakeExecutor{outcome: worker.Outcome{RunID: record.RunID, Deduplicated: true}},
		runs:     runs,
	})

	out, err := execute(t, "crawl", "https://example.com", "--json")
	require.NoError(t, err)
	var decoded crawler.CrawlRecord
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, record.RunID, decoded.RunID)
	require.Len(t, decoded.Pages, 2)
}

func TestCrawlCommandZeroPages(t *testing.T) {
	installFakeApp(t, &fakeApp{executor: &fakeExecutor{}, runs: &MockRunStore{}})

	out, err := execute(t, "crawl", "https://example.com", "--no-progress")
	require.NoError(t, err)
	require.Contains(t, out, "No pages could be fetched")
}

func TestCrawlCommandKeepsConfigDefaultsForUnsetFlags(t *testing.T) {
	fake := &fakeApp{executor: &fakeExecutor{}, runs: &MockRunStore{}}
	installFakeApp(t, fake)

	_, err := execute(t, "crawl", "https://example.com", "--no-progress")
	require.NoError(t, err)
	require.Equal(t, time.Second, fake.executor.req.Delay)
	require.Equal(t, 3, fake.executor.req.MaxRetries)

	_, err = execute(t, "crawl", "https://example.com", "--no-progress", "--max-retries", "0", "--delay", "250ms")
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, fake.executor.req.Delay)
	require.Zero(t, fake.executor.req.MaxRetries)

	help, err := execute(t, "crawl", "--help")
	require.NoError(t, err)
	require.NotContains(t, help, "-1")
}

func TestCrawlCommandRejectsBadSeedBeforeBuilding(t *testing.T) {
	builds := installFakeApp(t, &fakeApp{executor: &fakeExecutor{}, runs: &MockRunStore{}})

	_, err := execute(t, "crawl", "ftp://example.com")
	require.ErrorIs(t, err, crawler.ErrMalformedInput)
	require.Zero(t, *builds)
}

func TestCrawlCommandSurfacesPipelineError(t *testing.T) {
	fake := &fakeApp{executor: &fakeExecutor{err: errors.New("store run: redis down")}, runs: &MockRunStore{}}
	installFakeApp(t, fake)

	_, err := execute(t, "crawl", "https://example.com", "--no-progress")
	require.ErrorContains(t, err, "redis down")
	require.True(t, fake.closed)
}

func TestRunsListAndShow(t *testing.T) {
	record := sampleRecord()
	runs := &MockRunStore{}
	runs.On("ListRuns", mock.Anything).Return([]crawler.RunListing{
		{RunID: record.RunID, Summary: record.Summary},
		{RunID: "crawl:https://other.example:1714560000", Summary: crawler.CrawlSummary{PagesVisited: 1}},
	}, nil)
	runs.On("GetRun", mock.Anything, record.RunID).Return(record, nil)
	runs.On("GetRun", mock.Anything, "missing").Return(nil, nil)
	installFakeApp(t, &fakeApp{executor: &fakeExecutor{}, runs: runs})

	out, err := execute(t, "runs", "list", "--limit", "1")
	require.NoError(t, err)
	require.Contains(t, out, record.RunID)
	require.NotContains(t, out, "other.example")

	out, err = execute(t, "runs", "show", record.RunID)
	require.NoError(t, err)
	require.Contains(t, out, "Seed:    https://example.com")

	_, err = execute(t, "runs", "show", "missing")
	require.ErrorContains(t, err, "not found")
}

func TestRunsDeleteAlsoClearsArchive(t *testing.T) {
	runs := &MockRunStore{}
	runs.On("DeleteRun", mock.Anything, "run-a").Return(nil)
	runs.On("DeleteRun", mock.Anything, "run-b").Return(nil)
	archive := &fakeArchive{}
	installFakeApp(t, &fakeApp{executor: &fakeExecutor{}, runs: runs, archive: archive})

	out, err := execute(t, "runs", "delete", "run-a", "run-b")
	require.NoError(t, err)
	require.Contains(t, out, "deleted run-a")
	require.Equal(t, []string{"run-a", "run-b"}, archive.deleted)
	runs.AssertExpectations(t)
}

func TestServeCommandRunsService(t *testing.T) {
	fake := &fakeApp{executor: &fakeExecutor{}, runs: &MockRunStore{}}
	installFakeApp(t, fake)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, fake.served)
}

func TestConfigFlagRejectsMissingFile(t *testing.T) {
	installFakeApp(t, &fakeApp{executor: &fakeExecutor{}, runs: &MockRunStore{}})

	_, err := execute(t, "--config", "/nonexistent/siteaudit.yaml", "runs", "list")
	require.ErrorContains(t, err, "load config")
}
