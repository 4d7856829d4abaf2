package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, clock crawler.Clock, cfg Config) *Engine {
	t.Helper()
	cfg.DialTimeout = 250 * time.Millisecond
	cfg.ReconnectBackoff = 5 * time.Millisecond
	e, err := New(context.Background(), cfg, zap.NewNop(), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func samplePage(url string) crawler.PageReport {
	return crawler.PageReport{
		URL:             url,
		StatusCode:      200,
		Title:           "Home",
		LoadTime:        1500 * time.Millisecond,
		ContentLength:   2048,
		InternalLinks:   []string{url + "about"},
		ExternalLinks:   []string{"https://other.example/"},
		ImagesFound:     3,
		Scripts:         2,
		Stylesheets:     1,
		Forms:           1,
		H1Count:         1,
		Headings:        map[string]int{"h1": 1, "h2": 4},
		WordCount:       120,
		TopWords:        []crawler.WordCount{{Word: "go", Count: 7}, {Word: "crawl", Count: 3}},
		MetaTags:        map[string]string{"description": "d"},
		Headers:         map[string]string{"Content-Type": "text/html"},
		ResponsiveMeta:  true,
		TextToHTMLRatio: 12.34,
		Languages:       []string{"en"},
		SocialLinks:     map[string]string{"twitter": "https://twitter.com/x"},
		SEO:             crawler.SEOMetrics{MetaDescription: "d", SitemapLinks: []string{"/sitemap.xml"}, HasSchema: true},
		Performance:     crawler.PerformanceMetrics{TotalLoadTime: 1.5, ScriptCount: 2, ResourceHints: []string{}},
		Accessibility:   crawler.AccessibilityMetrics{ImagesWithAlt: 2, LanguageSpecified: true},
		SecurityHeaders: map[string]string{"X-Frame-Options": "DENY"},
		Technologies:    crawler.Technologies{Detected: []string{"jquery"}, CMS: "Hugo"},
		ContentHash:     "abc",
		Timestamp:       time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC),
		HealthCheck:     &crawler.HealthCheckResult{URL: url, StatusCode: 200, ResponseTime: 20 * time.Millisecond},
	}
}

func sampleRun(seed string, clock crawler.Clock) (crawler.CrawlSummary, []crawler.PageReport) {
	pages := []crawler.PageReport{samplePage(seed), samplePage(seed + "about")}
	return crawler.Summarize(seed, pages, clock.Now()), pages
}

func TestStoreRunRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}})
	ctx := context.Background()

	summary, pages := sampleRun("http://example.com/", clock)
	id, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)
	require.Equal(t, FormatRunID("http://example.com", clock.Now().Unix()), id)

	record, err := e.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, id, record.RunID)
	require.Equal(t, summary, record.Summary)
	require.Equal(t, pages, record.Pages)
}

func TestStoreRunAppliesRetentionTTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}, RetentionTTL: time.Hour})
	ctx := context.Background()

	summary, pages := sampleRun("http://example.com", clock)
	id, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)
	require.Equal(t, time.Hour, mr.TTL(summaryKey(id)))
	require.Equal(t, time.Hour, mr.TTL(pagesKey(id)))
	require.Equal(t, time.Hour, mr.TTL(pageKey(id, 1)))

	mr.FastForward(2 * time.Hour)
	record, err := e.GetRun(ctx, id)
	require.NoError(t, err)
	require.Nil(t, record)

	runs, err := e.ListRuns(ctx)
	require.NoError(t, err)
	require.Empty(t, runs)
	require.False(t, mr.Exists(allRunsKey))
}

func TestDefaultRetentionIsThirtyDays(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}})

	summary, pages := sampleRun("http://example.com", clock)
	id, err := e.StoreRun(context.Background(), summary, pages)
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, mr.TTL(summaryKey(id)))
}

func TestStoreRunDeduplicatesWithinFreshnessWindow(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}})
	ctx := context.Background()

	summary, pages := sampleRun("http://example.com/", clock)
	first, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	summary.StartURL = "http://example.com"
	second, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)
	require.Equal(t, first, second)

	found, ok, err := e.FindRecent(ctx, "http://example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, found)

	// a URL that merely contains the seed is a different site
	other, _ := sampleRun("http://example.com/path", clock)
	otherID, err := e.StoreRun(ctx, other, pages)
	require.NoError(t, err)
	require.NotEqual(t, first, otherID)

	clock.Advance(24 * time.Hour)
	third, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestStoreRunForceRefreshWritesNewRun(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}})
	ctx := context.Background()

	summary, pages := sampleRun("http://example.com", clock)
	first, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)
	second, err := e.StoreRun(ctx, summary, pages, crawler.WithForceRefresh())
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	runs, err := e.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second, runs[0].RunID)
	require.Equal(t, first, runs[1].RunID)
}

func TestStoreRunRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}})
	ctx := context.Background()

	summary, _ := sampleRun("http://example.com", clock)
	id, err := e.StoreRun(ctx, summary, nil)
	require.NoError(t, err)
	require.Empty(t, id)

	id, err = e.StoreRun(ctx, summary, []crawler.PageReport{{URL: ""}})
	require.NoError(t, err)
	require.Empty(t, id)

	require.Empty(t, mr.Keys())
}

func TestDeleteRunIsIdempotent(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{mr.Addr()}})
	ctx := context.Background()

	summary, pages := sampleRun("http://example.com", clock)
	id, err := e.StoreRun(ctx, summary, pages)
	require.NoError(t, err)

	require.NoError(t, e.DeleteRun(ctx, id))
	record, err := e.GetRun(ctx, id)
	require.NoError(t, err)
	require.Nil(t, record)
	require.Empty(t, mr.Keys())

	require.NoError(t, e.DeleteRun(ctx, id))
	require.NoError(t, e.DeleteRun(ctx, "crawl:http://unknown.example:1"))
}

func TestGetRunUnknownIsNil(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	e := newTestEngine(t, newFakeClock(), Config{Endpoints: []string{mr.Addr()}})

	record, err := e.GetRun(context.Background(), "crawl:http://nowhere.example:1")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestGetRunDefaultsUndecodableFields(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	e := newTestEngine(t, newFakeClock(), Config{Endpoints: []string{mr.Addr()}})

	id := "crawl:http://example.com:1714564800"
	mr.HSet(summaryKey(id), "pages_visited", "1", "start_url", "http://example.com", "total_words", "oops")
	mr.HSet(pageKey(id, 0), "codec_version", "1", "url", "http://example.com", "word_count", "10", "meta_tags", "{not json")
	_, err := mr.Push(pagesKey(id), pageKey(id, 0))
	require.NoError(t, err)

	record, err := e.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, 1, record.Summary.PagesVisited)
	require.Zero(t, record.Summary.TotalWords)
	require.Len(t, record.Pages, 1)
	require.Equal(t, "http://example.com", record.Pages[0].URL)
	require.Equal(t, 10, record.Pages[0].WordCount)
	require.Empty(t, record.Pages[0].MetaTags)
	require.NotNil(t, record.Pages[0].MetaTags)
}

func TestEngineFailsOverToNextEndpoint(t *testing.T) {
	t.Parallel()

	primary := miniredis.RunT(t)
	replica := miniredis.RunT(t)
	clock := newFakeClock()
	e := newTestEngine(t, clock, Config{Endpoints: []string{primary.Addr(), replica.Addr()}})
	require.Equal(t, primary.Addr(), e.Endpoint())
	require.Equal(t, StateConnected, e.State())

	primary.Close()

	summary, pages := sampleRun("http://example.com", clock)
	id, err := e.StoreRun(context.Background(), summary, pages)
	require.NoError(t, err)
	require.Equal(t, replica.Addr(), e.Endpoint())
	require.Equal(t, StateConnected, e.State())
	require.True(t, replica.Exists(summaryKey(id)))
}

func TestEngineClosesSupersededClientOnFailover(t *testing.T) {
	t.Parallel()

	primary := miniredis.RunT(t)
	replica := miniredis.RunT(t)
	e := newTestEngine(t, newFakeClock(), Config{Endpoints: []string{primary.Addr(), replica.Addr()}})

	e.mu.Lock()
	old := e.client
	e.mu.Unlock()

	primary.Close()
	require.NoError(t, e.Ping(context.Background()))
	require.Equal(t, replica.Addr(), e.Endpoint())

	e.mu.Lock()
	current := e.client
	e.mu.Unlock()
	require.NotSame(t, old, current)
	require.ErrorIs(t, old.Ping(context.Background()).Err(), redis.ErrClosed)
}

func TestEngineSurfacesConnectivityErrorAndRecovers(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	e := newTestEngine(t, newFakeClock(), Config{Endpoints: []string{mr.Addr()}, ReconnectAttempts: 2})
	ctx := context.Background()

	mr.Close()
	_, err := e.GetRun(ctx, "crawl:http://example.com:1")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	var connErr *StorageConnectivityError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "get_run", connErr.Op)
	require.Equal(t, StateDegraded, e.State())

	summary, pages := sampleRun("http://example.com", newFakeClock())
	_, err = e.StoreRun(ctx, summary, pages)
	require.ErrorIs(t, err, ErrStorageUnavailable)

	require.NoError(t, mr.Restart())
	require.NoError(t, e.Ping(ctx))
	require.Equal(t, StateConnected, e.State())
}

func TestNewFailsWithoutLiveEndpoint(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{
		Endpoints:   []string{addr},
		DialTimeout: 250 * time.Millisecond,
	}, nil)
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestEngineStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "degraded", StateDegraded.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
}
