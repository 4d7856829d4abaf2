package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCrawlRequestValidate(t *testing.T) {
	t.Parallel()

	valid := CrawlRequest{SeedURL: "https://example.com", PageBudget: 5, MaxRetries: 3, Workers: 2}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*CrawlRequest){
		"empty seed":     func(r *CrawlRequest) { r.SeedURL = "" },
		"no host":        func(r *CrawlRequest) { r.SeedURL = "https://" },
		"bad scheme":     func(r *CrawlRequest) { r.SeedURL = "ftp://example.com" },
		"zero budget":    func(r *CrawlRequest) { r.PageBudget = 0 },
		"zero workers":   func(r *CrawlRequest) { r.Workers = 0 },
		"negative retry": func(r *CrawlRequest) { r.MaxRetries = -1 },
		"negative delay": func(r *CrawlRequest) { r.Delay = -time.Second },
	} {
		req := valid
		mutate(&req)
		require.Error(t, req.Validate(), name)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	done := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	summary := Summarize("https://example.com", []PageReport{
		{WordCount: 10, ImagesFound: 2},
		{WordCount: 5, ImagesFound: 1},
	}, done)

	require.Equal(t, CrawlSummary{
		PagesVisited: 2,
		StartURL:     "https://example.com",
		CrawlTime:    done.UTC(),
		TotalWords:   15,
		TotalImages:  3,
	}, summary)

	empty := Summarize("https://example.com", nil, done)
	require.Zero(t, empty.PagesVisited)
	require.Zero(t, empty.TotalWords)
}

func TestHealthCheckResultHealthy(t *testing.T) {
	t.Parallel()

	require.True(t, HealthCheckResult{StatusCode: 200}.Healthy())
	require.True(t, HealthCheckResult{StatusCode: 301}.Healthy())
	require.False(t, HealthCheckResult{StatusCode: 404}.Healthy())
	require.False(t, HealthCheckResult{ErrorKind: FetchTimeout}.Healthy())
	require.False(t, HealthCheckResult{}.Healthy())
}
