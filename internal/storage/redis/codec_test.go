package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

func TestParseRunID(t *testing.T) {
	t.Parallel()

	url, epoch, ok := ParseRunID("crawl:https://example.com:8443/docs:1714564800")
	require.True(t, ok)
	require.Equal(t, "https://example.com:8443/docs", url)
	require.EqualValues(t, 1714564800, epoch)

	for _, bad := range []string{"", "run:http://x:1", "crawl:http://x", "crawl::1", "crawl:http://x:abc"} {
		_, _, ok := ParseRunID(bad)
		require.False(t, ok, bad)
	}
	require.Equal(t, "crawl:http://example.com:42", FormatRunID("http://example.com", 42))
}

func TestDecodePageReadsLegacyLayout(t *testing.T) {
	t.Parallel()

	page, errs := decodePage(map[string]string{
		"url":          "http://example.com",
		"title":        "Old",
		"status_code":  "200",
		"load_time":    "0.25",
		"top_words":    `{"a": 2, "b": 3, "c": 2}`,
		"health_check": `{"url": "http://example.com", "status": "error", "error": "boom"}`,
		"timestamp":    "2024-05-01T12:00:00.123456",
	})
	require.Empty(t, errs)
	require.Equal(t, 250*time.Millisecond, page.LoadTime)
	require.Equal(t, []crawler.WordCount{
		{Word: "b", Count: 3},
		{Word: "a", Count: 2},
		{Word: "c", Count: 2},
	}, page.TopWords)
	require.NotNil(t, page.HealthCheck)
	require.Equal(t, "boom", page.HealthCheck.Error)
	require.Equal(t, crawler.FetchOther, page.HealthCheck.ErrorKind)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC), page.Timestamp)
}

func TestDecodePageCollectsFieldErrors(t *testing.T) {
	t.Parallel()

	page, errs := decodePage(map[string]string{
		"codec_version":   "1",
		"url":             "http://example.com",
		"status_code":     "two hundred",
		"responsive_meta": "maybe",
		"internal_links":  "[",
		"seo_metrics":     `{"has_schema": true}`,
		"timestamp":       "yesterday",
	})
	require.Len(t, errs, 4)
	var fieldErr *FieldError
	require.ErrorAs(t, errs[0], &fieldErr)
	require.Equal(t, "status_code", fieldErr.Field)

	require.Equal(t, "http://example.com", page.URL)
	require.Zero(t, page.StatusCode)
	require.False(t, page.ResponsiveMeta)
	require.Nil(t, page.InternalLinks)
	require.True(t, page.SEO.HasSchema)
	require.True(t, page.Timestamp.IsZero())
	require.NotNil(t, page.Headings)
	require.Nil(t, page.HealthCheck)
}

func TestEncodePageWritesVersion(t *testing.T) {
	t.Parallel()

	fields, err := encodePage(crawler.PageReport{URL: "http://example.com"})
	require.NoError(t, err)
	require.Equal(t, codecVersion, fields[fieldVersion])
	require.Equal(t, "null", fields["health_check"])
}
