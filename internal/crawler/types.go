package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// CrawlRequest describes one crawl run. It is immutable once the run starts.
type CrawlRequest struct {
	SeedURL      string        `json:"url"`
	PageBudget   int           `json:"max_pages"`
	MaxRetries   int           `json:"max_retries"`
	Delay        time.Duration `json:"delay"`
	Workers      int           `json:"max_workers"`
	ForceRefresh bool          `json:"force_refresh"`
}

// Validate rejects requests the scheduler cannot run.
func (r CrawlRequest) Validate() error {
	if err := ValidateSeedURL(r.SeedURL); err != nil {
		return err
	}
	if r.PageBudget <= 0 {
		return errors.New("page budget must be > 0")
	}
	if r.Workers <= 0 {
		return errors.New("worker count must be > 0")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if r.Delay < 0 {
		return errors.New("delay must be >= 0")
	}
	return nil
}

// ValidateSeedURL accepts absolute http(s) URLs with a host.
func ValidateSeedURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: seed url is required", ErrMalformedInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse seed url: %v", ErrMalformedInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: seed url must use http or https", ErrMalformedInput)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: seed url must include a host", ErrMalformedInput)
	}
	return nil
}

// Job represents a crawl submitted through the service API.
type Job struct {
	ID           string       `json:"id"`
	Status       JobStatus    `json:"status"`
	Submitted    time.Time    `json:"submitted_at"`
	Started      *time.Time   `json:"started_at,omitempty"`
	Finished     *time.Time   `json:"finished_at,omitempty"`
	ErrorText    string       `json:"error_text,omitempty"`
	Request      CrawlRequest `json:"request"`
	RunID        string       `json:"run_id,omitempty"`
	Deduplicated bool         `json:"deduplicated"`
	Counters     JobCounters  `json:"counters"`
}

// JobCounters tracks success/failure stats per job.
type JobCounters struct {
	PagesSucceeded int `json:"pages_succeeded"`
	PagesFailed    int `json:"pages_failed"`
	Retries        int `json:"retries"`
}

// Response is a raw page fetch result. Non-2xx statuses are still responses.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Elapsed    time.Duration
}

// HeadResponse is the outcome of a HEAD request.
type HeadResponse struct {
	URL        string
	StatusCode int
	Elapsed    time.Duration
}

// WordCount is one entry of a page's word frequency table.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// SEOMetrics summarises search-engine related markup.
type SEOMetrics struct {
	MetaDescription string   `json:"meta_description"`
	CanonicalURL    string   `json:"canonical_url"`
	RobotsMeta      string   `json:"robots_meta"`
	SitemapLinks    []string `json:"sitemap_links"`
	HasSchema       bool     `json:"has_schema"`
}

// PerformanceMetrics summarises page weight indicators.
type PerformanceMetrics struct {
	TotalLoadTime float64  `json:"total_load_time"`
	ScriptCount   int      `json:"script_count"`
	CSSCount      int      `json:"css_count"`
	ImageSize     int      `json:"image_size"`
	TotalLinks    int      `json:"total_links"`
	ResourceHints []string `json:"resource_hints"`
}

// AccessibilityMetrics summarises accessibility markup.
type AccessibilityMetrics struct {
	ImagesWithAlt     int  `json:"images_with_alt"`
	AriaLandmarks     int  `json:"aria_landmarks"`
	FormLabels        int  `json:"form_labels"`
	SkipLinks         int  `json:"skip_links"`
	LanguageSpecified bool `json:"language_specified"`
}

// Technologies lists detected framework signatures and the generator CMS.
type Technologies struct {
	Detected []string `json:"detected"`
	CMS      string   `json:"cms,omitempty"`
}

// HealthCheckResult is the post-crawl HEAD check outcome for one URL. Failures are
// recorded through ErrorKind and Error rather than by omission.
type HealthCheckResult struct {
	URL          string         `json:"url"`
	StatusCode   int            `json:"status,omitempty"`
	ErrorKind    FetchErrorKind `json:"error_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	ResponseTime time.Duration  `json:"response_time"`
}

// Healthy reports whether the check succeeded with a non-error status.
func (h HealthCheckResult) Healthy() bool {
	return h.ErrorKind == "" && h.StatusCode > 0 && h.StatusCode < 400
}

// PageReport is the structured analysis of one fetched page.
type PageReport struct {
	URL             string               `json:"url"`
	StatusCode      int                  `json:"status_code"`
	Title           string               `json:"title"`
	LoadTime        time.Duration        `json:"load_time"`
	ContentLength   int                  `json:"content_length"`
	InternalLinks   []string             `json:"internal_links"`
	ExternalLinks   []string             `json:"external_links"`
	ImagesFound     int                  `json:"images_found"`
	Scripts         int                  `json:"scripts"`
	Stylesheets     int                  `json:"stylesheets"`
	Forms           int                  `json:"forms"`
	H1Count         int                  `json:"h1_count"`
	Headings        map[string]int       `json:"headings"`
	WordCount       int                  `json:"word_count"`
	TopWords        []WordCount          `json:"top_words"`
	MetaTags        map[string]string    `json:"meta_tags"`
	Headers         map[string]string    `json:"headers"`
	ResponsiveMeta  bool                 `json:"responsive_meta"`
	TextToHTMLRatio float64              `json:"text_to_html_ratio"`
	Languages       []string             `json:"languages"`
	SocialLinks     map[string]string    `json:"social_links"`
	SEO             SEOMetrics           `json:"seo_metrics"`
	Performance     PerformanceMetrics   `json:"performance_metrics"`
	Accessibility   AccessibilityMetrics `json:"accessibility"`
	SecurityHeaders map[string]string    `json:"security_headers"`
	Technologies    Technologies         `json:"technologies"`
	ContentHash     string               `json:"content_hash,omitempty"`
	SnapshotURI     string               `json:"snapshot_uri,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
	HealthCheck     *HealthCheckResult   `json:"health_check,omitempty"`
}

// CrawlSummary aggregates a completed run.
type CrawlSummary struct {
	PagesVisited int       `json:"pages_visited"`
	StartURL     string    `json:"start_url"`
	CrawlTime    time.Time `json:"crawl_time"`
	TotalWords   int       `json:"total_words"`
	TotalImages  int       `json:"total_images"`
}

// Summarize builds the run summary for the given pages.
func Summarize(seedURL string, pages []PageReport, completed time.Time) CrawlSummary {
	summary := CrawlSummary{
		PagesVisited: len(pages),
		StartURL:     seedURL,
		CrawlTime:    completed.UTC(),
	}
	for _, p := range pages {
		summary.TotalWords += p.WordCount
		summary.TotalImages += p.ImagesFound
	}
	return summary
}

// CrawlRecord is a persisted run: its summary plus every page report.
type CrawlRecord struct {
	RunID   string       `json:"run_id"`
	Summary CrawlSummary `json:"summary"`
	Pages   []PageReport `json:"pages"`
}

// RunListing is one entry in the run history.
type RunListing struct {
	RunID   string       `json:"run_id"`
	Summary CrawlSummary `json:"summary"`
}

// RunResult is what the scheduler hands back after traversal.
type RunResult struct {
	Pages   []PageReport
	Visited []string
	Failed  []string
	Retries int
}
