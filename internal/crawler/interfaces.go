package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists service job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// JobUpdate carries the mutable fields of a job.
type JobUpdate struct {
	Status       JobStatus
	ErrorText    string
	RunID        string
	Deduplicated bool
	Counters     JobCounters
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher performs single-attempt page fetches and HEAD requests.
type Fetcher interface {
	Get(ctx context.Context, url string, timeout time.Duration) (Response, error)
	Head(ctx context.Context, url string, timeout time.Duration) (HeadResponse, error)
}

// Analyzer turns a fetched response into a PageReport.
type Analyzer interface {
	Analyze(url string, resp Response) PageReport
}

// RunStore persists and retrieves crawl runs.
type RunStore interface {
	StoreRun(ctx context.Context, summary CrawlSummary, pages []PageReport, opts ...StoreOption) (string, error)
	FindRecent(ctx context.Context, seedURL string) (string, bool, error)
	GetRun(ctx context.Context, runID string) (*CrawlRecord, error)
	ListRuns(ctx context.Context) ([]RunListing, error)
	DeleteRun(ctx context.Context, runID string) error
}

// StoreOptions tunes a single StoreRun call.
type StoreOptions struct {
	ForceRefresh bool
}

// StoreOption mutates StoreOptions.
type StoreOption func(*StoreOptions)

// WithForceRefresh skips the freshness-window short-circuit.
func WithForceRefresh() StoreOption {
	return func(o *StoreOptions) { o.ForceRefresh = true }
}

// ApplyStoreOptions folds opts into a StoreOptions value.
func ApplyStoreOptions(opts ...StoreOption) StoreOptions {
	var o StoreOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// RunArchive records completed runs in a relational store.
type RunArchive interface {
	RecordRun(ctx context.Context, runID string, summary CrawlSummary) error
	DeleteRun(ctx context.Context, runID string) error
}

// RateLimiter blocks until a request to url may proceed.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Request   CrawlRequest
	Submitted int64
}
