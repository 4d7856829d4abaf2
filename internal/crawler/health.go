package crawler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthChecker checks visited URLs once traversal has finished.
type HealthChecker struct {
	fetcher Fetcher
	limiter RateLimiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker builds a HealthChecker issuing HEAD requests through fetcher.
// limiter may be nil.
func NewHealthChecker(fetcher Fetcher, limiter RateLimiter, timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{fetcher: fetcher, limiter: limiter, timeout: timeout, logger: logger}
}

// Check sends HEAD to every URL with at most workers requests in flight. The returned
// slice is index-aligned with urls and every entry is populated.
func (h *HealthChecker) Check(ctx context.Context, urls []string, workers int) []HealthCheckResult {
	if workers <= 0 {
		workers = 1
	}
	out := make([]HealthCheckResult, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, u := range urls {
		g.Go(func() error {
			out[i] = h.checkOne(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	unhealthy := 0
	for _, r := range out {
		if !r.Healthy() {
			unhealthy++
		}
	}
	h.logger.Info("health check finished", zap.Int("checked", len(urls)), zap.Int("unhealthy", unhealthy))
	return out
}

// Attach runs Check over the pages' URLs and stores each result on its page.
func (h *HealthChecker) Attach(ctx context.Context, pages []PageReport, workers int) {
	urls := make([]string, len(pages))
	for i, p := range pages {
		urls[i] = p.URL
	}
	results := h.Check(ctx, urls, workers)
	for i := range pages {
		r := results[i]
		pages[i].HealthCheck = &r
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, url string) HealthCheckResult {
	result := HealthCheckResult{URL: url}
	start := time.Now()
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx, url); err != nil {
			fe := NewFetchError(url, err)
			result.ErrorKind = fe.Kind
			result.Error = err.Error()
			return result
		}
	}
	resp, err := h.fetcher.Head(ctx, url, h.timeout)
	if err != nil {
		fe := NewFetchError(url, err)
		result.ErrorKind = fe.Kind
		result.Error = fe.Err.Error()
		result.ResponseTime = time.Since(start)
		return result
	}
	result.StatusCode = resp.StatusCode
	result.ResponseTime = resp.Elapsed
	return result
}
