// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each call
// runs on a clone of a base collector, so calls are independent attempts.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type outcome struct {
	status  int
	headers http.Header
	body    []byte
	url     string
	err     error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	// Clones share the backend client, so its fixed timeout is cleared and the
	// per-call context deadline bounds each request.
	c.SetRequestTimeout(0)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Get performs one GET. Non-2xx statuses are returned as responses; every
// failure is a *crawler.FetchError.
func (f *Fetcher) Get(ctx context.Context, url string, timeout time.Duration) (crawler.Response, error) {
	start := time.Now()
	out, err := f.do(ctx, http.MethodGet, url, timeout)
	if err != nil {
		return crawler.Response{}, crawler.NewFetchError(url, err)
	}
	return crawler.Response{
		URL:        out.url,
		StatusCode: out.status,
		Headers:    out.headers,
		Body:       out.body,
		Elapsed:    time.Since(start),
	}, nil
}

// Head performs one HEAD request.
func (f *Fetcher) Head(ctx context.Context, url string, timeout time.Duration) (crawler.HeadResponse, error) {
	start := time.Now()
	out, err := f.do(ctx, http.MethodHead, url, timeout)
	if err != nil {
		return crawler.HeadResponse{}, crawler.NewFetchError(url, err)
	}
	return crawler.HeadResponse{
		URL:        out.url,
		StatusCode: out.status,
		Elapsed:    time.Since(start),
	}, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string, timeout time.Duration) (outcome, error) {
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	collector := f.baseCollector.Clone()
	collector.Context = reqCtx

	var out outcome
	configureCollectorHooks(collector, &out)

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(url)
			return
		}
		done <- collector.Visit(url)
	}()

	select {
	case <-reqCtx.Done():
		return outcome{}, reqCtx.Err()
	case err := <-done:
		if err != nil {
			return outcome{}, err
		}
		if out.err != nil {
			return outcome{}, out.err
		}
		return out, nil
	}
}

func configureCollectorHooks(hooks collectorHooks, out *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		out.status = r.StatusCode
		out.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			out.headers = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			out.url = r.Request.URL.String()
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		out.err = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
