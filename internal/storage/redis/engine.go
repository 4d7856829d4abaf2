// Package redisstore persists crawl runs in Redis.
//
// The Engine keeps one live client chosen from a prioritised endpoint list.
// Every operation first PINGs the current endpoint; a failed PING moves the
// engine to Degraded and re-runs endpoint selection before the operation
// proceeds or fails with a *StorageConnectivityError.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/clock/system"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/metrics"
)

const (
	allRunsKey = "all_crawls"

	defaultDialTimeout       = 2 * time.Second
	defaultRetentionTTL      = 30 * 24 * time.Hour
	defaultFreshnessWindow   = 24 * time.Hour
	defaultReconnectAttempts = 3
	defaultReconnectBackoff  = 200 * time.Millisecond
	maxReconnectBackoff      = 5 * time.Second
)

// ErrStorageUnavailable is matched by every connectivity failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// StorageConnectivityError is returned when no endpoint answered a liveness
// PING after the configured reconnect attempts.
type StorageConnectivityError struct {
	Op        string
	Endpoints []string
	Err       error
}

func (e *StorageConnectivityError) Error() string {
	return fmt.Sprintf("redis %s: no live endpoint among %s: %v", e.Op, strings.Join(e.Endpoints, ","), e.Err)
}

func (e *StorageConnectivityError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorageUnavailable) hold.
func (e *StorageConnectivityError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// State is the engine's connectivity state.
type State int32

// Connectivity states.
const (
	StateDisconnected State = iota
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Config controls endpoint selection and retention.
type Config struct {
	// Endpoints are host:port addresses in priority order.
	Endpoints         []string
	Password          string
	DB                int
	DialTimeout       time.Duration
	RetentionTTL      time.Duration
	FreshnessWindow   time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for run IDs and freshness checks.
func WithClock(c crawler.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// Engine implements crawler.RunStore on Redis.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	clock  crawler.Clock
	retry  crawler.RetryPolicy

	mu       sync.Mutex
	client   *redis.Client
	endpoint string
	state    atomic.Int32
}

// New connects to the first live endpoint. It fails when none responds.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("redis: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = defaultRetentionTTL
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = defaultFreshnessWindow
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		retry:  crawler.NewExponentialRetryPolicy(cfg.ReconnectAttempts, cfg.ReconnectBackoff, maxReconnectBackoff),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.selectEndpointLocked(ctx); err != nil {
		return nil, &StorageConnectivityError{Op: "connect", Endpoints: cfg.Endpoints, Err: err}
	}
	return e, nil
}

// State reports the current connectivity state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Endpoint returns the address of the active endpoint.
func (e *Engine) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

// Ping verifies a live endpoint is reachable, failing over if needed.
func (e *Engine) Ping(ctx context.Context) (err error) {
	defer observe("ping", time.Now(), &err)
	_, err = e.conn(ctx, "ping")
	return err
}

// Close releases the active client.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	if e.client != nil {
		errs = append(errs, e.client.Close())
		e.client = nil
	}
	e.state.Store(int32(StateDisconnected))
	return errors.Join(errs...)
}

// conn returns a client whose endpoint just answered PING.
func (e *Engine) conn(ctx context.Context, op string) (*redis.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		err := e.client.Ping(ctx).Err()
		if err == nil {
			e.state.Store(int32(StateConnected))
			return e.client, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("redis %s: %w", op, ctxErr)
		}
		e.logger.Warn("redis liveness check failed",
			zap.String("endpoint", e.endpoint),
			zap.String("op", op),
			zap.Error(err))
	}
	e.state.Store(int32(StateDegraded))
	metrics.ObserveStorageFailover()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = e.selectEndpointLocked(ctx)
		if lastErr == nil {
			return e.client, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
			break
		}
		if !e.retry.ShouldRetry(lastErr, attempt) {
			break
		}
		if err := sleepCtx(ctx, e.retry.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return nil, &StorageConnectivityError{Op: op, Endpoints: e.cfg.Endpoints, Err: lastErr}
}

// selectEndpointLocked pings endpoints in priority order and adopts the
// first that answers. e.mu must be held.
func (e *Engine) selectEndpointLocked(ctx context.Context) error {
	var errs []error
	for _, addr := range e.cfg.Endpoints {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     e.cfg.Password,
			DB:           e.cfg.DB,
			DialTimeout:  e.cfg.DialTimeout,
			ReadTimeout:  e.cfg.DialTimeout,
			WriteTimeout: e.cfg.DialTimeout,
			MaxRetries:   -1,
		})
		pingCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			errs = append(errs, fmt.Errorf("%s: %v", addr, err))
			continue
		}
		// The superseded client just failed its PING; callers still holding
		// it see redis.ErrClosed, which wrap reports as a connectivity error.
		if e.client != nil {
			if err := e.client.Close(); err != nil {
				e.logger.Debug("close superseded redis client", zap.String("endpoint", e.endpoint), zap.Error(err))
			}
		}
		if e.endpoint != addr {
			e.logger.Info("redis endpoint selected", zap.String("endpoint", addr))
		}
		e.client = client
		e.endpoint = addr
		e.state.Store(int32(StateConnected))
		return nil
	}
	if e.client == nil {
		e.state.Store(int32(StateDisconnected))
	}
	return errors.Join(errs...)
}

// wrap classifies an error from a command that ran after a successful PING.
// Network failures are connectivity errors; server replies are not.
func (e *Engine) wrap(op string, err error) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	e.state.Store(int32(StateDegraded))
	return &StorageConnectivityError{Op: op, Endpoints: e.cfg.Endpoints, Err: err}
}

// StoreRun persists a run and returns its identifier. A recent run for the
// same normalized seed is returned instead unless WithForceRefresh is given.
// Empty or malformed page lists are logged and yield ("", nil).
func (e *Engine) StoreRun(ctx context.Context, summary crawler.CrawlSummary, pages []crawler.PageReport, opts ...crawler.StoreOption) (runID string, err error) {
	defer observe("store_run", time.Now(), &err)
	o := crawler.ApplyStoreOptions(opts...)

	if err := validatePages(summary, pages); err != nil {
		e.logger.Warn("nothing to persist", zap.String("start_url", summary.StartURL), zap.Error(err))
		return "", nil
	}
	seed := crawler.NormalizeSeed(summary.StartURL)

	client, err := e.conn(ctx, "store_run")
	if err != nil {
		return "", err
	}
	if !o.ForceRefresh {
		id, found, err := e.findRecent(ctx, client, seed)
		if err != nil {
			return "", err
		}
		if found {
			e.logger.Info("reusing recent run", zap.String("run_id", id))
			return id, nil
		}
	}

	epoch := e.clock.Now().Unix()
	runID = FormatRunID(seed, epoch)
	for {
		n, err := client.Exists(ctx, summaryKey(runID)).Result()
		if err != nil {
			return "", e.wrap("store_run", err)
		}
		if n == 0 {
			break
		}
		epoch++
		runID = FormatRunID(seed, epoch)
	}

	encoded := make([]map[string]any, len(pages))
	for i, p := range pages {
		fields, err := encodePage(p)
		if err != nil {
			return "", fmt.Errorf("redis store_run: page %d: %w", i, err)
		}
		encoded[i] = fields
	}

	ttl := e.cfg.RetentionTTL
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, summaryKey(runID), encodeSummary(summary))
		pipe.Expire(ctx, summaryKey(runID), ttl)
		for i, fields := range encoded {
			key := pageKey(runID, i)
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, ttl)
			pipe.RPush(ctx, pagesKey(runID), key)
		}
		pipe.Expire(ctx, pagesKey(runID), ttl)
		pipe.RPush(ctx, allRunsKey, runID)
		return nil
	})
	if err != nil {
		return "", e.wrap("store_run", err)
	}
	e.logger.Info("run stored",
		zap.String("run_id", runID),
		zap.Int("pages", len(pages)),
		zap.Duration("ttl", ttl))
	return runID, nil
}

func validatePages(summary crawler.CrawlSummary, pages []crawler.PageReport) error {
	if crawler.NormalizeSeed(summary.StartURL) == "" {
		return fmt.Errorf("%w: summary has no start url", crawler.ErrMalformedInput)
	}
	if len(pages) == 0 {
		return fmt.Errorf("%w: empty page list", crawler.ErrMalformedInput)
	}
	for i, p := range pages {
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("%w: page %d has no url", crawler.ErrMalformedInput, i)
		}
	}
	return nil
}

// FindRecent returns the newest live run for seedURL inside the freshness
// window.
func (e *Engine) FindRecent(ctx context.Context, seedURL string) (id string, found bool, err error) {
	defer observe("find_recent", time.Now(), &err)
	client, err := e.conn(ctx, "find_recent")
	if err != nil {
		return "", false, err
	}
	return e.findRecent(ctx, client, crawler.NormalizeSeed(seedURL))
}

// findRecent compares the URL parsed out of each run ID exactly, so
// example.com never matches example.com/path. IDs whose summary has expired
// are pruned from the run list.
func (e *Engine) findRecent(ctx context.Context, client *redis.Client, seed string) (string, bool, error) {
	ids, err := client.LRange(ctx, allRunsKey, 0, -1).Result()
	if err != nil {
		return "", false, e.wrap("find_recent", err)
	}
	now := e.clock.Now()
	for i := len(ids) - 1; i >= 0; i-- {
		url, epoch, ok := ParseRunID(ids[i])
		if !ok || url != seed {
			continue
		}
		if now.Sub(time.Unix(epoch, 0)) > e.cfg.FreshnessWindow {
			continue
		}
		n, err := client.Exists(ctx, summaryKey(ids[i])).Result()
		if err != nil {
			return "", false, e.wrap("find_recent", err)
		}
		if n == 0 {
			e.prune(ctx, client, ids[i])
			continue
		}
		return ids[i], true, nil
	}
	return "", false, nil
}

// GetRun loads a run, or returns nil when the ID is unknown. Fields that fail
// to decode are logged and left empty.
func (e *Engine) GetRun(ctx context.Context, runID string) (record *crawler.CrawlRecord, err error) {
	defer observe("get_run", time.Now(), &err)
	client, err := e.conn(ctx, "get_run")
	if err != nil {
		return nil, err
	}

	var summaryCmd *redis.MapStringStringCmd
	var pagesCmd *redis.StringSliceCmd
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		summaryCmd = pipe.HGetAll(ctx, summaryKey(runID))
		pagesCmd = pipe.LRange(ctx, pagesKey(runID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, e.wrap("get_run", err)
	}
	if len(summaryCmd.Val()) == 0 {
		return nil, nil
	}

	summary, errs := decodeSummary(summaryCmd.Val())
	e.logDecodeErrors(runID, "summary", errs)

	keys := pagesCmd.Val()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if len(keys) > 0 {
		_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			return nil
		})
		if err != nil {
			return nil, e.wrap("get_run", err)
		}
	}

	pages := make([]crawler.PageReport, 0, len(keys))
	for i, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		page, errs := decodePage(cmd.Val())
		e.logDecodeErrors(runID, keys[i], errs)
		pages = append(pages, page)
	}
	return &crawler.CrawlRecord{RunID: runID, Summary: summary, Pages: pages}, nil
}

// ListRuns returns every live run, newest first.
func (e *Engine) ListRuns(ctx context.Context) (runs []crawler.RunListing, err error) {
	defer observe("list_runs", time.Now(), &err)
	client, err := e.conn(ctx, "list_runs")
	if err != nil {
		return nil, err
	}
	ids, err := client.LRange(ctx, allRunsKey, 0, -1).Result()
	if err != nil {
		return nil, e.wrap("list_runs", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if len(ids) > 0 {
		_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, summaryKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, e.wrap("list_runs", err)
		}
	}

	runs = make([]crawler.RunListing, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if len(cmds[i].Val()) == 0 {
			e.prune(ctx, client, ids[i])
			continue
		}
		summary, errs := decodeSummary(cmds[i].Val())
		e.logDecodeErrors(ids[i], "summary", errs)
		runs = append(runs, crawler.RunListing{RunID: ids[i], Summary: summary})
	}
	return runs, nil
}

// DeleteRun removes a run with its pages and run-list entry. Unknown IDs are
// a no-op.
func (e *Engine) DeleteRun(ctx context.Context, runID string) (err error) {
	defer observe("delete_run", time.Now(), &err)
	client, err := e.conn(ctx, "delete_run")
	if err != nil {
		return err
	}
	keys, err := client.LRange(ctx, pagesKey(runID), 0, -1).Result()
	if err != nil {
		return e.wrap("delete_run", err)
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, pagesKey(runID), summaryKey(runID))
		pipe.LRem(ctx, allRunsKey, 0, runID)
		return nil
	})
	if err != nil {
		return e.wrap("delete_run", err)
	}
	e.logger.Info("run deleted", zap.String("run_id", runID))
	return nil
}

func (e *Engine) prune(ctx context.Context, client *redis.Client, runID string) {
	if err := client.LRem(ctx, allRunsKey, 0, runID).Err(); err != nil {
		e.logger.Debug("prune expired run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	e.logger.Debug("pruned expired run", zap.String("run_id", runID))
}

func (e *Engine) logDecodeErrors(runID, key string, errs []error) {
	for _, err := range errs {
		e.logger.Warn("stored field decoded to default",
			zap.String("run_id", runID),
			zap.String("key", key),
			zap.Error(err))
	}
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveStorageOp(op, *err, time.Since(start))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ crawler.RunStore = (*Engine)(nil)
