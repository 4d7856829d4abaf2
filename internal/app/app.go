// Package app builds the long-lived services shared by the CLI and the HTTP
// service and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/analyzer"
	"github.com/JakeFAU/siteaudit/internal/api"
	"github.com/JakeFAU/siteaudit/internal/clock/system"
	"github.com/JakeFAU/siteaudit/internal/config"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/siteaudit/internal/fetcher/colly"
	"github.com/JakeFAU/siteaudit/internal/hash/sha256"
	"github.com/JakeFAU/siteaudit/internal/id/uuid"
	"github.com/JakeFAU/siteaudit/internal/logging"
	"github.com/JakeFAU/siteaudit/internal/policy/ratelimit"
	"github.com/JakeFAU/siteaudit/internal/progress"
	progresssinks "github.com/JakeFAU/siteaudit/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/siteaudit/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/siteaudit/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/siteaudit/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/siteaudit/internal/storage/gcs"
	localstorage "github.com/JakeFAU/siteaudit/internal/storage/local"
	memorystorage "github.com/JakeFAU/siteaudit/internal/storage/memory"
	pgstore "github.com/JakeFAU/siteaudit/internal/storage/postgres"
	redisstore "github.com/JakeFAU/siteaudit/internal/storage/redis"
	"github.com/JakeFAU/siteaudit/internal/worker"
)

// localTopic receives completion messages when no Pub/Sub topic is configured.
const localTopic = "siteaudit.runs"

// localHistory bounds the completion messages kept in process.
const localHistory = 256

// Option customises Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	sinks      []progress.Sink
	registerer prometheus.Registerer
}

// WithLogger uses logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProgressSinks adds sinks to the progress hub, e.g. a terminal bar.
func WithProgressSinks(sinks ...progress.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithRegisterer registers progress metrics against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   options
	logger *zap.Logger

	runs         *redisstore.Engine
	archive      *pgstore.RunArchive
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	localPub     *memorypublisher.Publisher
	gcsClient    *storage.Client
	snapshots    crawler.BlobStore
	progressHub  *progress.Hub
	pipeline     *worker.Pipeline

	jobStore  *memorystorage.JobStore
	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
}

// Build creates the application's dependencies. Redis must be reachable;
// Postgres, Pub/Sub and snapshot storage are only connected when configured.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	a := &App{cfg: cfg, opts: o, logger: logger}
	a.logger.Info("building application dependencies",
		zap.Strings("redis_endpoints", cfg.Redis.Endpoints),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.Bool("archive", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
	)

	steps := []func(context.Context) error{
		a.setupRuns,
		a.setupArchive,
		a.setupPublisher,
		a.setupSnapshots,
		a.setupProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			a.closeInfrastructure(closeCtx)
			cancel()
			return nil, err
		}
	}
	a.setupPipeline()
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Executor returns the crawl pipeline.
func (a *App) Executor() worker.Executor { return a.pipeline }

// RunStore returns the run storage engine.
func (a *App) RunStore() crawler.RunStore { return a.runs }

// Archive returns the run archive, or nil when none is configured.
func (a *App) Archive() crawler.RunArchive {
	if a.archive == nil {
		return nil
	}
	return a.archive
}

// Messages returns completion messages recorded when no Pub/Sub topic is
// configured.
func (a *App) Messages() []memorypublisher.Message {
	if a.localPub == nil {
		return nil
	}
	return a.localPub.Messages()
}

func (a *App) setupRuns(ctx context.Context) error {
	engine, err := redisstore.New(ctx, redisstore.Config{
		Endpoints:         a.cfg.Redis.Endpoints,
		Password:          a.cfg.Redis.Password,
		DB:                a.cfg.Redis.DB,
		DialTimeout:       a.cfg.Redis.DialTimeout(),
		RetentionTTL:      a.cfg.Redis.RetentionTTL(),
		FreshnessWindow:   a.cfg.Redis.FreshnessWindow(),
		ReconnectAttempts: a.cfg.Redis.ReconnectAttempts,
		ReconnectBackoff:  a.cfg.Redis.ReconnectBackoff(),
	}, a.logger.Named("redis"))
	if err != nil {
		return fmt.Errorf("run storage init failed: %w", err)
	}
	a.runs = engine
	a.logger.Info("run storage connected", zap.String("endpoint", engine.Endpoint()))
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no database DSN configured, run archive disabled")
		return nil
	}
	archive, err := pgstore.NewRunArchive(ctx, pgstore.RunArchiveConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run archive init failed: %w", err)
	}
	a.archive = archive
	if err := archive.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run archive schema: %w", err)
	}
	a.logger.Info("run archive initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		a.localPub = memorypublisher.New(memorypublisher.WithCapacity(localHistory))
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client, a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) error {
	var err error
	switch a.cfg.Snapshots.Backend {
	case "gcs":
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.snapshots, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Snapshots.GCSBucket,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Snapshots.GCSBucket))
	case "local":
		a.snapshots, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Snapshots.LocalDir))
	case "memory":
		a.snapshots = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot storage")
	default:
		a.logger.Debug("snapshot storage disabled")
	}
	return nil
}

func (a *App) setupProgress(context.Context) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Debug("progress tracking disabled")
		return nil
	}
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	if a.cfg.Progress.PrometheusEvents {
		promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
		if err != nil {
			a.logger.Warn("progress metrics disabled", zap.Error(err))
		} else {
			sinkList = append(sinkList, promSink)
		}
	}
	sinkList = append(sinkList, a.opts.sinks...)

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupPipeline() {
	clock := system.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		Timeout:     a.cfg.Crawler.FetchTimeout(),
		MaxBodySize: a.cfg.Crawler.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Crawler.RateLimitRPS,
		Burst: a.cfg.Crawler.RateLimitBurst,
	})
	pageAnalyzer := analyzer.New(analyzer.WithHasher(sha256.New()), analyzer.WithClock(clock))

	schedOpts := []crawler.SchedulerOption{
		crawler.WithRateLimiter(limiter),
		crawler.WithClock(clock),
	}
	pipeOpts := []worker.PipelineOption{worker.WithClock(clock)}
	if a.snapshots != nil {
		schedOpts = append(schedOpts, crawler.WithSnapshotStore(a.snapshots))
	}
	if a.progressHub != nil {
		schedOpts = append(schedOpts, crawler.WithEmitter(a.progressHub))
		pipeOpts = append(pipeOpts, worker.WithEmitter(a.progressHub))
	}
	if a.archive != nil {
		pipeOpts = append(pipeOpts, worker.WithArchive(a.archive))
	}

	topic := a.cfg.PubSub.TopicName
	switch {
	case a.gcpPublisher != nil:
		pipeOpts = append(pipeOpts, worker.WithPublisher(a.gcpPublisher))
	case a.localPub != nil:
		pipeOpts = append(pipeOpts, worker.WithPublisher(a.localPub))
		topic = localTopic
	}

	scheduler := crawler.NewScheduler(fetcher, pageAnalyzer, crawler.SchedulerConfig{
		FetchTimeout:   a.cfg.Crawler.FetchTimeout(),
		SnapshotPrefix: a.cfg.Snapshots.Prefix,
		ContentType:    a.cfg.Snapshots.ContentType,
	}, a.logger.Named("scheduler"), schedOpts...)
	health := crawler.NewHealthChecker(fetcher, limiter, a.cfg.Crawler.HealthTimeout(), a.logger.Named("health"))

	a.pipeline = worker.NewPipeline(
		scheduler,
		health,
		a.runs,
		worker.PipelineConfig{Topic: topic},
		a.logger.Named("pipeline"),
		pipeOpts...,
	)
	a.logger.Info("crawl pipeline ready",
		zap.String("user_agent", a.cfg.Crawler.UserAgent),
		zap.Float64("rate_limit_rps", a.cfg.Crawler.RateLimitRPS),
		zap.Duration("fetch_timeout", a.cfg.Crawler.FetchTimeout()),
	)
}

// setupService builds the job queue, workers and API server. Only the
// service needs them.
func (a *App) setupService() {
	if a.apiServer != nil {
		return
	}
	a.jobStore = memorystorage.NewJobStore(nil)
	a.queue = queuememory.NewQueue(a.cfg.Server.QueueDepth)
	a.dispatch = dispatcher.New(a.queue, a.jobStore, a.pipeline, dispatcher.Config{
		Workers: a.cfg.Server.JobWorkers,
		Logger:  a.logger.Named("dispatcher"),
	})
	a.apiServer = api.NewServer(api.Dependencies{
		JobStore: a.jobStore,
		Queue:    a.dispatch,
		Runs:     a.runs,
		Archive:  a.Archive(),
		IDGen:    uuid.New(),
		Clock:    system.New(),
		Ready:    a.runs,
	}, a.cfg, a.logger.Named("api"))
}

// Handler returns the service HTTP handler.
func (a *App) Handler() http.Handler {
	a.setupService()
	return a.apiServer.Handler()
}

// Serve runs the HTTP service and job workers until ctx is canceled or a
// termination signal arrives, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	a.setupService()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Close releases every connection the App holds.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			a.logger.Warn("run storage close failed", zap.Error(err))
		}
	}
}
