package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/config"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/dispatcher"
	"github.com/JakeFAU/siteaudit/internal/metrics"
	redisstore "github.com/JakeFAU/siteaudit/internal/storage/redis"
)

const readyTimeout = 2 * time.Second

// Enqueuer accepts crawl jobs. *dispatcher.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// StatsReporter exposes worker pool state. *dispatcher.Dispatcher satisfies it.
type StatsReporter interface {
	Stats() dispatcher.Stats
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the handlers use. Archive and Ready may
// be nil.
type Dependencies struct {
	JobStore crawler.JobStore
	Queue    Enqueuer
	Runs     crawler.RunStore
	Archive  crawler.RunArchive
	IDGen    crawler.IDGenerator
	Clock    crawler.Clock
	Ready    Pinger
}

// Server wires HTTP handlers to the job queue and run storage.
type Server struct {
	router chi.Router
	deps   Dependencies
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	timeout := cfg.Server.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawls", s.submitCrawl)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/delete", s.deleteRuns)
			// Run IDs embed the seed URL and so may contain slashes.
			r.Get("/*", s.getRun)
			r.Delete("/*", s.deleteRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ready"}
	if reporter, ok := s.deps.Queue.(StatsReporter); ok {
		payload["queue"] = reporter.Stats()
	}
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			payload["status"] = "unavailable"
			payload["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// storageStatus maps storage errors onto HTTP status codes.
func storageStatus(err error) int {
	switch {
	case errors.Is(err, redisstore.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
