package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

const enqueueTimeout = 5 * time.Second

type crawlRequest struct {
	URL          string   `json:"url"`
	MaxPages     *int     `json:"max_pages"`
	MaxRetries   *int     `json:"max_retries"`
	DelaySeconds *float64 `json:"delay_seconds"`
	MaxWorkers   *int     `json:"max_workers"`
	ForceRefresh bool     `json:"force_refresh"`
}

type crawlResponse struct {
	JobID        string `json:"job_id,omitempty"`
	Status       string `json:"status"`
	RunID        string `json:"run_id,omitempty"`
	Deduplicated bool   `json:"deduplicated"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var body crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := s.toCrawlRequest(body)
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !req.ForceRefresh && s.deps.Runs != nil {
		runID, found, err := s.deps.Runs.FindRecent(r.Context(), req.SeedURL)
		if err != nil {
			s.logger.Error("recent run lookup failed", zap.String("seed", req.SeedURL), zap.Error(err))
			writeError(w, storageStatus(err), "run storage unavailable")
			return
		}
		if found {
			writeJSON(w, http.StatusOK, crawlResponse{Status: "completed", RunID: runID, Deduplicated: true})
			return
		}
	}

	jobID, err := s.enqueueJob(r.Context(), req)
	if err != nil {
		s.logger.Error("enqueue crawl failed", zap.String("seed", req.SeedURL), zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, errCreateJob) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, crawlResponse{JobID: jobID, Status: string(crawler.JobStatusQueued)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.JobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

var errCreateJob = errors.New("create job")

func (s *Server) enqueueJob(ctx context.Context, req crawler.CrawlRequest) (string, error) {
	jobID, err := s.deps.IDGen.NewID()
	if err != nil {
		return "", fmt.Errorf("%w: generate job id: %v", errCreateJob, err)
	}
	now := s.deps.Clock.Now()
	job := crawler.Job{
		ID:        jobID,
		Status:    crawler.JobStatusQueued,
		Submitted: now,
		Request:   req,
	}
	if err := s.deps.JobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("%w: %v", errCreateJob, err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     jobID,
		Request:   req,
		Submitted: now.Unix(),
	}
	if err := s.deps.Queue.Enqueue(queueCtx, item); err != nil {
		failed := crawler.JobUpdate{Status: crawler.JobStatusFailed, ErrorText: "service busy: " + err.Error()}
		if uerr := s.deps.JobStore.UpdateJob(context.WithoutCancel(ctx), jobID, failed); uerr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func (s *Server) toCrawlRequest(body crawlRequest) crawler.CrawlRequest {
	req := s.cfg.Crawler.Request(body.URL)
	req.MaxRetries = valueOrDefault(body.MaxRetries, req.MaxRetries)
	req.PageBudget = valueOrDefault(body.MaxPages, req.PageBudget)
	req.Workers = valueOrDefault(body.MaxWorkers, req.Workers)
	if body.DelaySeconds != nil {
		req.Delay = time.Duration(*body.DelaySeconds * float64(time.Second))
	}
	req.ForceRefresh = body.ForceRefresh
	return req
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
