package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type deleteRunsRequest struct {
	RunIDs []string `json:"run_ids"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Runs.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, storageStatus(err), "failed to list runs")
		return
	}
	total := len(runs)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs[start:end],
		"total": total,
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	record, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, storageStatus(err), "failed to load run")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	if err := s.removeRun(r, runID); err != nil {
		writeError(w, storageStatus(err), "failed to delete run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": []string{runID}})
}

func (s *Server) deleteRuns(w http.ResponseWriter, r *http.Request) {
	var body deleteRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.RunIDs) == 0 {
		writeError(w, http.StatusBadRequest, "run_ids required")
		return
	}
	deleted := make([]string, 0, len(body.RunIDs))
	for _, runID := range body.RunIDs {
		if err := s.removeRun(r, runID); err != nil {
			writeJSON(w, storageStatus(err), map[string]any{
				"error":   "failed to delete run " + runID,
				"deleted": deleted,
			})
			return
		}
		deleted = append(deleted, runID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// removeRun deletes the stored run and, best effort, its archive row.
func (s *Server) removeRun(r *http.Request, runID string) error {
	if err := s.deps.Runs.DeleteRun(r.Context(), runID); err != nil {
		s.logger.Error("delete run failed", zap.String("run_id", runID), zap.Error(err))
		return err
	}
	if s.deps.Archive != nil {
		if err := s.deps.Archive.DeleteRun(r.Context(), runID); err != nil {
			s.logger.Warn("delete archived run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return nil
}

func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || runID == "" {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return "", false
	}
	return runID, true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
