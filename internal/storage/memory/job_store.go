package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/siteaudit/internal/clock/system"
	"github.com/JakeFAU/siteaudit/internal/crawler"
)

// JobStore keeps service jobs in memory.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	clock crawler.Clock
}

// NewJobStore constructs a JobStore. A nil clock uses wall time.
func NewJobStore(clock crawler.Clock) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	return &JobStore{
		jobs:  make(map[string]crawler.Job),
		clock: clock,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies update, stamping Started on the first running transition
// and Finished on terminal states.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update crawler.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrJobNotFound
	}
	job.Status = update.Status
	job.ErrorText = update.ErrorText
	job.Counters = update.Counters
	if update.RunID != "" {
		job.RunID = update.RunID
	}
	job.Deduplicated = job.Deduplicated || update.Deduplicated

	now := s.clock.Now().UTC()
	if update.Status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if isTerminal(update.Status) && job.Finished == nil {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job, nil
}

func isTerminal(status crawler.JobStatus) bool {
	switch status {
	case crawler.JobStatusSucceeded, crawler.JobStatusFailed:
		return true
	default:
		return false
	}
}
