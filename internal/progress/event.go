package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Crawl stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StageFetchDone   Stage = "FETCH_DONE"
	StageFetchFailed Stage = "FETCH_FAILED"
	StageHealthDone  Stage = "HEALTH_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

func (c StatusClass) String() string { return string(c) }

// Event is one progress milestone of a crawl job.
type Event struct {
	// JobID is the 16-byte form of the job UUID.
	JobID [16]byte
	TS    time.Time
	Stage Stage
	// Site is the lowercase host for fetch events.
	Site string
	URL  string
	// Bytes is the body size of a completed fetch.
	Bytes int64
	// Visits is 1 for each page that produced a report.
	Visits      int64
	StatusClass StatusClass
	Dur         time.Duration
	// Total carries the page budget on RUN_START and the page count on RUN_DONE.
	Total int64
	// Note holds low-volume context such as an error kind or run ID.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageHealthDone:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageFetchFailed:
		if e.Site == "" {
			return errors.New("fetch failed requires site")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID back to a uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// ParseJobID converts a textual job UUID into the Event form.
func ParseJobID(jobID string) ([16]byte, bool) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return [16]byte{}, false
	}
	return [16]byte(id), true
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
