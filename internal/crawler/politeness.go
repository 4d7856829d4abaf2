package crawler

import (
	"context"
	"time"
)

// visitTracker remembers every URL the coordinator has admitted to the
// frontier. It is owned by the coordinator goroutine and is not thread-safe.
type visitTracker interface {
	MarkIfNew(url string) bool
	Len() int
}

// setVisitTracker compares URLs exactly.
type setVisitTracker struct {
	seen map[string]struct{}
}

func newSetVisitTracker(expected int) *setVisitTracker {
	if expected < 0 {
		expected = 0
	}
	return &setVisitTracker{seen: make(map[string]struct{}, expected)}
}

// MarkIfNew stores url if it has not been seen before and returns true.
func (t *setVisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	if _, ok := t.seen[url]; ok {
		return false
	}
	t.seen[url] = struct{}{}
	return true
}

func (t *setVisitTracker) Len() int {
	return len(t.seen)
}

// pauseController abstracts how workers wait for politeness and backoff delays.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
