package sinks

import (
	"context"
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/JakeFAU/siteaudit/internal/progress"
)

// BarSink renders one terminal progress bar per running crawl. The bar total
// is the page budget announced by RUN_START.
type BarSink struct {
	progress *mpb.Progress
	mu       sync.Mutex
	bars     map[[16]byte]*mpb.Bar
}

// NewBarSink draws bars on w.
func NewBarSink(w io.Writer) *BarSink {
	return &BarSink{
		progress: mpb.New(mpb.WithOutput(w), mpb.WithWidth(48)),
		bars:     make(map[[16]byte]*mpb.Bar),
	}
}

// Consume advances the bars.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if _, ok := s.bars[evt.JobID]; ok {
				continue
			}
			s.bars[evt.JobID] = s.progress.AddBar(evt.Total,
				mpb.PrependDecorators(
					decor.Name(evt.Note, decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.CountersNoUnit("[%d / %d]", decor.WCSyncWidth),
					decor.OnComplete(decor.Percentage(decor.WCSyncSpace), "done"),
				),
			)
		case progress.StageFetchDone:
			if bar, ok := s.bars[evt.JobID]; ok {
				bar.Increment()
			}
		case progress.StageRunDone, progress.StageRunError:
			if bar, ok := s.bars[evt.JobID]; ok {
				bar.SetTotal(-1, true)
				delete(s.bars, evt.JobID)
			}
		}
	}
	return nil
}

// Close aborts unfinished bars and waits for the final render.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	for id, bar := range s.bars {
		bar.Abort(false)
		delete(s.bars, id)
	}
	s.mu.Unlock()
	s.progress.Wait()
	return nil
}
