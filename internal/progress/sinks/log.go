package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/progress"
)

// LogSink writes one structured log line per event. Fetch events log at
// debug level, run events at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageFetchDone, progress.StageFetchFailed:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Debug("crawl progress", fields...)
		default:
			fields = append(fields,
				zap.Int64("total", evt.Total),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Info("crawl progress", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
