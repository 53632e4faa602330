package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/progress"
)

// LogSink writes each event as a structured log line. Error stages log at
// Warn, everything else at Debug.
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

// Consume logs every event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("worker_id", evt.WorkerID),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.Duration("dur", evt.Dur),
		}
		if evt.PaperID != "" {
			fields = append(fields, zap.String("paper_id", evt.PaperID))
		}
		switch evt.Stage {
		case progress.StageTaskError, progress.StageAnalysisError:
			fields = append(fields, zap.String("error_kind", evt.ErrorKind), zap.String("note", evt.Note))
			s.logger.Warn("progress event", fields...)
		default:
			if evt.Pages > 0 {
				fields = append(fields, zap.Int("pages", evt.Pages))
			}
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
