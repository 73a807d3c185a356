// Package sinks contains progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/progress"
)

// LogSink writes progress events to a structured logger. Page starts are
// logged at debug to keep the volume manageable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
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
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageJobStart:
			s.logger.Info("job started", fields...)
		case progress.StageJobDone:
			s.logger.Info("job completed", append(fields, zap.Duration("elapsed", evt.Dur))...)
		case progress.StageJobError:
			s.logger.Error("job failed", append(fields, zap.String("error", evt.Note))...)
		case progress.StagePageStart:
			s.logger.Debug("page fetch started",
				append(fields, zap.String("url", evt.URL))...)
		case progress.StagePageDone:
			pageFields := append(fields,
				zap.String("url", evt.URL),
				zap.Bool("success", evt.Success),
				zap.Duration("elapsed", evt.Dur),
			)
			if evt.Success {
				s.logger.Debug("page fetched",
					append(pageFields,
						zap.String("page_type", evt.PageType),
						zap.Int64("words", evt.Words))...)
			} else {
				s.logger.Warn("page fetch failed",
					append(pageFields, zap.String("error_kind", evt.ErrorKind))...)
			}
		}
	}
	return nil
}

// Close is a no-op for the log sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
