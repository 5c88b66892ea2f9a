package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Provider != "" {
			fields = append(fields, zap.String("provider", evt.Provider))
		}
		if evt.StatusCode != 0 {
			fields = append(fields, zap.Int("status", evt.StatusCode))
		}
		if evt.Items != 0 {
			fields = append(fields, zap.Int("items", evt.Items))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.MaxErrorCode != 0 {
			fields = append(fields, zap.Int("max_error_code", evt.MaxErrorCode))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
