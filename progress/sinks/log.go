package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/spinneret/spinneret/progress"
)

// LogSink mirrors the progress stream into structured log lines. Run
// boundaries log at Info, task errors at Warn, and the chatty per-fetch
// stages at Debug, so a default logger shows the run shape without the
// firehose.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{log: logger}
}

// Consume writes one line per event, carrying only the fields the
// event's stage actually set.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for i := range batch {
		evt := &batch[i]
		fields := eventFields(evt)
		switch evt.Stage {
		case progress.StageRunStart:
			s.log.Info("run started", fields...)
		case progress.StageRunDone:
			s.log.Info("run finished", fields...)
		case progress.StageError:
			s.log.Warn("task failed", fields...)
		case progress.StageRetry:
			s.log.Debug("task retried", fields...)
		case progress.StageItem:
			s.log.Debug("item collected", fields...)
		default:
			s.log.Debug("fetch completed", fields...)
		}
	}
	return nil
}

func eventFields(evt *progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 10)
	fields = append(fields, zap.String("run_id", evt.RunUUID().String()))
	if evt.Host != "" {
		fields = append(fields, zap.String("host", evt.Host))
	}
	if evt.URL != "" {
		fields = append(fields, zap.String("url", evt.URL))
	}
	if evt.Method != "" {
		fields = append(fields, zap.String("method", evt.Method))
	}
	if evt.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", evt.Attempt))
	}
	if evt.Bytes > 0 {
		fields = append(fields, zap.Int64("bytes", evt.Bytes))
	}
	if evt.StatusClass != "" {
		fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Kind != "" {
		fields = append(fields, zap.String("kind", evt.Kind))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
