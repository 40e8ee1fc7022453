package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/progress"
)

// LogSink emits structured logs for session events. It is useful during
// development or audits where no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("type", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Progress != nil {
			fields = append(fields,
				zap.Int("completed_towns", evt.Progress.CompletedTowns),
				zap.Int("total_towns", evt.Progress.TotalTowns),
				zap.Int("total_businesses", evt.Progress.TotalBusinesses),
			)
		}
		if evt.Log != nil {
			fields = append(fields, zap.String("level", string(evt.Log.Level)), zap.String("message", evt.Log.Message))
		}
		if evt.Error != "" {
			fields = append(fields,
				zap.String("error", evt.Error),
				zap.String("town", evt.Town),
				zap.String("industry", evt.Industry),
			)
		}
		s.logger.Info("session event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
