// Package sinks provides Sink implementations for the report hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/leadsignal/harvester/internal/report"
)

// LogSink emits structured logs for outcome streams; useful in development
// and audits where no metrics backend is wired.
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
func (s *LogSink) Consume(_ context.Context, batch []report.Event) error {
	for _, evt := range batch {
		s.logger.Info("outcome event",
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("agent_id", evt.AgentID),
			zap.String("target_id", evt.TargetID),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("agent_state", evt.AgentState),
			zap.Int("groups", evt.Groups),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }
