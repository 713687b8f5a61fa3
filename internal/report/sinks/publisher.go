package sinks

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/leadsignal/harvester/internal/harvest"
	"github.com/leadsignal/harvester/internal/report"
)

// PublisherSink forwards outcome events to a message bus so downstream
// scoring can react to fresh activity without polling the profile store.
type PublisherSink struct {
	publisher harvest.Publisher
	topic     string
}

// NewPublisherSink wires a publisher to the sink interface.
func NewPublisherSink(publisher harvest.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

type outcomeMessage struct {
	RunID      string          `json:"run_id"`
	TS         time.Time       `json:"ts"`
	Stage      string          `json:"stage"`
	AgentID    string          `json:"agent_id,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	AgentState string          `json:"agent_state,omitempty"`
	Groups     int             `json:"groups,omitempty"`
	Snapshot   report.Snapshot `json:"snapshot,omitempty"`
	DurMS      int64           `json:"dur_ms,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// Consume publishes each event in the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []report.Event) error {
	for _, evt := range batch {
		msg := outcomeMessage{
			RunID:      evt.RunUUID().String(),
			TS:         evt.TS,
			Stage:      string(evt.Stage),
			AgentID:    evt.AgentID,
			TargetID:   evt.TargetID,
			Outcome:    string(evt.Outcome),
			AgentState: evt.AgentState,
			Groups:     evt.Groups,
			Snapshot:   evt.Snapshot,
			DurMS:      evt.Dur.Milliseconds(),
			Note:       evt.Note,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish outcome event: %w", err)
		}
	}
	return nil
}

// Close releases the publisher when it owns closable resources.
func (s *PublisherSink) Close(context.Context) error {
	if c, ok := s.publisher.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
