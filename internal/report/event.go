// Package report defines the outcome events emitted by agents and the hub
// that fans them out to sinks. Sinks observe; they never touch checkpoints.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the kind of milestone an Event records.
type Stage string

// Supported stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunSnapshot Stage = "RUN_SNAPSHOT"
	StageRunDone     Stage = "RUN_DONE"
	StageTargetDone  Stage = "TARGET_DONE"
	StageTargetError Stage = "TARGET_ERROR"
	StageAgentState  Stage = "AGENT_STATE"
)

// Outcome classifies how handling a target ended.
type Outcome string

// Supported outcomes.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = "transient"
	OutcomeAuth        Outcome = "auth"
	OutcomeBlocked     Outcome = "blocked"
	OutcomePersistence Outcome = "persistence"
)

// Snapshot is the aggregate view attached to RUN_SNAPSHOT events.
type Snapshot struct {
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	ActiveAgents int64 `json:"active_agents"`
	QueueDepth   int64 `json:"queue_depth"`
}

// Event captures a single milestone of a harvest run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// AgentID scopes target and state events to one agent.
	AgentID string
	// TargetID names the target a TARGET_* event concerns.
	TargetID string
	// Outcome classifies TARGET_DONE and TARGET_ERROR events.
	Outcome Outcome
	// AgentState carries the new state label for AGENT_STATE events.
	AgentState string
	// Groups counts canonical activity groups persisted for the target.
	Groups int
	// Snapshot carries aggregate counters on RUN_SNAPSHOT events.
	Snapshot Snapshot
	// Dur captures fetch latency for target events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunSnapshot, StageRunDone:
	case StageTargetDone:
		if e.TargetID == "" {
			return errors.New("target done requires target id")
		}
	case StageTargetError:
		if e.TargetID == "" {
			return errors.New("target error requires target id")
		}
		if e.Outcome == "" {
			return errors.New("target error requires outcome")
		}
	case StageAgentState:
		if e.AgentID == "" || e.AgentState == "" {
			return errors.New("agent state requires agent id and state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// NewRunID draws a fresh run identifier.
func NewRunID() [16]byte {
	return uuid.New()
}
