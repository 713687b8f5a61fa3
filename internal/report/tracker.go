package report

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker aggregates run counters and emits a RUN_SNAPSHOT event on a fixed
// interval so long runs remain observable without tailing every target.
type Tracker struct {
	runID      [16]byte
	emitter    Emitter
	logger     *zap.Logger
	interval   time.Duration
	queueDepth func() int

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTracker constructs a tracker; queueDepth may be nil when no queue gauge
// is available. Interval defaults to one minute.
func NewTracker(runID [16]byte, emitter Emitter, logger *zap.Logger, interval time.Duration, queueDepth func() int) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Tracker{
		runID:      runID,
		emitter:    emitter,
		logger:     logger,
		interval:   interval,
		queueDepth: queueDepth,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the periodic snapshot loop.
func (t *Tracker) Start() {
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.publish()
			case <-t.stopCh:
				t.publish()
				return
			}
		}
	}()
}

// Stop publishes a final snapshot and waits for the loop to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

// TargetSucceeded records one fully persisted target.
func (t *Tracker) TargetSucceeded() {
	t.processed.Add(1)
	t.succeeded.Add(1)
}

// TargetFailed records one target whose handling ended in an error.
func (t *Tracker) TargetFailed() {
	t.processed.Add(1)
	t.failed.Add(1)
}

// AgentStarted and AgentStopped maintain the active-agent gauge.
func (t *Tracker) AgentStarted() { t.active.Add(1) }

// AgentStopped decrements the active-agent gauge.
func (t *Tracker) AgentStopped() { t.active.Add(-1) }

// RunID returns the run identifier in UUID text form.
func (t *Tracker) RunID() string {
	return uuid.UUID(t.runID).String()
}

// Snapshot returns the current aggregate counters.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Processed:    t.processed.Load(),
		Succeeded:    t.succeeded.Load(),
		Failed:       t.failed.Load(),
		ActiveAgents: t.active.Load(),
	}
	if t.queueDepth != nil {
		s.QueueDepth = int64(t.queueDepth())
	}
	return s
}

func (t *Tracker) publish() {
	s := t.Snapshot()
	if t.emitter != nil {
		t.emitter.Emit(Event{
			RunID:    t.runID,
			TS:       time.Now().UTC(),
			Stage:    StageRunSnapshot,
			Snapshot: s,
		})
	}
	t.logger.Info("run snapshot",
		zap.Int64("processed", s.Processed),
		zap.Int64("succeeded", s.Succeeded),
		zap.Int64("failed", s.Failed),
		zap.Int64("active_agents", s.ActiveAgents),
		zap.Int64("queue_depth", s.QueueDepth),
	)
}
