// Package agent drives one credential identity through its session
// lifecycle and work loop, and fans N agents out as a pool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leadsignal/harvester/internal/checkpoint"
	"github.com/leadsignal/harvester/internal/dedup"
	"github.com/leadsignal/harvester/internal/harvest"
	"github.com/leadsignal/harvester/internal/profile"
	"github.com/leadsignal/harvester/internal/report"
	"github.com/leadsignal/harvester/internal/session"
)

// Config identifies one agent and its pacing rules.
type Config struct {
	ID       string
	Identity harvest.Identity
	Proxy    string
	Policy   session.Policy
	// FetchTimeout bounds one Fetcher round trip (default 3m). A timeout is
	// classified transient, never as a block.
	FetchTimeout time.Duration
	// MaxAuthAttempts is how many consecutive login failures are tolerated
	// before the identity is withdrawn (default 2).
	MaxAuthAttempts int
	RunID           [16]byte
}

// Deps are the shared collaborators an agent works against.
type Deps struct {
	Queue       harvest.Queue
	Checkpoints checkpoint.Store
	Profiles    harvest.ProfileStore
	Engine      *dedup.Engine
	Fetcher     harvest.Fetcher
	Clock       harvest.Clock
	Emitter     report.Emitter
	Tracker     *report.Tracker
	Logger      *zap.Logger
}

// Agent owns one credential identity. All of its state is mutated only by
// its own Run loop; the checkpoint store is the only shared structure it
// touches.
type Agent struct {
	cfg     Config
	deps    Deps
	machine *session.Machine
	logger  *zap.Logger

	authFailures    int
	transientFails  int
	sessionStarted  time.Time
	sessionCount    int
	sessionCap      int
	sessionDuration time.Duration

	// dailyCap is re-rolled when the UTC day key changes; zero disables it.
	dailyCap    int
	dailyCapDay string

	// sleep is swapped in tests so a fake clock can stand in for wall time.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an agent in UNINITIALIZED.
func New(cfg Config, deps Deps) *Agent {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 3 * time.Minute
	}
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = 2
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("agent_id", cfg.ID))
	return &Agent{
		cfg:     cfg,
		deps:    deps,
		machine: session.NewMachine(),
		logger:  logger,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ID returns the agent's stable identifier.
func (a *Agent) ID() string { return a.cfg.ID }

// State reports the agent's current lifecycle state.
func (a *Agent) State() session.State {
	return a.machine.State()
}

func (a *Agent) transition(to session.State) error {
	if err := a.machine.Transition(to); err != nil {
		return err
	}
	a.logger.Info("agent state change", zap.String("state", to.String()))
	if a.deps.Emitter != nil {
		a.deps.Emitter.Emit(report.Event{
			RunID:      a.cfg.RunID,
			TS:         a.deps.Clock.Now().UTC(),
			Stage:      report.StageAgentState,
			AgentID:    a.cfg.ID,
			AgentState: to.String(),
		})
	}
	return nil
}

var errAgentDone = errors.New("agent done")

// Run drives the lifecycle until the context ends, the queue closes, or the
// identity is withdrawn. Withdrawal is not an error for the pool; the pool
// degrades gracefully as agents drop out.
func (a *Agent) Run(ctx context.Context) error {
	defer a.finish()

	for ctx.Err() == nil {
		var err error
		switch a.machine.State() {
		case session.StateUninitialized, session.StateReinitializing:
			err = a.transition(session.StateAuthenticating)
		case session.StateAuthenticating:
			err = a.authenticate(ctx)
		case session.StateActive:
			err = a.active(ctx)
		case session.StateCooldown:
			err = a.waitCooldown(ctx)
		default:
			return nil
		}
		if errors.Is(err, errAgentDone) {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("agent loop error", zap.Error(err))
		}
	}
	return nil
}

func (a *Agent) finish() {
	// Teardown gets its own deadline; the run context is usually already
	// canceled when shutdown reaches this point.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.deps.Fetcher.Teardown(ctx); err != nil {
		a.logger.Warn("fetcher teardown failed", zap.Error(err))
	}
	if !a.machine.State().Terminal() {
		_ = a.transition(session.StateTerminated)
	}
}

// authenticate builds the environment and logs in, restoring a saved session
// when one exists. Repeated failure withdraws the identity.
func (a *Agent) authenticate(ctx context.Context) error {
	if err := a.deps.Fetcher.Initialize(ctx, a.cfg.Identity, a.cfg.Proxy); err != nil {
		return a.authFailed(ctx, fmt.Errorf("initialize environment: %w", err))
	}
	if err := a.deps.Fetcher.RestoreSession(ctx, a.cfg.ID); err != nil {
		a.logger.Debug("no saved session restored", zap.Error(err))
	}
	if err := a.deps.Fetcher.Login(ctx, a.cfg.Identity); err != nil {
		return a.authFailed(ctx, err)
	}
	if err := a.deps.Fetcher.SaveSession(ctx, a.cfg.ID); err != nil {
		a.logger.Warn("session save failed", zap.Error(err))
	}

	a.authFailures = 0
	a.beginSession()
	return a.transition(session.StateActive)
}

func (a *Agent) authFailed(ctx context.Context, cause error) error {
	a.authFailures++
	a.logger.Warn("authentication failed",
		zap.Int("attempt", a.authFailures),
		zap.Error(cause))
	if a.authFailures >= a.cfg.MaxAuthAttempts || harvest.ClassifyError(cause) == harvest.FailureAuth {
		if err := a.transition(session.StateAuthFailed); err != nil {
			return err
		}
		a.emitOutcome(report.StageTargetError, "", report.OutcomeAuth, 0, 0, cause.Error())
		return errAgentDone
	}
	return a.sleep(ctx, a.cfg.Policy.PenaltyDelay())
}

// beginSession re-rolls the per-session caps. Called on every entry into
// ACTIVE so agents never share a synchronized cadence.
func (a *Agent) beginSession() {
	a.sessionStarted = a.deps.Clock.Now()
	a.sessionCount = 0
	a.transientFails = 0
	a.sessionCap, a.sessionDuration = a.cfg.Policy.SessionCaps()
	a.logger.Info("session caps rolled",
		zap.Int("profile_cap", a.sessionCap),
		zap.Duration("duration_cap", a.sessionDuration))
}

func (a *Agent) sessionExpired() bool {
	if a.sessionCount >= a.sessionCap {
		return true
	}
	return a.deps.Clock.Now().Sub(a.sessionStarted) >= a.sessionDuration
}

// active runs one scheduling decision: honor a persisted cooldown, retire
// the session at its caps, or claim and process the next target.
func (a *Agent) active(ctx context.Context) error {
	cd, ok, err := a.deps.Checkpoints.GetCooldown(ctx, a.cfg.ID)
	if err != nil {
		return fmt.Errorf("read cooldown: %w", err)
	}
	if ok && cd.Until.After(a.deps.Clock.Now()) {
		return a.transition(session.StateCooldown)
	}
	if ok {
		if err := a.deps.Checkpoints.ClearCooldown(ctx, a.cfg.ID); err != nil {
			a.logger.Warn("clear expired cooldown failed", zap.Error(err))
		}
	}
	if a.sessionExpired() {
		return a.transition(session.StateReinitializing)
	}
	if stop, err := a.dailyCapReached(ctx); err != nil {
		return err
	} else if stop {
		return a.transition(session.StateCooldown)
	}

	target, err := a.deps.Queue.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, harvest.ErrQueueClosed) {
			return errAgentDone
		}
		return err
	}

	done, err := a.deps.Checkpoints.IsProcessed(ctx, target.TargetID)
	if err != nil {
		return fmt.Errorf("processed check: %w", err)
	}
	if done {
		return nil
	}

	return a.process(ctx, target)
}

// dailyCapReached checks the agent's counter for the current UTC day against
// the rolled cap. Hitting the cap persists a cooldown to the next UTC
// midnight, so the rest survives restarts like any other cooldown.
func (a *Agent) dailyCapReached(ctx context.Context) (bool, error) {
	now := a.deps.Clock.Now()
	day := checkpoint.DayKey(now)
	if day != a.dailyCapDay {
		a.dailyCapDay = day
		a.dailyCap = a.cfg.Policy.DailyCap()
		if a.dailyCap > 0 {
			a.logger.Info("daily cap rolled",
				zap.String("day", day),
				zap.Int("daily_cap", a.dailyCap))
		}
	}
	if a.dailyCap <= 0 {
		return false, nil
	}
	count, err := a.deps.Checkpoints.DailyCount(ctx, a.cfg.ID, day)
	if err != nil {
		return false, fmt.Errorf("read daily count: %w", err)
	}
	if count < a.dailyCap {
		return false, nil
	}
	until := nextUTCMidnight(now)
	if err := a.deps.Checkpoints.SetCooldown(ctx, a.cfg.ID, until); err != nil {
		a.logger.Error("persist cooldown failed", zap.Error(err))
	}
	a.logger.Info("daily cap reached, resting until next day",
		zap.Int("count", count),
		zap.Time("until", until))
	return true, nil
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// process performs one fetch and, on success, runs the merge-and-persist
// pipeline. Failures are classified and turn into a penalty sleep, a
// cooldown, or a rebuild; the target goes back on the retry path.
func (a *Agent) process(ctx context.Context, target harvest.Target) error {
	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	result, err := a.deps.Fetcher.FetchProfile(fetchCtx, target)
	cancel()
	if err == nil && result.BlockDetected {
		err = harvest.NewBlockedError("block signal in fetch result")
	}
	if err == nil && !result.AuthValid {
		err = harvest.NewTransientError("session no longer authenticated", nil)
		// The session itself is suspect, not the target.
		defer func() { _ = a.transition(session.StateReinitializing) }()
	}
	if err != nil {
		return a.handleFailure(ctx, target, err)
	}

	groups, persistErr := a.persist(ctx, target, result)
	if persistErr != nil {
		a.logger.Error("persist failed, leaving target unprocessed",
			zap.String("target_id", target.TargetID),
			zap.Error(persistErr))
		a.emitOutcome(report.StageTargetError, target.TargetID, report.OutcomePersistence, 0, result.Duration, persistErr.Error())
		if a.deps.Tracker != nil {
			a.deps.Tracker.TargetFailed()
		}
		if err := a.deps.Queue.Requeue(ctx, target); err != nil && !errors.Is(err, harvest.ErrQueueClosed) {
			a.logger.Warn("requeue failed", zap.Error(err))
		}
		return a.sleep(ctx, a.cfg.Policy.PenaltyDelay())
	}

	a.sessionCount++
	a.transientFails = 0
	day := checkpoint.DayKey(a.deps.Clock.Now())
	if _, err := a.deps.Checkpoints.AddDailyCount(ctx, a.cfg.ID, day, 1); err != nil {
		a.logger.Warn("daily count update failed", zap.Error(err))
	}
	a.emitOutcome(report.StageTargetDone, target.TargetID, report.OutcomeSuccess, groups, result.Duration, "")
	if a.deps.Tracker != nil {
		a.deps.Tracker.TargetSucceeded()
	}
	return a.sleep(ctx, a.cfg.Policy.SuccessDelay())
}

// persist runs merge, profile write, marker advance, and the processed flag,
// in that order. Markers advance only after the profile data is durably
// stored, so a crash in between replays into idempotent upserts instead of
// losing activity behind an advanced marker.
func (a *Agent) persist(ctx context.Context, target harvest.Target, result harvest.FetchResult) (int, error) {
	prior := checkpoint.Markers{}
	cp, err := a.deps.Checkpoints.Get(ctx, target.TargetID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("load checkpoint: %w", err)
	default:
		prior = cp.Markers
	}

	var groups []harvest.CanonicalActivityGroup
	index := make(map[string]int)
	markers := prior
	for _, batch := range result.Profile.Batches {
		batchGroups, advanced := a.deps.Engine.Merge(batch, markers)
		for _, g := range batchGroups {
			// The same fingerprint can surface in more than one feed; fold
			// those sightings into one group so the kind union survives.
			if i, ok := index[g.Fingerprint()]; ok {
				groups[i] = groups[i].Merge(g)
				continue
			}
			index[g.Fingerprint()] = len(groups)
			groups = append(groups, g)
		}
		markers = advanced
	}

	normalized := profile.Normalize(result.Profile, a.deps.Clock.Now())
	if err := a.deps.Profiles.UpsertProfile(ctx, normalized); err != nil {
		return 0, fmt.Errorf("upsert profile: %w", err)
	}
	if len(groups) > 0 {
		if err := a.deps.Profiles.UpsertActivity(ctx, target.TargetID, groups); err != nil {
			return 0, fmt.Errorf("upsert activity: %w", err)
		}
	}
	if !markers.Equal(prior) {
		err := a.deps.Checkpoints.Put(ctx, target.TargetID, markers)
		if err != nil && !errors.Is(err, checkpoint.ErrStaleMarkers) {
			return 0, fmt.Errorf("advance markers: %w", err)
		}
	}
	if err := a.deps.Checkpoints.MarkProcessed(ctx, target.TargetID); err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return len(groups), nil
}

func (a *Agent) handleFailure(ctx context.Context, target harvest.Target, cause error) error {
	class := harvest.ClassifyError(cause)
	if err := a.deps.Queue.Requeue(ctx, target); err != nil && !errors.Is(err, harvest.ErrQueueClosed) {
		a.logger.Warn("requeue failed", zap.Error(err))
	}
	if a.deps.Tracker != nil {
		a.deps.Tracker.TargetFailed()
	}

	switch class {
	case harvest.FailureBlocked:
		window := a.cfg.Policy.CooldownWindow()
		until := a.deps.Clock.Now().Add(window)
		if err := a.deps.Checkpoints.SetCooldown(ctx, a.cfg.ID, until); err != nil {
			a.logger.Error("persist cooldown failed", zap.Error(err))
		}
		a.logger.Warn("block detected, entering cooldown",
			zap.String("target_id", target.TargetID),
			zap.Time("until", until))
		a.emitOutcome(report.StageTargetError, target.TargetID, report.OutcomeBlocked, 0, 0, cause.Error())
		return a.transition(session.StateCooldown)
	case harvest.FailureAuth:
		a.logger.Warn("session rejected mid-run, rebuilding",
			zap.String("target_id", target.TargetID),
			zap.Error(cause))
		a.emitOutcome(report.StageTargetError, target.TargetID, report.OutcomeAuth, 0, 0, cause.Error())
		return a.transition(session.StateReinitializing)
	default:
		a.transientFails++
		a.emitOutcome(report.StageTargetError, target.TargetID, report.OutcomeTransient, 0, 0, cause.Error())
		if a.cfg.Policy.FailureBudget > 0 && a.transientFails >= a.cfg.Policy.FailureBudget {
			window := a.cfg.Policy.CooldownWindow()
			until := a.deps.Clock.Now().Add(window)
			if err := a.deps.Checkpoints.SetCooldown(ctx, a.cfg.ID, until); err != nil {
				a.logger.Error("persist cooldown failed", zap.Error(err))
			}
			a.logger.Warn("error budget exhausted, entering cooldown",
				zap.Int("consecutive_failures", a.transientFails),
				zap.Time("until", until))
			a.transientFails = 0
			return a.transition(session.StateCooldown)
		}
		return a.sleep(ctx, a.cfg.Policy.PenaltyDelay())
	}
}

// waitCooldown blocks until the persisted window passes, then resumes.
func (a *Agent) waitCooldown(ctx context.Context) error {
	for {
		cd, ok, err := a.deps.Checkpoints.GetCooldown(ctx, a.cfg.ID)
		if err != nil {
			return fmt.Errorf("read cooldown: %w", err)
		}
		if !ok {
			break
		}
		remaining := cd.Until.Sub(a.deps.Clock.Now())
		if remaining <= 0 {
			if err := a.deps.Checkpoints.ClearCooldown(ctx, a.cfg.ID); err != nil {
				a.logger.Warn("clear cooldown failed", zap.Error(err))
			}
			break
		}
		if err := a.sleep(ctx, remaining); err != nil {
			return err
		}
	}
	return a.transition(session.StateActive)
}

func (a *Agent) emitOutcome(stage report.Stage, targetID string, outcome report.Outcome, groups int, dur time.Duration, note string) {
	if a.deps.Emitter == nil {
		return
	}
	a.deps.Emitter.Emit(report.Event{
		RunID:    a.cfg.RunID,
		TS:       a.deps.Clock.Now().UTC(),
		Stage:    stage,
		AgentID:  a.cfg.ID,
		TargetID: targetID,
		Outcome:  outcome,
		Groups:   groups,
		Dur:      dur,
		Note:     note,
	})
}
