package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadsignal/harvester/internal/checkpoint"
	checkpointmem "github.com/leadsignal/harvester/internal/checkpoint/memory"
	"github.com/leadsignal/harvester/internal/dedup"
	"github.com/leadsignal/harvester/internal/harvest"
	profilemem "github.com/leadsignal/harvester/internal/profile/memory"
	queuemem "github.com/leadsignal/harvester/internal/queue/memory"
	"github.com/leadsignal/harvester/internal/report"
	"github.com/leadsignal/harvester/internal/session"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fetchOutcome struct {
	result harvest.FetchResult
	err    error
}

type fakeFetcher struct {
	mu       sync.Mutex
	outcomes map[string][]fetchOutcome
	loginErr []error
	logins   int
	inits    int
	tears    int
	fetched  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{outcomes: make(map[string][]fetchOutcome)}
}

func (f *fakeFetcher) script(targetID string, outcome fetchOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[targetID] = append(f.outcomes[targetID], outcome)
}

func (f *fakeFetcher) Initialize(context.Context, harvest.Identity, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeFetcher) Login(context.Context, harvest.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if len(f.loginErr) > 0 {
		err := f.loginErr[0]
		f.loginErr = f.loginErr[1:]
		return err
	}
	return nil
}

func (f *fakeFetcher) FetchProfile(_ context.Context, target harvest.Target) (harvest.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, target.TargetID)
	queued := f.outcomes[target.TargetID]
	if len(queued) == 0 {
		return successResult(target.TargetID), nil
	}
	out := queued[0]
	f.outcomes[target.TargetID] = queued[1:]
	return out.result, out.err
}

func (f *fakeFetcher) SaveSession(context.Context, string) error    { return nil }
func (f *fakeFetcher) RestoreSession(context.Context, string) error { return nil }

func (f *fakeFetcher) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tears++
	return nil
}

func (f *fakeFetcher) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func successResult(targetID string) harvest.FetchResult {
	return harvest.FetchResult{
		Profile: harvest.RawProfile{
			TargetID: targetID,
			Basic:    harvest.BasicFields{Name: "Name " + targetID},
			Batches: [][]harvest.ActivityRecord{{
				{
					EngagedURL: "https://example.com/posts/" + targetID,
					Text:       "post by " + targetID,
					Timestamp:  "2024-05-30T10:00:00Z",
					Kind:       harvest.KindPost,
				},
			}},
		},
		AuthValid: true,
		Duration:  2 * time.Second,
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []report.Event
}

func (e *recordingEmitter) Emit(evt report.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) all() []report.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]report.Event(nil), e.events...)
}

type testHarness struct {
	clock   *fakeClock
	fetcher *fakeFetcher
	queue   *queuemem.Queue
	cps     checkpoint.Store
	store   *profilemem.Store
	emitter *recordingEmitter
	agent   *Agent
}

func instantPolicy() session.Policy {
	return session.Policy{
		ProfileCapMin: 100,
		ProfileCapMax: 100,
		SessionMin:    24 * time.Hour,
		SessionMax:    24 * time.Hour,
		CooldownMin:   2 * time.Hour,
		CooldownMax:   2 * time.Hour,
	}
}

func newHarness(t *testing.T, policy session.Policy) *testHarness {
	t.Helper()
	h := &testHarness{
		clock:   newFakeClock(),
		fetcher: newFakeFetcher(),
		queue:   queuemem.NewQueue(16, nil),
		cps:     checkpointmem.NewStore(),
		store:   profilemem.NewStore(),
		emitter: &recordingEmitter{},
	}
	h.agent = New(Config{
		ID:       "agent-01",
		Identity: harvest.Identity{Email: "a@example.com"},
		Policy:   policy,
		RunID:    report.NewRunID(),
	}, Deps{
		Queue:       h.queue,
		Checkpoints: h.cps,
		Profiles:    h.store,
		Engine:      dedup.NewEngine(h.clock),
		Fetcher:     h.fetcher,
		Clock:       h.clock,
		Emitter:     h.emitter,
	})
	// Sleeping advances the fake clock instead of wall time.
	h.agent.sleep = func(ctx context.Context, d time.Duration) error {
		h.clock.Advance(d)
		return ctx.Err()
	}
	return h
}

func (h *testHarness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.agent.Run(ctx)
	}()

	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
	h.queue.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent loop did not exit")
	}
}

func (h *testHarness) processedCount() int {
	n := 0
	for _, id := range []string{"A", "B", "C"} {
		if done, _ := h.cps.IsProcessed(context.Background(), id); done {
			n++
		}
	}
	return n
}

func TestAgentProcessesAndPersistsTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	require.NoError(t, h.queue.Enqueue(context.Background(), harvest.Target{TargetID: "A"}))

	h.runUntil(t, func() bool {
		done, _ := h.cps.IsProcessed(context.Background(), "A")
		return done
	})

	p, ok := h.store.Profile("A")
	require.True(t, ok)
	require.Equal(t, "Name A", p.FullName)
	require.Len(t, h.store.Activity("A"), 1)

	cp, err := h.cps.Get(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, cp.Markers.LastPost.Equal(time.Date(2024, 5, 30, 10, 0, 0, 0, time.UTC)))
}

func TestSessionCapForcesReinitBetweenTargets(t *testing.T) {
	t.Parallel()

	policy := instantPolicy()
	policy.ProfileCapMin = 1
	policy.ProfileCapMax = 1

	h := newHarness(t, policy)
	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "B"}))

	h.runUntil(t, func() bool { return h.processedCount() == 2 })

	// Two logins prove the session was rebuilt between the two targets.
	require.GreaterOrEqual(t, h.fetcher.loginCount(), 2)

	var sawReinit bool
	var doneBefore, doneAfter []string
	for _, evt := range h.emitter.all() {
		switch {
		case evt.Stage == report.StageAgentState && evt.AgentState == "REINITIALIZING":
			sawReinit = true
		case evt.Stage == report.StageTargetDone && !sawReinit:
			doneBefore = append(doneBefore, evt.TargetID)
		case evt.Stage == report.StageTargetDone:
			doneAfter = append(doneAfter, evt.TargetID)
		}
	}
	require.True(t, sawReinit)
	require.Equal(t, []string{"A"}, doneBefore)
	require.Equal(t, []string{"B"}, doneAfter)
}

func TestBlockTriggersPersistedCooldownBeforeRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	ctx := context.Background()
	h.fetcher.script("A", fetchOutcome{err: harvest.NewBlockedError("challenge page")})
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))

	start := h.clock.Now()
	h.runUntil(t, func() bool {
		done, _ := h.cps.IsProcessed(context.Background(), "A")
		return done
	})

	// The fixed 2h window must fully elapse on the mock clock before the
	// retry pass fetches the target again.
	require.GreaterOrEqual(t, h.clock.Now().Sub(start), 2*time.Hour)

	var blocked bool
	for _, evt := range h.emitter.all() {
		if evt.Stage == report.StageTargetError && evt.Outcome == report.OutcomeBlocked {
			blocked = true
		}
	}
	require.True(t, blocked)

	_, ok, err := h.cps.GetCooldown(ctx, "agent-01")
	require.NoError(t, err)
	require.False(t, ok, "cooldown should be cleared once served")
}

func TestTransientFailureRequeuesWithPenalty(t *testing.T) {
	t.Parallel()

	policy := instantPolicy()
	policy.PenaltyMin = 5 * time.Minute
	policy.PenaltyMax = 5 * time.Minute

	h := newHarness(t, policy)
	ctx := context.Background()
	h.fetcher.script("A", fetchOutcome{err: harvest.NewTransientError("navigation timeout", nil)})
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))

	start := h.clock.Now()
	h.runUntil(t, func() bool {
		done, _ := h.cps.IsProcessed(context.Background(), "A")
		return done
	})

	require.GreaterOrEqual(t, h.clock.Now().Sub(start), 5*time.Minute)
}

func TestFingerprintSharedAcrossFeedsKeepsKindUnion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	ctx := context.Background()

	// The same post shows up in the reaction feed and the comment feed of
	// one fetch; the persisted group must carry both kinds.
	h.fetcher.script("A", fetchOutcome{result: harvest.FetchResult{
		Profile: harvest.RawProfile{
			TargetID: "A",
			Batches: [][]harvest.ActivityRecord{
				{{
					EngagedURL: "https://example.com/posts/7",
					Text:       "launch day",
					Timestamp:  "2024-05-30T10:00:00Z",
					Kind:       harvest.KindReaction,
				}},
				{{
					EngagedURL:  "https://example.com/posts/7",
					Text:        "launch day",
					CommentText: "congrats!",
					Timestamp:   "2024-05-29T08:00:00Z",
					Kind:        harvest.KindComment,
				}},
			},
		},
		AuthValid: true,
	}})
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))

	h.runUntil(t, func() bool {
		done, _ := h.cps.IsProcessed(context.Background(), "A")
		return done
	})

	groups := h.store.Activity("A")
	require.Len(t, groups, 1)
	require.True(t, groups[0].HasKind(harvest.KindReaction))
	require.True(t, groups[0].HasKind(harvest.KindComment))
	require.Equal(t, "congrats!", groups[0].CommentText)
}

func TestDailyCapRestsUntilNextUTCDay(t *testing.T) {
	t.Parallel()

	policy := instantPolicy()
	policy.DailyCapMin = 1
	policy.DailyCapMax = 1

	h := newHarness(t, policy)
	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "B"}))

	h.runUntil(t, func() bool { return h.processedCount() == 2 })

	// The second target must wait out the rest of the day on the mock clock.
	midnight := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	require.False(t, h.clock.Now().Before(midnight))

	count, err := h.cps.DailyCount(ctx, "agent-01", "2024-06-01")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var cooled bool
	for _, evt := range h.emitter.all() {
		if evt.Stage == report.StageAgentState && evt.AgentState == "COOLDOWN" {
			cooled = true
		}
	}
	require.True(t, cooled)
}

func TestTransientBudgetExhaustionForcesCooldown(t *testing.T) {
	t.Parallel()

	policy := instantPolicy()
	policy.FailureBudget = 2
	policy.PenaltyMin = time.Minute
	policy.PenaltyMax = time.Minute

	h := newHarness(t, policy)
	ctx := context.Background()
	h.fetcher.script("A", fetchOutcome{err: harvest.NewTransientError("navigation timeout", nil)})
	h.fetcher.script("A", fetchOutcome{err: harvest.NewTransientError("navigation timeout", nil)})
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))

	start := h.clock.Now()
	h.runUntil(t, func() bool {
		done, _ := h.cps.IsProcessed(context.Background(), "A")
		return done
	})

	// The second consecutive failure exhausts the budget, so the fixed 2h
	// cooldown must elapse before the retry that finally succeeds.
	require.GreaterOrEqual(t, h.clock.Now().Sub(start), 2*time.Hour)

	var cooled bool
	for _, evt := range h.emitter.all() {
		if evt.Stage == report.StageAgentState && evt.AgentState == "COOLDOWN" {
			cooled = true
		}
	}
	require.True(t, cooled)
}

func TestMarkProcessedFailureLeavesTargetEligible(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	flaky := &flakyMarkStore{Store: h.cps, failures: 1}
	h.agent.deps.Checkpoints = flaky

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))

	h.runUntil(t, func() bool {
		done, _ := flaky.IsProcessed(context.Background(), "A")
		return done
	})

	// First pass persisted but could not flag; redelivery completed it.
	require.GreaterOrEqual(t, flaky.markCalls(), 2)
	_, ok := h.store.Profile("A")
	require.True(t, ok)

	var sawPersistence bool
	for _, evt := range h.emitter.all() {
		if evt.Outcome == report.OutcomePersistence {
			sawPersistence = true
		}
	}
	require.True(t, sawPersistence)
}

func TestRepeatedLoginFailureWithdrawsAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	h.fetcher.loginErr = []error{
		harvest.NewAuthError("bad password", nil),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.agent.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not withdraw")
	}
	require.Equal(t, session.StateAuthFailed, h.agent.State())
}

func TestTransientLoginFailureRetriesBeforeWithdrawal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	h.fetcher.loginErr = []error{errors.New("connection reset")}

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, harvest.Target{TargetID: "A"}))

	h.runUntil(t, func() bool {
		done, _ := h.cps.IsProcessed(context.Background(), "A")
		return done
	})
	require.GreaterOrEqual(t, h.fetcher.loginCount(), 2)
}

func TestAlreadyProcessedTargetSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, instantPolicy())
	ctx := context.Background()
	require.NoError(t, h.cps.MarkProcessed(ctx, "A"))

	q := queuemem.NewQueue(4, nil)
	h.agent.deps.Queue = q
	require.NoError(t, q.Requeue(ctx, harvest.Target{TargetID: "A"}))
	require.NoError(t, q.Enqueue(ctx, harvest.Target{TargetID: "B"}))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.agent.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		p, _ := h.cps.IsProcessed(context.Background(), "B")
		return p
	}, 5*time.Second, 5*time.Millisecond)
	q.Close()
	cancel()
	<-done

	h.fetcher.mu.Lock()
	fetched := append([]string(nil), h.fetcher.fetched...)
	h.fetcher.mu.Unlock()
	require.NotContains(t, fetched, "A")
}

type flakyMarkStore struct {
	checkpoint.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyMarkStore) MarkProcessed(ctx context.Context, targetID string) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated write failure")
	}
	return s.Store.MarkProcessed(ctx, targetID)
}

func (s *flakyMarkStore) markCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
