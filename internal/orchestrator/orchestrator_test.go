package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/internal/supervisor"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeSupervisor is a scripted stand-in for internal/supervisor.Supervisor,
// handing back one pre-built channel of events per agent in spawn order.
type fakeSupervisor struct {
	mu             sync.Mutex
	scripts        [][]coreloop.Event
	spawnCount     int
	terminated     []string
	spawnErr       error
	neverCloseChan bool
}

func (f *fakeSupervisor) Spawn(ctx context.Context, req supervisor.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	id := req.Provider + "-agent"
	f.spawnCount++
	return id, nil
}

func (f *fakeSupervisor) Subscribe(agentID string) (<-chan coreloop.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverCloseChan {
		return make(chan coreloop.Event), func() {}, nil
	}
	idx := f.spawnCount - 1
	if idx < 0 || idx >= len(f.scripts) {
		ch := make(chan coreloop.Event)
		close(ch)
		return ch, func() {}, nil
	}
	ch := make(chan coreloop.Event, len(f.scripts[idx]))
	for _, ev := range f.scripts[idx] {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeSupervisor) Terminate(ctx context.Context, agentID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, agentID)
	return nil
}

// fakeStore is an in-memory stand-in for internal/persistence.Store.
type fakeStore struct {
	mu         sync.Mutex
	iterations map[string][]coreloop.Iteration
	snapshot   map[string]*coreloop.Snapshot
	learnings  []coreloop.Learning
}

func newFakeStore() *fakeStore {
	return &fakeStore{iterations: make(map[string][]coreloop.Iteration), snapshot: make(map[string]*coreloop.Snapshot)}
}

// AppendIteration mirrors the real store's last-record-per-index-wins
// semantics: a later record for the same index replaces the earlier one
// rather than coexisting alongside it.
func (f *fakeStore) AppendIteration(planID string, it coreloop.Iteration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.iterations[planID]
	for i, cur := range existing {
		if cur.Index == it.Index {
			existing[i] = it
			return nil
		}
	}
	f.iterations[planID] = append(existing, it)
	return nil
}

func (f *fakeStore) ReadIterations(planID string) ([]coreloop.Iteration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coreloop.Iteration, len(f.iterations[planID]))
	copy(out, f.iterations[planID])
	return out, nil
}

func (f *fakeStore) WriteSnapshot(snap *coreloop.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *snap
	f.snapshot[snap.PlanID] = &cp
	return nil
}

func (f *fakeStore) ReadSnapshot(planID string) (*coreloop.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snapshot[planID]; ok {
		cp := *s
		return &cp, nil
	}
	return &coreloop.Snapshot{PlanID: planID}, nil
}

func (f *fakeStore) ReadLearnings() ([]coreloop.Learning, error) {
	return f.learnings, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []coreloop.Event
}

func (f *fakeSink) Publish(ev coreloop.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) kinds() []coreloop.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coreloop.EventKind, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

type literalPrompt struct{}

func (literalPrompt) Build(PromptInputs) string { return "do the work" }

func testPlan(completionPromise string) *coreloop.Plan {
	return &coreloop.Plan{
		ID:                "p1",
		Title:             "test plan",
		CompletionPromise: completionPromise,
		Stories: []coreloop.Story{
			{ID: "s1", Status: coreloop.StoryPending},
		},
	}
}

func TestRun_EmptyStoryListCompletesImmediately(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := &coreloop.Plan{ID: "p1", Title: "empty plan"}
	reason, err := o.Run(context.Background(), plan, Config{MaxIterations: 5, Provider: "claude"})
	require.NoError(t, err)
	require.Equal(t, coreloop.LoopReasonSuccess, reason)
	require.Equal(t, 0, sup.spawnCount)
}

func TestRun_SentinelAndCleanExitIsSuccess(t *testing.T) {
	code := 0
	sup := &fakeSupervisor{scripts: [][]coreloop.Event{
		{
			{Kind: coreloop.EventAgentOutput, Payload: coreloop.AgentOutputPayload{AgentID: "a1", Text: "working... ALL_STORIES_DONE"}},
			{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "a1", ExitCode: &code}},
		},
	}}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := testPlan("ALL_STORIES_DONE")
	reason, err := o.Run(context.Background(), plan, Config{MaxIterations: 1, Provider: "claude", ErrorStrategy: StrategyAbortLoop})
	require.NoError(t, err)
	require.Equal(t, coreloop.LoopReasonExhausted, reason) // story never transitions to passing out-of-band in this test

	iterations, _ := store.ReadIterations("p1")
	require.Len(t, iterations, 2) // the successful iteration, then budget-exhausted
	require.Equal(t, coreloop.OutcomeSuccess, iterations[0].Outcome)
}

func TestRun_BudgetExhaustedStopsWithoutSpawning(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newFakeStore()
	require.NoError(t, store.WriteSnapshot(&coreloop.Snapshot{PlanID: "p1", Iteration: 5}))
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := testPlan("DONE")
	reason, err := o.Run(context.Background(), plan, Config{MaxIterations: 3, Provider: "claude"})
	require.NoError(t, err)
	require.Equal(t, coreloop.LoopReasonExhausted, reason)
	require.Equal(t, 0, sup.spawnCount)
}

func TestRun_NonZeroExitRetriesThenAdvances(t *testing.T) {
	code := 1
	failingEvents := []coreloop.Event{
		{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "a1", ExitCode: &code}},
	}
	sup := &fakeSupervisor{scripts: [][]coreloop.Event{failingEvents, failingEvents}}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := testPlan("DONE")
	_, err := o.Run(context.Background(), plan, Config{
		MaxIterations: 1,
		Provider:      "claude",
		ErrorStrategy: StrategyContinue,
		RetryPolicy:   RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	require.Equal(t, 2, sup.spawnCount) // initial attempt + one retry before budget exhausts
}

func TestRun_AbortLoopStrategyStopsOnFirstFailure(t *testing.T) {
	code := 1
	sup := &fakeSupervisor{scripts: [][]coreloop.Event{
		{{Kind: coreloop.EventAgentExit, Payload: coreloop.AgentExitPayload{AgentID: "a1", ExitCode: &code}}},
	}}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := testPlan("DONE")
	reason, err := o.Run(context.Background(), plan, Config{MaxIterations: 10, Provider: "claude", ErrorStrategy: StrategyAbortLoop})
	require.NoError(t, err)
	require.Equal(t, coreloop.LoopReasonAborted, reason)
	require.Equal(t, 1, sup.spawnCount)
}

func TestRun_IdleWatchdogTerminatesAndFailsIteration(t *testing.T) {
	sup := &fakeSupervisor{neverCloseChan: true}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := testPlan("DONE")
	_, err := o.Run(context.Background(), plan, Config{
		MaxIterations: 1, Provider: "claude", ErrorStrategy: StrategyAbortLoop, IdleTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	iterations, _ := store.ReadIterations("p1")
	require.Len(t, iterations, 1)
	require.Equal(t, coreloop.OutcomeFailed, iterations[0].Outcome)
	require.Equal(t, "idle-timeout", iterations[0].Error)
	require.Contains(t, sup.terminated, "claude-agent")
}

func TestRun_SpawnFailureRecordsFailedIterationAndAborts(t *testing.T) {
	sup := &fakeSupervisor{spawnErr: errors.New("tool not installed")}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	plan := testPlan("DONE")
	reason, err := o.Run(context.Background(), plan, Config{MaxIterations: 1, Provider: "claude", ErrorStrategy: StrategyAbortLoop})
	require.NoError(t, err)
	require.Equal(t, coreloop.LoopReasonAborted, reason)

	iterations, _ := store.ReadIterations("p1")
	require.Len(t, iterations, 1)
	require.Equal(t, coreloop.OutcomeFailed, iterations[0].Outcome)
}

func TestStop_CancelsRunningLoop(t *testing.T) {
	sup := &fakeSupervisor{scripts: [][]coreloop.Event{nil}}
	store := newFakeStore()
	sink := &fakeSink{}
	o := New(sup, store, sink, literalPrompt{}, testLogger(t))

	done := make(chan coreloop.LoopCompletionReason, 1)
	go func() {
		plan := testPlan("DONE")
		reason, _ := o.Run(context.Background(), plan, Config{MaxIterations: 1000, Provider: "claude", ErrorStrategy: StrategyContinue, RetryPolicy: RetryPolicy{MaxAttempts: 1000, BaseDelay: time.Hour}})
		done <- reason
	}()

	time.Sleep(20 * time.Millisecond)
	o.Stop("p1")

	select {
	case reason := <-done:
		require.Equal(t, coreloop.LoopReasonCancelled, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe Stop in time")
	}
}

func TestRecoverDangling_ClosesOpenIterationAsInterrupted(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.AppendIteration("p1", coreloop.Iteration{Index: 3, StartedAt: time.Now().UTC()}))
	o := New(&fakeSupervisor{}, store, &fakeSink{}, literalPrompt{}, testLogger(t))

	require.NoError(t, o.RecoverDangling("p1"))

	iterations, _ := store.ReadIterations("p1")
	require.Len(t, iterations, 1)
	require.Equal(t, coreloop.OutcomeFailed, iterations[0].Outcome)
	require.Equal(t, "interrupted", iterations[0].Error)
	require.False(t, iterations[0].Open())
}

func TestRecoverDangling_NoOpWhenLastIterationClosed(t *testing.T) {
	store := newFakeStore()
	end := time.Now().UTC()
	require.NoError(t, store.AppendIteration("p1", coreloop.Iteration{Index: 1, StartedAt: end, EndedAt: &end, Outcome: coreloop.OutcomeSuccess}))
	o := New(&fakeSupervisor{}, store, &fakeSink{}, literalPrompt{}, testLogger(t))

	require.NoError(t, o.RecoverDangling("p1"))

	iterations, _ := store.ReadIterations("p1")
	require.Len(t, iterations, 1)
	require.Equal(t, coreloop.OutcomeSuccess, iterations[0].Outcome)
}

func TestBackoffDelay_GrowsWithAttemptAndRespectsBaseDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Millisecond, Multiplier: 2}
	d1 := backoffDelay(policy, 1)
	d2 := backoffDelay(policy, 2)
	require.Equal(t, 10*time.Millisecond, d1)
	require.Equal(t, 20*time.Millisecond, d2)
}
