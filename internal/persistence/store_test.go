package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/pkg/coreloop"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	return s
}

func TestPlan_RoundTripPreservesUnknownFields(t *testing.T) {
	s := newTestStore(t)
	raw := []byte(`{"id":"p1","title":"t","body":"b","project_root":"/x","completion_promise":"DONE","stories":[],"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","future_field":"kept-me"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "plans"), 0o755))
	require.NoError(t, os.WriteFile(s.planPath("p1"), raw, 0o644))

	plan, extra, err := s.ReadPlan("p1")
	require.NoError(t, err)
	require.Equal(t, "t", plan.Title)

	plan.Title = "renamed"
	require.NoError(t, s.WritePlan(plan, extra))

	data, err := os.ReadFile(s.planPath("p1"))
	require.NoError(t, err)
	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	require.Contains(t, roundTripped, "future_field")
	require.JSONEq(t, `"kept-me"`, string(roundTripped["future_field"]))
}

func TestPlan_ReadMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.ReadPlan("absent")
	require.Error(t, err)
}

func TestIterations_LastRecordPerIndexWins(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC()
	require.NoError(t, s.AppendIteration("p1", coreloop.Iteration{Index: 1, StartedAt: start}))
	end := start.Add(time.Minute)
	require.NoError(t, s.AppendIteration("p1", coreloop.Iteration{Index: 1, StartedAt: start, EndedAt: &end, Outcome: coreloop.OutcomeFailed, Error: "interrupted"}))

	iterations, err := s.ReadIterations("p1")
	require.NoError(t, err)
	require.Len(t, iterations, 1)
	require.Equal(t, coreloop.OutcomeFailed, iterations[0].Outcome)
	require.False(t, iterations[0].Open())
}

func TestIterations_MissingLogIsEmpty(t *testing.T) {
	s := newTestStore(t)
	iterations, err := s.ReadIterations("nope")
	require.NoError(t, err)
	require.Empty(t, iterations)
}

func TestSnapshot_CorruptFallsBackToIterationLog(t *testing.T) {
	s := newTestStore(t)
	cost := int64(42)
	require.NoError(t, s.AppendIteration("p1", coreloop.Iteration{Index: 1, CostTokens: &cost}))
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "snapshot"), 0o755))
	require.NoError(t, os.WriteFile(s.snapshotPath("p1"), []byte("{not json"), 0o644))

	snap, err := s.ReadSnapshot("p1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.Iteration)
	require.Equal(t, int64(42), snap.CumulativeCost)
}

func TestSnapshot_MissingReconstructsEmpty(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.ReadSnapshot("never-run")
	require.NoError(t, err)
	require.Equal(t, 0, snap.Iteration)
}

func TestSnapshot_WriteThenRead(t *testing.T) {
	s := newTestStore(t)
	snap := &coreloop.Snapshot{PlanID: "p1", Iteration: 3, StoryStates: map[string]coreloop.StoryStatus{"s1": coreloop.StoryPassing}, UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.WriteSnapshot(snap))

	got, err := s.ReadSnapshot("p1")
	require.NoError(t, err)
	require.Equal(t, 3, got.Iteration)
	require.Equal(t, coreloop.StoryPassing, got.StoryStates["s1"])
}

func TestAssignments_CorruptFileYieldsEmptySlice(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.assignmentsPath(), []byte("not json"), 0o644))
	leases, err := s.ReadAssignments()
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestAssignments_WriteThenRead(t *testing.T) {
	s := newTestStore(t)
	leases := []coreloop.Assignment{
		{Path: "a.go", AgentID: "agent-1", Intent: coreloop.IntentWrite, AcquiredAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Hour).UTC()},
	}
	require.NoError(t, s.WriteAssignments(leases))
	got, err := s.ReadAssignments()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "agent-1", got[0].AgentID)
}

func TestAssignments_WriteThenRead_MultipleReadersSamePath(t *testing.T) {
	s := newTestStore(t)
	leases := []coreloop.Assignment{
		{Path: "a.go", AgentID: "agent-1", Intent: coreloop.IntentRead, ExpiresAt: time.Now().Add(time.Hour).UTC()},
		{Path: "a.go", AgentID: "agent-2", Intent: coreloop.IntentRead, ExpiresAt: time.Now().Add(time.Hour).UTC()},
	}
	require.NoError(t, s.WriteAssignments(leases))
	got, err := s.ReadAssignments()
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestSeedLearningsFromFile_MergesAndDedupes(t *testing.T) {
	s := newTestStore(t)
	seedPath := filepath.Join(t.TempDir(), "learnings.seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte("- kind: convention\n  text: use gofmt\n- kind: gotcha\n  text: watch the rate limiter\n"), 0o644))

	require.NoError(t, s.SeedLearningsFromFile(seedPath))
	learnings, err := s.ReadLearnings()
	require.NoError(t, err)
	require.Len(t, learnings, 2)

	require.NoError(t, s.SeedLearningsFromFile(seedPath))
	learnings, err = s.ReadLearnings()
	require.NoError(t, err)
	require.Len(t, learnings, 2)
}

func TestSeedLearningsFromFile_MissingFileIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SeedLearningsFromFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestProgressNotes_AppendAndRead(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.AppendProgressNote("p1", coreloop.ProgressNote{Timestamp: now, Text: "started work"}))
	notes, err := s.ReadProgressNotes("p1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "started work", notes[0].Text)
}
