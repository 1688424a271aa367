package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopforge/coreloop/internal/coreerr"
	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/pkg/coreloop"
	"go.uber.org/zap"
)

// Store is the per-project root directory holding every persisted entity
// named in the layout: plans/, iterations/, snapshot/, assignments.json,
// learnings.json, progress/.
type Store struct {
	root string
	log  *logger.Logger
}

// New returns a Store rooted at root, creating the directory if absent.
func New(root string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "failed to create data directory", err)
	}
	return &Store{root: root, log: log.WithFields(zap.String("component", "persistence"))}, nil
}

func (s *Store) planPath(planID string) string       { return filepath.Join(s.root, "plans", planID+".json") }
func (s *Store) iterationsPath(planID string) string { return filepath.Join(s.root, "iterations", planID+".jsonl") }
func (s *Store) snapshotPath(planID string) string   { return filepath.Join(s.root, "snapshot", planID+".json") }
func (s *Store) assignmentsPath() string              { return filepath.Join(s.root, "assignments.json") }
func (s *Store) learningsPath() string                { return filepath.Join(s.root, "learnings.json") }
func (s *Store) progressPath(planID string) string    { return filepath.Join(s.root, "progress", planID+".log") }

// --- Plans ---

// ReadPlan loads a plan definition, preserving any JSON fields this binary
// does not know about so a later WritePlan does not drop them.
func (s *Store) ReadPlan(planID string) (*coreloop.Plan, map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.planPath(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, coreerr.New(coreerr.NotFound, "plan not found")
		}
		return nil, nil, coreerr.Wrap(coreerr.IO, "failed to read plan", err)
	}
	var plan coreloop.Plan
	extra, err := decodeWithExtra(data, &plan)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Corrupt, "failed to parse plan", err)
	}
	return &plan, extra, nil
}

// WritePlan persists plan atomically, merging back any extra fields a
// prior ReadPlan preserved.
func (s *Store) WritePlan(plan *coreloop.Plan, extra map[string]json.RawMessage) error {
	data, err := encodeWithExtra(plan, extra)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "failed to encode plan", err)
	}
	if err := writeFileAtomic(s.planPath(plan.ID), data, 0o644); err != nil {
		return coreerr.Wrap(coreerr.IO, "failed to write plan", err)
	}
	return nil
}

// --- Iterations ---

// AppendIteration appends one Iteration record to the plan's append-only
// log. Readers treat the last record with a given Index as authoritative,
// which lets crash recovery "close out" a dangling iteration by appending
// a corrected record rather than mutating history.
func (s *Store) AppendIteration(planID string, it coreloop.Iteration) error {
	data, err := json.Marshal(it)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "failed to encode iteration", err)
	}
	if err := appendLine(s.iterationsPath(planID), data); err != nil {
		return coreerr.Wrap(coreerr.IO, "failed to append iteration", err)
	}
	return nil
}

// ReadIterations returns the effective iteration history for planID: one
// entry per index, using the last record seen for each index, ordered by
// index ascending. A missing log is treated as an empty history.
func (s *Store) ReadIterations(planID string) ([]coreloop.Iteration, error) {
	data, err := os.ReadFile(s.iterationsPath(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.IO, "failed to read iteration log", err)
	}

	byIndex := make(map[int]coreloop.Iteration)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var it coreloop.Iteration
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			s.log.WithError(err).Warn("skipping corrupt iteration log line", zap.String("plan_id", planID))
			continue
		}
		byIndex[it.Index] = it
	}

	out := make([]coreloop.Iteration, 0, len(byIndex))
	for _, it := range byIndex {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// --- Snapshot ---

// ReadSnapshot loads the latest execution snapshot. On a parse failure it
// falls back to reconstructing a snapshot from the iteration log tail,
// per the corruption policy.
func (s *Store) ReadSnapshot(planID string) (*coreloop.Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return s.reconstructSnapshot(planID)
		}
		return nil, coreerr.Wrap(coreerr.IO, "failed to read snapshot", err)
	}
	var snap coreloop.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.WithError(err).Warn("snapshot corrupt, reconstructing from iteration log", zap.String("plan_id", planID))
		return s.reconstructSnapshot(planID)
	}
	return &snap, nil
}

func (s *Store) reconstructSnapshot(planID string) (*coreloop.Snapshot, error) {
	iterations, err := s.ReadIterations(planID)
	if err != nil {
		return nil, err
	}
	snap := &coreloop.Snapshot{PlanID: planID, StoryStates: map[string]coreloop.StoryStatus{}, UpdatedAt: time.Now().UTC()}
	var cumulative int64
	for _, it := range iterations {
		if it.Index > snap.Iteration {
			snap.Iteration = it.Index
		}
		if it.CostTokens != nil {
			cumulative += *it.CostTokens
		}
	}
	snap.CumulativeCost = cumulative
	return snap, nil
}

// WriteSnapshot overwrites the snapshot atomically.
func (s *Store) WriteSnapshot(snap *coreloop.Snapshot) error {
	if err := writeJSONAtomic(s.snapshotPath(snap.PlanID), snap); err != nil {
		return coreerr.Wrap(coreerr.IO, "failed to write snapshot", err)
	}
	return nil
}

// --- Assignments ---

// assignmentsFile is the on-disk envelope for assignments.json: a
// versioned list rather than a bare path-keyed map, so more than one
// lease (e.g. several concurrent readers) can be recorded against the
// same path.
type assignmentsFile struct {
	Version int                   `json:"version"`
	Leases  []coreloop.Assignment `json:"leases"`
}

// ReadAssignments loads the live leases. A parse failure logs and returns
// an empty slice rather than failing the caller.
func (s *Store) ReadAssignments() ([]coreloop.Assignment, error) {
	data, err := os.ReadFile(s.assignmentsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.IO, "failed to read assignments", err)
	}
	var f assignmentsFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.WithError(err).Warn("assignments.json corrupt, starting from an empty lease set")
		return nil, nil
	}
	return f.Leases, nil
}

// WriteAssignments overwrites the lease list atomically.
func (s *Store) WriteAssignments(leases []coreloop.Assignment) error {
	f := assignmentsFile{Version: 1, Leases: leases}
	if err := writeJSONAtomic(s.assignmentsPath(), f); err != nil {
		return coreerr.Wrap(coreerr.IO, "failed to write assignments", err)
	}
	return nil
}

// --- Learnings ---

// ReadLearnings loads accumulated learnings, or an empty slice if none
// have been recorded yet.
func (s *Store) ReadLearnings() ([]coreloop.Learning, error) {
	var learnings []coreloop.Learning
	if err := readJSON(s.learningsPath(), &learnings); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.IO, "failed to read learnings", err)
	}
	return learnings, nil
}

// WriteLearnings overwrites the learnings file atomically.
func (s *Store) WriteLearnings(learnings []coreloop.Learning) error {
	if err := writeJSONAtomic(s.learningsPath(), learnings); err != nil {
		return coreerr.Wrap(coreerr.IO, "failed to write learnings", err)
	}
	return nil
}

// seedLearning is the shape of one entry in a learnings.seed.yaml file, an
// external collaborator's way of pre-populating conventions and gotchas
// for a fresh project before any iteration has run.
type seedLearning struct {
	Kind string `yaml:"kind"`
	Text string `yaml:"text"`
}

// SeedLearningsFromFile merges entries from a YAML seed file into the
// existing learnings store, skipping any whose text already exists.
// Absence of the seed file is not an error.
func (s *Store) SeedLearningsFromFile(seedPath string) error {
	data, err := os.ReadFile(seedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return coreerr.Wrap(coreerr.IO, "failed to read learnings seed", err)
	}

	var seeds []seedLearning
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return coreerr.Wrap(coreerr.Corrupt, "failed to parse learnings seed", err)
	}

	existing, err := s.ReadLearnings()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, l := range existing {
		seen[l.Text] = true
	}

	now := time.Now().UTC()
	for i, seed := range seeds {
		if seen[seed.Text] {
			continue
		}
		kind := coreloop.LearningKind(seed.Kind)
		if kind != coreloop.LearningConvention && kind != coreloop.LearningGotcha && kind != coreloop.LearningDecision {
			s.log.Warn("skipping seed learning with unknown kind", zap.String("kind", seed.Kind))
			continue
		}
		existing = append(existing, coreloop.Learning{
			ID:        fmt.Sprintf("seed-%d-%d", now.Unix(), i),
			Kind:      kind,
			Text:      seed.Text,
			CreatedAt: now,
		})
	}

	return s.WriteLearnings(existing)
}

// --- Progress notes ---

// AppendProgressNote appends a timestamped note to the plan's progress
// log.
func (s *Store) AppendProgressNote(planID string, note coreloop.ProgressNote) error {
	line := fmt.Sprintf("%s\t%s", note.Timestamp.UTC().Format(time.RFC3339), note.Text)
	if err := appendLine(s.progressPath(planID), []byte(line)); err != nil {
		return coreerr.Wrap(coreerr.IO, "failed to append progress note", err)
	}
	return nil
}

// ReadProgressNotes returns every note recorded for planID, in append
// order.
func (s *Store) ReadProgressNotes(planID string) ([]coreloop.ProgressNote, error) {
	data, err := os.ReadFile(s.progressPath(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.IO, "failed to read progress log", err)
	}

	var notes []coreloop.ProgressNote
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			continue
		}
		notes = append(notes, coreloop.ProgressNote{Timestamp: ts, Text: parts[1]})
	}
	return notes, nil
}
