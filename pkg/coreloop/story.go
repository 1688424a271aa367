// Package coreloop defines the shared domain types for the loop orchestrator:
// stories, plans, iteration records, snapshots, assignments, and learnings.
// These are plain JSON-tagged structs with no persistence or transport logic
// of their own — see internal/persistence for that.
package coreloop

import "time"

// StoryStatus is the lifecycle state of a single Story.
type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryPassing StoryStatus = "passing"
	StoryFailing StoryStatus = "failing"
	StorySkipped StoryStatus = "skipped"
)

// Valid reports whether s is one of the known story statuses.
func (s StoryStatus) Valid() bool {
	switch s {
	case StoryPending, StoryPassing, StoryFailing, StorySkipped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal status walk
// per the invariant in spec §3: pending->passing, pending->failing,
// failing->passing, passing->failing (explicit re-evaluation only). Any
// status may repeat itself (re-recording the same outcome is a no-op, not a
// transition) and Skipped is a terminal sink reachable from pending only.
func (s StoryStatus) CanTransition(next StoryStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StoryPending:
		return next == StoryPassing || next == StoryFailing || next == StorySkipped
	case StoryFailing:
		return next == StoryPassing
	case StoryPassing:
		return next == StoryFailing
	case StorySkipped:
		return false
	default:
		return false
	}
}

// Story is a single unit of desired behavior tracked within a Plan.
type Story struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria,omitempty"`
	Status             StoryStatus `json:"status"`
	LastError          string      `json:"error,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Plan is an ordered collection of stories driven by the Loop Orchestrator.
type Plan struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Body              string    `json:"body"`
	ProjectRoot       string    `json:"project_root"`
	CompletionPromise string    `json:"completion_promise"`
	Stories           []Story   `json:"stories"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AllStoriesPassing reports whether every story in the plan is StoryPassing.
// An empty story list counts as passing (spec §8 boundary: empty story list
// completes on the first iteration before any agent spawns).
func (p *Plan) AllStoriesPassing() bool {
	for _, s := range p.Stories {
		if s.Status != StoryPassing {
			return false
		}
	}
	return true
}

// StoryByID returns a pointer to the story with the given id, or nil.
func (p *Plan) StoryByID(id string) *Story {
	for i := range p.Stories {
		if p.Stories[i].ID == id {
			return &p.Stories[i]
		}
	}
	return nil
}
