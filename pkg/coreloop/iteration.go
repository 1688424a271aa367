package coreloop

import "time"

// Outcome is the terminal classification of one Iteration Record.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailed          Outcome = "failed"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeBudgetExhausted Outcome = "budget-exhausted"
)

// Iteration is one attempt in the loop: a single spawn-observe-terminate
// cycle of one agent against one plan. Immutable once its EndedAt is set
// and the record is appended to the iteration log.
type Iteration struct {
	Index         int        `json:"index"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Outcome       Outcome    `json:"outcome"`
	AgentID       string     `json:"agent_id"`
	CostTokens    *int64     `json:"cost_tokens,omitempty"`
	StoriesChanged int       `json:"stories_changed"`
	Summary       string     `json:"summary,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Open reports whether the iteration has been started but not yet closed
// out — the marker recovery (§7) looks for exactly this condition.
func (it *Iteration) Open() bool {
	return it.EndedAt == nil
}

// Snapshot is the periodic, overwritten-in-place checkpoint of a plan's
// execution. Readers tolerate a torn write by falling back to the
// previous snapshot (enforced by persistence's atomic tmp-then-rename, not
// by this type).
type Snapshot struct {
	PlanID          string                 `json:"plan_id"`
	Iteration       int                    `json:"iteration"`
	StoryStates     map[string]StoryStatus `json:"story_states"`
	ActiveAgentID   string                 `json:"active_agent_id,omitempty"`
	ActiveProvider  string                 `json:"active_provider,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CumulativeCost  int64                  `json:"cumulative_cost"`
}
