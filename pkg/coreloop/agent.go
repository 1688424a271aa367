package coreloop

import "time"

// AgentState is the lifecycle state machine of one supervised process, per
// spec §4.4: starting -> running -> exiting -> terminated. Only
// running->exiting is driven by explicit terminate or observed PTY EOF;
// terminated is a sink.
type AgentState string

const (
	AgentStarting   AgentState = "starting"
	AgentRunning    AgentState = "running"
	AgentExiting    AgentState = "exiting"
	AgentTerminated AgentState = "terminated"
)

// CanTransition reports whether moving from s to next is legal in the
// agent process state machine.
func (s AgentState) CanTransition(next AgentState) bool {
	switch s {
	case AgentStarting:
		return next == AgentRunning || next == AgentExiting
	case AgentRunning:
		return next == AgentExiting
	case AgentExiting:
		return next == AgentTerminated
	default:
		return false
	}
}

// SubtaskKind is the classification of a Stream Normalizer sub-task event.
type SubtaskKind string

const (
	SubtaskSpawned   SubtaskKind = "spawned"
	SubtaskProgress  SubtaskKind = "progress"
	SubtaskCompleted SubtaskKind = "completed"
	SubtaskFailed    SubtaskKind = "failed"
)

// SubtaskEvent is produced by the Stream Normalizer from textual markers in
// an agent's output. Ordered strictly by emission within one agent.
type SubtaskEvent struct {
	AgentID     string      `json:"agent_id"`
	SubtaskID   string      `json:"subtask_id"`
	ParentID    *string     `json:"parent_id,omitempty"`
	Kind        SubtaskKind `json:"kind"`
	Depth       int         `json:"depth"`
	Description string      `json:"description"`
	Timestamp   time.Time   `json:"timestamp"`
}

// SubtaskNode is one node of the sub-task forest returned by get_tree,
// stored in an arena keyed by integer-ish string id with a parent pointer
// rather than owning back-references (§9 design note).
type SubtaskNode struct {
	ID          string      `json:"id"`
	ParentID    *string     `json:"parent_id,omitempty"`
	Depth       int         `json:"depth"`
	Kind        SubtaskKind `json:"kind"`
	Description string      `json:"description"`
}

// ToolCallStart is emitted by the Output Parser when a provider's CLI line
// reports the beginning of a tool invocation.
type ToolCallStart struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Input      any       `json:"input"`
	StartedAt  time.Time `json:"started_at"`
}

// ToolCallResult pairs back to a ToolCallStart by ToolCallID. At most one
// result per tool-call id per agent lifetime; orphans are logged and
// dropped by the parser's caller.
type ToolCallResult struct {
	ToolCallID string    `json:"tool_call_id"`
	Output     string    `json:"output"`
	IsError    bool      `json:"is_error"`
	EndedAt    time.Time `json:"ended_at"`
}

// AgentHandle is the Supervisor's view of one live or recently-live agent
// process. Owned exclusively by the Supervisor; external code receives
// only the AgentID and a subscription handle.
type AgentHandle struct {
	AgentID        string     `json:"agent_id"`
	Provider       string     `json:"provider"`
	Worktree       string     `json:"worktree"`
	EnvOverlay     map[string]string `json:"-"`
	SpawnedAt      time.Time  `json:"spawned_at"`
	State          AgentState `json:"state"`
	LastRateLimitHint *RateLimitHint `json:"last_rate_limit_hint,omitempty"`
}

// RateLimitHint carries an optional retry-after duration observed from
// either a parser-reported structured field or a pattern match against raw
// output text.
type RateLimitHint struct {
	Kind         string         `json:"kind"`
	RetryAfterMs *int64         `json:"retry_after_ms,omitempty"`
	ObservedAt   time.Time      `json:"observed_at"`
}
