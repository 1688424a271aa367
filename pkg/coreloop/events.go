package coreloop

import "time"

// EventKind identifies the shape of an Event's kind-specific fields, per
// spec §6. Consumers match on the tag; there is no string-keyed handler
// registry in the core (§9 design note).
type EventKind string

const (
	EventAgentSpawned         EventKind = "agent.spawned"
	EventAgentOutput          EventKind = "agent.output"
	EventAgentToolStart       EventKind = "agent.tool_start"
	EventAgentToolEnd         EventKind = "agent.tool_end"
	EventAgentSubtask         EventKind = "agent.subtask"
	EventAgentExit            EventKind = "agent.exit"
	EventRateLimitDetected    EventKind = "rate_limit.detected"
	EventPlanIterationStarted EventKind = "plan.iteration_started"
	EventPlanIterationDone    EventKind = "plan.iteration_completed"
	EventPlanLoopCompleted    EventKind = "plan.loop_completed"
	EventAssignmentChanged    EventKind = "assignment.changed"
	EventAssignmentConflict   EventKind = "assignment.conflict"
)

// Event is a single multiplexed entry in the Event Fabric's output stream.
// Payload holds the one kind-specific payload struct matching the kind
// tag. On the wire, eventbus.Encode flattens the payload's fields next to
// kind and timestamp rather than using a fat union; a plain json.Marshal
// of Event nests them under "payload".
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type AgentSpawnedPayload struct {
	AgentID  string `json:"agent_id"`
	Provider string `json:"provider"`
	Worktree string `json:"worktree"`
}

type AgentOutputPayload struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

type AgentToolStartPayload struct {
	AgentID  string `json:"agent_id"`
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	Input    any    `json:"input"`
}

type AgentToolEndPayload struct {
	AgentID string `json:"agent_id"`
	ToolID  string `json:"tool_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

type AgentSubtaskPayload struct {
	AgentID     string      `json:"agent_id"`
	SubtaskID   string      `json:"subtask_id"`
	ParentID    *string     `json:"parent_id,omitempty"`
	Kind        SubtaskKind `json:"kind"`
	Depth       int         `json:"depth"`
	Description string      `json:"description"`
}

type AgentExitPayload struct {
	AgentID  string `json:"agent_id"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

type RateLimitDetectedPayload struct {
	AgentID      string `json:"agent_id"`
	Kind         string `json:"kind"`
	RetryAfterMs *int64 `json:"retry_after_ms,omitempty"`
}

type PlanIterationStartedPayload struct {
	PlanID  string `json:"plan_id"`
	Index   int    `json:"index"`
	AgentID string `json:"agent_id"`
}

type PlanIterationCompletedPayload struct {
	PlanID  string  `json:"plan_id"`
	Index   int     `json:"index"`
	Outcome Outcome `json:"outcome"`
}

// LoopCompletionReason is why a plan's loop stopped running iterations.
type LoopCompletionReason string

const (
	LoopReasonSuccess   LoopCompletionReason = "success"
	LoopReasonExhausted LoopCompletionReason = "exhausted"
	LoopReasonAborted   LoopCompletionReason = "aborted"
	LoopReasonCancelled LoopCompletionReason = "cancelled"
)

type PlanLoopCompletedPayload struct {
	PlanID string               `json:"plan_id"`
	Reason LoopCompletionReason `json:"reason"`
}

type AssignmentChangedPayload struct {
	PathsAdded   []string `json:"paths_added"`
	PathsRemoved []string `json:"paths_removed"`
}

type AssignmentConflictPayload struct {
	Requester     string `json:"requester"`
	Path          string `json:"path"`
	CurrentHolder string `json:"current_holder"`
}
