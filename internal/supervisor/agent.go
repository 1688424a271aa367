package supervisor

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loopforge/coreloop/internal/parser"
	"github.com/loopforge/coreloop/internal/stream"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

// liveAgent is the Supervisor's internal bookkeeping for one process: its
// handle, OS process, per-agent pipeline, sub-task arena, and subscriber
// fan-out list. Owned exclusively by the Supervisor.
type liveAgent struct {
	mu sync.Mutex

	handle      coreloop.AgentHandle
	cmd         *exec.Cmd
	ptmx        *os.File
	normalizer  *stream.Normalizer
	adapters    []parser.Adapter
	rateMarkers []string

	subtaskNodes map[string]coreloop.SubtaskNode
	subtaskOrder []string

	toolStarted  map[string]bool
	toolResolved map[string]bool

	spawnEvent  *coreloop.Event
	subscribers []chan coreloop.Event
	done        chan struct{}
}

func (la *liveAgent) setState(next coreloop.AgentState) {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.handle.State.CanTransition(next) {
		la.handle.State = next
	}
}

// recordSubtask folds a Normalizer event into the arena-style sub-task
// tree (§9 design note: parent-index forest, not owning back-references).
func (la *liveAgent) recordSubtask(ev coreloop.SubtaskEvent) {
	la.mu.Lock()
	defer la.mu.Unlock()

	switch ev.Kind {
	case coreloop.SubtaskSpawned:
		la.subtaskNodes[ev.SubtaskID] = coreloop.SubtaskNode{
			ID:          ev.SubtaskID,
			ParentID:    ev.ParentID,
			Depth:       ev.Depth,
			Kind:        ev.Kind,
			Description: ev.Description,
		}
		la.subtaskOrder = append(la.subtaskOrder, ev.SubtaskID)
	case coreloop.SubtaskCompleted, coreloop.SubtaskFailed:
		if node, ok := la.subtaskNodes[ev.SubtaskID]; ok {
			node.Kind = ev.Kind
			la.subtaskNodes[ev.SubtaskID] = node
		}
	}
}

// recordToolStart marks toolID as having an outstanding tool call, the
// precondition for admitToolResult to later accept its result.
func (la *liveAgent) recordToolStart(toolID string) {
	la.mu.Lock()
	defer la.mu.Unlock()
	la.toolStarted[toolID] = true
}

// admitToolResult reports whether a tool-call result for toolID should be
// broadcast: only the first result for an id whose start this agent has
// observed is admitted. A second result for the same id, or a result with
// no matching start, is an orphan per the tool-call pairing invariant and
// is rejected so the caller can log and drop it.
func (la *liveAgent) admitToolResult(toolID string) bool {
	la.mu.Lock()
	defer la.mu.Unlock()
	if !la.toolStarted[toolID] || la.toolResolved[toolID] {
		return false
	}
	la.toolResolved[toolID] = true
	return true
}

// broadcast fans an event out to every current subscriber, dropping it for
// any subscriber whose buffer is full rather than blocking the read loop.
func (la *liveAgent) broadcast(ev coreloop.Event) {
	la.mu.Lock()
	subs := append([]chan coreloop.Event(nil), la.subscribers...)
	la.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (la *liveAgent) closeSubscribers() {
	la.mu.Lock()
	defer la.mu.Unlock()
	for _, ch := range la.subscribers {
		close(ch)
	}
	la.subscribers = nil
}

// detectRateLimit pattern-matches raw output text against the provider's
// configured rate-limit markers. It is the only rate-limit detection path:
// parser records carry no structured rate-limit field, so the returned
// hint never has RetryAfterMs set. Always returns nil when markers is
// empty.
func detectRateLimit(line string, markers []string) *coreloop.RateLimitHint {
	lower := strings.ToLower(line)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return &coreloop.RateLimitHint{Kind: m, ObservedAt: time.Now().UTC()}
		}
	}
	return nil
}
