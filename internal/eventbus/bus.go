// Package eventbus is the Event Fabric: it multiplexes Supervisor agent
// events, Orchestrator progress, and Assignment Coordinator lease changes
// into per-connection subscriptions, grounded on the teacher's
// gateway/websocket Hub (register/unregister/broadcast channel loop,
// mutex-guarded subscriber map) reworked from task-keyed WebSocket clients
// into predicate-filtered coreloop.Event subscribers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

// Filter decides whether a subscriber should receive ev. A nil Filter
// matches every event.
type Filter func(ev coreloop.Event) bool

// ByPlan matches plan.* events addressed to planID, every assignment.*
// event (their payloads carry no plan id), plus any agent.* or
// rate_limit.* event produced by an agent the Bus has observed working on
// planID (learned from plan.iteration_started events, the only place an
// agent id and plan id co-occur in the stream).
func ByPlan(bus *Bus, planID string) Filter {
	return func(ev coreloop.Event) bool {
		switch p := ev.Payload.(type) {
		case coreloop.PlanIterationStartedPayload:
			return p.PlanID == planID
		case coreloop.PlanIterationCompletedPayload:
			return p.PlanID == planID
		case coreloop.PlanLoopCompletedPayload:
			return p.PlanID == planID
		case coreloop.AssignmentChangedPayload, coreloop.AssignmentConflictPayload:
			return true
		default:
			if agentID, ok := agentIDOf(ev); ok {
				return bus.planOfAgent(agentID) == planID
			}
			return false
		}
	}
}

func agentIDOf(ev coreloop.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case coreloop.AgentSpawnedPayload:
		return p.AgentID, true
	case coreloop.AgentOutputPayload:
		return p.AgentID, true
	case coreloop.AgentToolStartPayload:
		return p.AgentID, true
	case coreloop.AgentToolEndPayload:
		return p.AgentID, true
	case coreloop.AgentSubtaskPayload:
		return p.AgentID, true
	case coreloop.AgentExitPayload:
		return p.AgentID, true
	case coreloop.RateLimitDetectedPayload:
		return p.AgentID, true
	default:
		return "", false
	}
}

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan coreloop.Event
}

// Bus is the process-wide event multiplexer. One Bus is constructed at
// startup and shared by every producer (Orchestrator, Assignment
// Coordinator) and every consumer (per-connection subscriptions).
type Bus struct {
	log *logger.Logger

	register   chan *subscriber
	unregister chan uint64
	broadcast  chan coreloop.Event
	done       chan struct{}

	nextID uint64

	mu   sync.RWMutex
	subs map[uint64]*subscriber

	agentPlanMu sync.RWMutex
	agentPlan   map[string]string
}

// New constructs a Bus. Call Run in a goroutine before any Publish or
// Subscribe call is expected to take effect.
func New(log *logger.Logger) *Bus {
	return &Bus{
		log:        log.WithFields(zap.String("component", "eventbus")),
		register:   make(chan *subscriber),
		unregister: make(chan uint64),
		broadcast:  make(chan coreloop.Event, 1024),
		done:       make(chan struct{}),
		subs:       make(map[uint64]*subscriber),
		agentPlan:  make(map[string]string),
	}
}

// Run drives the Bus's dispatch loop until ctx is cancelled, at which
// point every subscriber channel is closed.
func (b *Bus) Run(ctx context.Context) {
	b.log.Info("event fabric started")
	defer b.log.Info("event fabric stopped")
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for id, sub := range b.subs {
				close(sub.ch)
				delete(b.subs, id)
			}
			b.mu.Unlock()
			return

		case sub := <-b.register:
			b.mu.Lock()
			b.subs[sub.id] = sub
			b.mu.Unlock()

		case id := <-b.unregister:
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				close(sub.ch)
				delete(b.subs, id)
			}
			b.mu.Unlock()

		case ev := <-b.broadcast:
			b.learnAgentPlan(ev)
			b.dispatch(ev)
		}
	}
}

func (b *Bus) learnAgentPlan(ev coreloop.Event) {
	p, ok := ev.Payload.(coreloop.PlanIterationStartedPayload)
	if !ok || p.AgentID == "" {
		return
	}
	b.agentPlanMu.Lock()
	b.agentPlan[p.AgentID] = p.PlanID
	b.agentPlanMu.Unlock()
}

func (b *Bus) planOfAgent(agentID string) string {
	b.agentPlanMu.RLock()
	defer b.agentPlanMu.RUnlock()
	return b.agentPlan[agentID]
}

func (b *Bus) dispatch(ev coreloop.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("subscriber buffer full, dropping event", zap.String("kind", string(ev.Kind)))
		}
	}
}

// Publish enqueues ev for fan-out to every matching subscriber. Satisfies
// the EventSink interface expected by internal/orchestrator and
// internal/assignment. Never blocks the caller: when the broadcast
// channel is full, the event being published is dropped (and a warning
// logged) rather than stalling a producer.
func (b *Bus) Publish(ev coreloop.Event) {
	select {
	case b.broadcast <- ev:
	default:
		b.log.Warn("broadcast channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// Subscribe registers a new per-connection stream matching filter (nil
// matches everything), buffered to bufferSize. The returned channel is
// closed when the Bus's Run context is cancelled or Unsubscribe is
// called; cancellation of a subscription only drops its receiver, it
// never affects producers or other subscribers.
func (b *Bus) Subscribe(bufferSize int, filter Filter) (<-chan coreloop.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &subscriber{
		id:     atomic.AddUint64(&b.nextID, 1),
		filter: filter,
		ch:     make(chan coreloop.Event, bufferSize),
	}
	select {
	case b.register <- sub:
	case <-b.done:
		// Run already exited; hand back an already-closed channel so
		// callers see end-of-stream instead of blocking forever.
		closed := make(chan coreloop.Event)
		close(closed)
		return closed, func() {}
	}
	unsubscribe := func() {
		select {
		case b.unregister <- sub.id:
		case <-b.done:
		}
	}
	return sub.ch, unsubscribe
}

// SubscriberCount returns the number of currently registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
