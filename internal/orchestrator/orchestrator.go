// Package orchestrator is the Loop Orchestrator: given a plan and a
// budget, it runs the spawn-observe-respawn cycle against the Agent
// Process Supervisor until the plan's stories all pass or the budget is
// exhausted, grounded on the teacher's scheduler.go processLoop/
// processTasks (tick-driven dequeue, retry tracking, statistics) reworked
// from a multi-task priority queue into a single-plan iteration driver.
package orchestrator

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/internal/supervisor"
	"github.com/loopforge/coreloop/pkg/coreloop"
)

// ErrorStrategy selects how the loop reacts to a failed iteration.
type ErrorStrategy string

const (
	StrategyAbortLoop     ErrorStrategy = "abort-loop"
	StrategySkipIteration ErrorStrategy = "skip-iteration"
	StrategyContinue      ErrorStrategy = "continue"
)

// RetryPolicy is the exponential-backoff-with-jitter schedule applied to
// a failed iteration under StrategyContinue.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64
}

// Config is one plan's loop configuration, supplied fresh per Run call
// (the orchestrator itself holds no plan-specific state between runs).
type Config struct {
	MaxIterations     int
	MaxCostTokens     *int64
	Provider          string
	Model             string
	CompletionPromise string
	IdleTimeout       time.Duration
	TerminationGrace  time.Duration
	RetryPolicy       RetryPolicy
	ErrorStrategy     ErrorStrategy
	FallbackProviders []string
}

const defaultIdleTimeout = 10 * time.Minute

// sentinelWindow bounds how much trailing output text is retained for the
// completion-sentinel scan, so a very chatty agent doesn't grow the scan
// buffer unbounded.
const sentinelWindow = 8192

// PromptInputs is the raw material handed to an external PromptBuilder.
// The orchestrator never formats these into text itself (prompt
// construction, like template rendering generally, is out of scope here).
type PromptInputs struct {
	Plan      *coreloop.Plan
	Learnings []coreloop.Learning
}

// PromptBuilder renders PromptInputs into the text sent to a freshly
// spawned agent. Supplied by the orchestrator's caller.
type PromptBuilder interface {
	Build(PromptInputs) string
}

// Supervisor is the subset of internal/supervisor.Supervisor the
// orchestrator depends on, narrowed to an interface so tests can supply a
// fake, matching the teacher's TaskRepository-interface pattern.
type Supervisor interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (string, error)
	Subscribe(agentID string) (<-chan coreloop.Event, func(), error)
	Terminate(ctx context.Context, agentID string, grace time.Duration) error
}

// Store is the subset of internal/persistence.Store the orchestrator
// depends on.
type Store interface {
	AppendIteration(planID string, it coreloop.Iteration) error
	ReadIterations(planID string) ([]coreloop.Iteration, error)
	WriteSnapshot(snap *coreloop.Snapshot) error
	ReadSnapshot(planID string) (*coreloop.Snapshot, error)
	ReadLearnings() ([]coreloop.Learning, error)
}

// EventSink receives every event the orchestrator and the agents it spawns
// produce, for fan-out to subscribed clients (see internal/eventbus).
type EventSink interface {
	Publish(coreloop.Event)
}

// Orchestrator drives the per-plan loop. One Orchestrator instance is
// shared across all plans; Run tracks its own per-plan cancellation.
type Orchestrator struct {
	supervisor Supervisor
	store      Store
	sink       EventSink
	prompt     PromptBuilder
	log        *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an Orchestrator wired to its collaborators.
func New(sup Supervisor, store Store, sink EventSink, prompt PromptBuilder, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		supervisor: sup,
		store:      store,
		sink:       sink,
		prompt:     prompt,
		log:        log.WithFields(zap.String("component", "orchestrator")),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Stop requests the loop for planID to terminate its current agent (if
// any) and stop issuing further iterations. Idempotent; stopping an
// unknown or already-stopped plan is a no-op.
func (o *Orchestrator) Stop(planID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[planID]; ok {
		cancel()
	}
}

// RecoverDangling closes out a dangling iteration record for planID — one
// whose StartedAt was recorded but whose EndedAt never followed, the mark
// of an orchestrator crash mid-iteration — as failed(interrupted). Safe to
// call on a plan with no iteration history. Must run before Run accepts
// new work for this plan after a restart.
func (o *Orchestrator) RecoverDangling(planID string) error {
	iterations, err := o.store.ReadIterations(planID)
	if err != nil {
		return err
	}
	if len(iterations) == 0 {
		return nil
	}
	last := iterations[len(iterations)-1]
	if !last.Open() {
		return nil
	}
	now := time.Now().UTC()
	last.EndedAt = &now
	last.Outcome = coreloop.OutcomeFailed
	last.Error = "interrupted"
	o.log.Warn("closing out dangling iteration from a prior crash",
		zap.String("plan_id", planID), zap.Int("index", last.Index))
	return o.store.AppendIteration(planID, last)
}

// Run drives plan's loop to completion or budget exhaustion, blocking
// until one of those terminal states is reached, ctx is cancelled, or
// Stop(plan.ID) is called.
func (o *Orchestrator) Run(ctx context.Context, plan *coreloop.Plan, cfg Config) (coreloop.LoopCompletionReason, error) {
	planCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[plan.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, plan.ID)
		o.mu.Unlock()
		cancel()
	}()

	snap, err := o.store.ReadSnapshot(plan.ID)
	if err != nil {
		return "", err
	}

	index := snap.Iteration + 1
	cumulativeCost := snap.CumulativeCost
	attempt := 0
	fallbackIdx := 0
	if snap.ActiveProvider != "" {
		fallbackIdx = fallbackIndexOf(cfg, snap.ActiveProvider)
	}

	for {
		select {
		case <-planCtx.Done():
			o.publishLoopCompleted(plan.ID, coreloop.LoopReasonCancelled)
			return coreloop.LoopReasonCancelled, nil
		default:
		}

		if plan.AllStoriesPassing() {
			o.publishLoopCompleted(plan.ID, coreloop.LoopReasonSuccess)
			return coreloop.LoopReasonSuccess, nil
		}

		if index > cfg.MaxIterations || (cfg.MaxCostTokens != nil && cumulativeCost > *cfg.MaxCostTokens) {
			o.recordIteration(plan.ID, coreloop.Iteration{
				Index: index, StartedAt: time.Now().UTC(), Outcome: coreloop.OutcomeBudgetExhausted,
			}, cumulativeCost, "")
			o.publishLoopCompleted(plan.ID, coreloop.LoopReasonExhausted)
			return coreloop.LoopReasonExhausted, nil
		}

		providerName := currentProvider(cfg, fallbackIdx)

		learnings, learnErr := o.store.ReadLearnings()
		if learnErr != nil {
			o.log.WithError(learnErr).Warn("failed to load learnings for prompt", zap.String("plan_id", plan.ID))
		}
		promptText := o.prompt.Build(PromptInputs{Plan: plan, Learnings: learnings})

		started := time.Now().UTC()
		agentID, spawnErr := o.supervisor.Spawn(planCtx, supervisor.SpawnRequest{
			Provider: providerName,
			Worktree: plan.ProjectRoot,
			Prompt:   promptText,
			Model:    cfg.Model,
		})
		if spawnErr != nil {
			o.log.WithError(spawnErr).Error("failed to spawn agent for iteration",
				zap.String("plan_id", plan.ID), zap.Int("index", index))
			it := coreloop.Iteration{
				Index: index, StartedAt: started, Outcome: coreloop.OutcomeFailed, Error: spawnErr.Error(),
			}
			endIt(&it)
			o.recordIteration(plan.ID, it, cumulativeCost, "")
			o.publish(plan.ID, coreloop.EventPlanIterationDone, coreloop.PlanIterationCompletedPayload{
				PlanID: plan.ID, Index: index, Outcome: coreloop.OutcomeFailed,
			})

			next, stop, reason := o.decideNext(planCtx, cfg, &attempt, &fallbackIdx, index, false, nil)
			if stop {
				o.publishLoopCompleted(plan.ID, reason)
				return reason, nil
			}
			index = next
			continue
		}

		o.publish(plan.ID, coreloop.EventPlanIterationStarted, coreloop.PlanIterationStartedPayload{
			PlanID: plan.ID, Index: index, AgentID: agentID,
		})

		outcome, costDelta, detail, rateLimited, retryAfter := o.consume(planCtx, agentID, cfg)

		it := coreloop.Iteration{
			Index: index, StartedAt: started, Outcome: outcome, AgentID: agentID, Error: detail,
		}
		if costDelta > 0 {
			it.CostTokens = &costDelta
		}
		endIt(&it)
		cumulativeCost += costDelta

		o.recordIteration(plan.ID, it, cumulativeCost, providerName)
		o.publish(plan.ID, coreloop.EventPlanIterationDone, coreloop.PlanIterationCompletedPayload{
			PlanID: plan.ID, Index: index, Outcome: outcome,
		})

		if outcome == coreloop.OutcomeCancelled {
			o.publishLoopCompleted(plan.ID, coreloop.LoopReasonCancelled)
			return coreloop.LoopReasonCancelled, nil
		}

		if outcome == coreloop.OutcomeSuccess {
			index++
			attempt = 0
			fallbackIdx = 0
			continue
		}

		next, stop, reason := o.decideNext(planCtx, cfg, &attempt, &fallbackIdx, index, rateLimited, retryAfter)
		if stop {
			o.publishLoopCompleted(plan.ID, reason)
			return reason, nil
		}
		index = next
	}
}

// decideNext applies cfg.ErrorStrategy and cfg.RetryPolicy after a failed
// iteration, returning the next iteration index to use, whether the loop
// should stop, and the stop reason (meaningful only when stop is true).
// attempt and fallbackIdx are mutated in place to track retry state across
// calls within one Run.
func (o *Orchestrator) decideNext(ctx context.Context, cfg Config, attempt, fallbackIdx *int, index int, rateLimited bool, retryAfterMs *int64) (int, bool, coreloop.LoopCompletionReason) {
	switch cfg.ErrorStrategy {
	case StrategyAbortLoop:
		return 0, true, coreloop.LoopReasonAborted
	case StrategySkipIteration:
		*attempt = 0
		return index + 1, false, ""
	default: // StrategyContinue, and the zero value
		if rateLimited && len(cfg.FallbackProviders) > 0 {
			*fallbackIdx = (*fallbackIdx + 1) % (len(cfg.FallbackProviders) + 1)
		}
		*attempt++
		maxAttempts := cfg.RetryPolicy.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if *attempt > maxAttempts {
			*attempt = 0
			return index + 1, false, ""
		}
		delay := backoffDelay(cfg.RetryPolicy, *attempt)
		// A structured retry-after hint from the provider is a floor, not a
		// ceiling, on the computed backoff.
		if retryAfterMs != nil {
			floor := time.Duration(*retryAfterMs) * time.Millisecond
			if floor > delay {
				delay = floor
			}
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return 0, true, coreloop.LoopReasonCancelled
			}
		}
		return index, false, ""
	}
}

// consume subscribes to agentID's event stream and relays every event to
// the sink until the agent exits or the watchdog trips, classifying the
// outcome per the spec's rules. costDelta is always 0: no provider in this
// core surfaces a token-cost figure on its events, so nothing here adds to
// the cumulative cost.
func (o *Orchestrator) consume(ctx context.Context, agentID string, cfg Config) (outcome coreloop.Outcome, costDelta int64, detail string, rateLimited bool, retryAfterMs *int64) {
	ch, unsub, err := o.supervisor.Subscribe(agentID)
	if err != nil {
		return coreloop.OutcomeFailed, 0, err.Error(), false, nil
	}
	defer unsub()

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var window strings.Builder
	sentinelSeen := false
	var exitCode *int
	var signal string

	for {
		select {
		case <-ctx.Done():
			_ = o.supervisor.Terminate(context.Background(), agentID, cfg.TerminationGrace)
			return coreloop.OutcomeCancelled, 0, "cancelled", rateLimited, retryAfterMs

		case <-timer.C:
			o.log.Warn("idle timeout watchdog tripped, terminating agent", zap.String("agent_id", agentID))
			_ = o.supervisor.Terminate(context.Background(), agentID, cfg.TerminationGrace)
			return coreloop.OutcomeFailed, 0, "idle-timeout", rateLimited, retryAfterMs

		case ev, ok := <-ch:
			if !ok {
				return classifyExit(sentinelSeen, exitCode), 0, exitDetail(exitCode, signal), rateLimited, retryAfterMs
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)

			o.sink.Publish(ev)

			switch ev.Kind {
			case coreloop.EventAgentOutput:
				if p, okp := ev.Payload.(coreloop.AgentOutputPayload); okp {
					window.WriteString(p.Text)
					if window.Len() > sentinelWindow {
						trimmed := window.String()
						window.Reset()
						window.WriteString(trimmed[len(trimmed)-sentinelWindow:])
					}
					if cfg.CompletionPromise != "" && strings.Contains(window.String(), cfg.CompletionPromise) {
						sentinelSeen = true
					}
				}
			case coreloop.EventRateLimitDetected:
				rateLimited = true
				if p, okp := ev.Payload.(coreloop.RateLimitDetectedPayload); okp && p.RetryAfterMs != nil {
					retryAfterMs = p.RetryAfterMs
				}
			case coreloop.EventAgentExit:
				if p, okp := ev.Payload.(coreloop.AgentExitPayload); okp {
					exitCode = p.ExitCode
					signal = p.Signal
				}
			}
		}
	}
}

func classifyExit(sentinelSeen bool, exitCode *int) coreloop.Outcome {
	if sentinelSeen && exitCode != nil && *exitCode == 0 {
		return coreloop.OutcomeSuccess
	}
	return coreloop.OutcomeFailed
}

func exitDetail(exitCode *int, signal string) string {
	if signal != "" {
		return "other"
	}
	if exitCode != nil && *exitCode != 0 {
		return "other"
	}
	return ""
}

func (o *Orchestrator) recordIteration(planID string, it coreloop.Iteration, cumulativeCost int64, activeProvider string) {
	if err := o.store.AppendIteration(planID, it); err != nil {
		o.log.WithError(err).Error("failed to append iteration record", zap.String("plan_id", planID), zap.Int("index", it.Index))
	}
	snap := &coreloop.Snapshot{
		PlanID:         planID,
		Iteration:      it.Index,
		ActiveProvider: activeProvider,
		CumulativeCost: cumulativeCost,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := o.store.WriteSnapshot(snap); err != nil {
		o.log.WithError(err).Error("failed to write snapshot", zap.String("plan_id", planID))
	}
}

func (o *Orchestrator) publish(planID string, kind coreloop.EventKind, payload any) {
	o.sink.Publish(coreloop.Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
}

func (o *Orchestrator) publishLoopCompleted(planID string, reason coreloop.LoopCompletionReason) {
	o.publish(planID, coreloop.EventPlanLoopCompleted, coreloop.PlanLoopCompletedPayload{PlanID: planID, Reason: reason})
}

func endIt(it *coreloop.Iteration) {
	now := time.Now().UTC()
	it.EndedAt = &now
}

func currentProvider(cfg Config, fallbackIdx int) string {
	if fallbackIdx == 0 || fallbackIdx > len(cfg.FallbackProviders) {
		return cfg.Provider
	}
	return cfg.FallbackProviders[fallbackIdx-1]
}

func fallbackIndexOf(cfg Config, provider string) int {
	if provider == cfg.Provider {
		return 0
	}
	for i, p := range cfg.FallbackProviders {
		if p == provider {
			return i + 1
		}
	}
	return 0
}

// backoffDelay computes the exponential-backoff-with-jitter delay for the
// given retry attempt (1-indexed).
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	if policy.Jitter > 0 {
		span := delay * policy.Jitter
		delay += (rand.Float64()*2 - 1) * span
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
