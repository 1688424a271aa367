// Package supervisor owns the set of live agent CLI processes, grounded on
// the teacher's interactive_runner.go (PTY lifecycle, stdin write, turn
// detection) and runner.go (graceful-then-forced termination, environment
// merge), reworked from a WebSocket-facing per-session registry into the
// Agent Process Supervisor: spawn, send input, terminate, subscribe,
// get_tree.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/loopforge/coreloop/internal/coreerr"
	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/internal/parser"
	"github.com/loopforge/coreloop/internal/provider"
	"github.com/loopforge/coreloop/internal/stream"
	"github.com/loopforge/coreloop/pkg/coreloop"
	"go.uber.org/zap"
)

// Config bounds the Supervisor's resource usage.
type Config struct {
	DefaultIdleTimeout  time.Duration
	TerminationGrace    time.Duration
	MaxConcurrentAgents int
}

// SpawnRequest carries everything needed to start one agent process.
type SpawnRequest struct {
	Provider    string
	Worktree    string
	Prompt      string
	Model       string
	EnvOverlay  map[string]string
	AutoApprove bool
}

// Supervisor manages the full lifecycle of external CLI processes.
type Supervisor struct {
	log      *logger.Logger
	registry *provider.Registry
	cfg      Config
	sem      *semaphore.Weighted

	mu     sync.RWMutex
	agents map[string]*liveAgent
}

// New creates a Supervisor bounded to cfg.MaxConcurrentAgents concurrently
// running processes.
func New(cfg Config, registry *provider.Registry, log *logger.Logger) *Supervisor {
	max := cfg.MaxConcurrentAgents
	if max <= 0 {
		max = 1
	}
	return &Supervisor{
		log:      log.WithFields(zap.String("component", "supervisor")),
		registry: registry,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(max)),
		agents:   make(map[string]*liveAgent),
	}
}

// Spawn validates the request, locates the provider binary, constructs its
// command line, allocates a PTY pair, and starts the child process. It
// blocks until a concurrency slot is available or ctx is cancelled.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	p, ok := s.registry.Get(req.Provider)
	if !ok {
		return "", coreerr.New(coreerr.NotFound, fmt.Sprintf("unknown provider %q", req.Provider))
	}

	located := p.Locate()
	if !located.Found {
		return "", coreerr.New(coreerr.NotFound, fmt.Sprintf("tool not installed: %s", req.Provider))
	}

	cmdSpec, err := p.BuildCommand(located.Path, provider.SpawnOptions{
		Prompt:      req.Prompt,
		Model:       req.Model,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		if err == provider.ErrPromptRequired {
			return "", coreerr.Wrap(coreerr.InvalidArgument, "prompt is required for this provider", err)
		}
		return "", coreerr.Wrap(coreerr.InvalidArgument, "failed to build command", err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", coreerr.Wrap(coreerr.Interrupted, "spawn cancelled waiting for a concurrency slot", err)
	}

	agentID := uuid.New().String()
	cmd := exec.Command(cmdSpec.Path, cmdSpec.Args...)
	if req.Worktree != "" {
		if info, statErr := os.Stat(req.Worktree); statErr == nil && info.IsDir() {
			cmd.Dir = req.Worktree
		}
	}
	cmd.Env = mergeEnv(req.EnvOverlay)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		s.sem.Release(1)
		return "", coreerr.Wrap(coreerr.Internal, "spawn failed", err)
	}

	la := &liveAgent{
		handle: coreloop.AgentHandle{
			AgentID:    agentID,
			Provider:   req.Provider,
			Worktree:   req.Worktree,
			EnvOverlay: req.EnvOverlay,
			SpawnedAt:  time.Now().UTC(),
			State:      coreloop.AgentStarting,
		},
		cmd:          cmd,
		ptmx:         ptmx,
		normalizer:   stream.New(agentID, s.log),
		adapters:     adaptersFor(p),
		rateMarkers:  p.RateLimitMarkers,
		subtaskNodes: make(map[string]coreloop.SubtaskNode),
		toolStarted:  make(map[string]bool),
		toolResolved: make(map[string]bool),
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	s.agents[agentID] = la
	s.mu.Unlock()

	la.setState(coreloop.AgentRunning)

	// Recorded and replayed to every Subscribe call rather than just
	// broadcast here: Spawn always returns before any caller can possibly
	// know agentID to subscribe with, so a plain broadcast at this point
	// would reach zero subscribers and the spawn event would be lost.
	spawnEvent := coreloop.Event{
		Kind:      coreloop.EventAgentSpawned,
		Timestamp: time.Now().UTC(),
		Payload:   coreloop.AgentSpawnedPayload{AgentID: agentID, Provider: req.Provider, Worktree: req.Worktree},
	}
	la.mu.Lock()
	la.spawnEvent = &spawnEvent
	la.mu.Unlock()
	la.broadcast(spawnEvent)

	if cmdSpec.WriteStdin {
		if _, writeErr := ptmx.WriteString(cmdSpec.StdinPayload); writeErr != nil {
			s.log.WithError(writeErr).Warn("failed to write initial stdin payload", zap.String("agent_id", agentID))
		}
	}

	go s.readLoop(la)
	go s.waitLoop(la)

	return agentID, nil
}

// SendInput writes bytes to the agent's PTY master.
func (s *Supervisor) SendInput(agentID string, data []byte) error {
	la, ok := s.get(agentID)
	if !ok {
		return coreerr.New(coreerr.NotFound, "unknown agent")
	}
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.handle.State == coreloop.AgentTerminated {
		return coreerr.New(coreerr.IO, "pipe-broken")
	}
	if _, err := la.ptmx.Write(data); err != nil {
		return coreerr.Wrap(coreerr.IO, "pipe-broken", err)
	}
	return nil
}

// Terminate sends SIGTERM, waits up to grace, then SIGKILLs. Idempotent:
// terminating an already-terminated or unknown agent is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, agentID string, grace time.Duration) error {
	la, ok := s.get(agentID)
	if !ok {
		return nil
	}

	la.mu.Lock()
	if la.handle.State == coreloop.AgentTerminated || la.handle.State == coreloop.AgentExiting {
		la.mu.Unlock()
		return nil
	}
	la.handle.State = coreloop.AgentExiting
	proc := la.cmd.Process
	la.mu.Unlock()

	if grace <= 0 {
		grace = s.cfg.TerminationGrace
	}

	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}

	select {
	case <-la.done:
	case <-time.After(grace):
		if proc != nil {
			_ = proc.Kill()
		}
		select {
		case <-la.done:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		if proc != nil {
			_ = proc.Kill()
		}
	}

	return nil
}

// Subscribe returns a receive channel for this agent's event stream and an
// unsubscribe function. The channel is closed once the agent's exit event
// has been delivered.
func (s *Supervisor) Subscribe(agentID string) (<-chan coreloop.Event, func(), error) {
	la, ok := s.get(agentID)
	if !ok {
		return nil, nil, coreerr.New(coreerr.NotFound, "unknown agent")
	}
	ch := make(chan coreloop.Event, 256)
	la.mu.Lock()
	la.subscribers = append(la.subscribers, ch)
	if la.spawnEvent != nil {
		// Replay: this subscriber registered after Spawn already broadcast
		// (and lost) agent.spawned, so hand it over directly. ch was just
		// created with spare buffer capacity, so this never blocks.
		ch <- *la.spawnEvent
	}
	la.mu.Unlock()

	unsub := func() {
		la.mu.Lock()
		defer la.mu.Unlock()
		for i, c := range la.subscribers {
			if c == ch {
				la.subscribers = append(la.subscribers[:i], la.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, unsub, nil
}

// GetTree returns the current sub-task forest for agentID.
func (s *Supervisor) GetTree(agentID string) ([]coreloop.SubtaskNode, error) {
	la, ok := s.get(agentID)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "unknown agent")
	}
	la.mu.Lock()
	defer la.mu.Unlock()
	out := make([]coreloop.SubtaskNode, 0, len(la.subtaskOrder))
	for _, id := range la.subtaskOrder {
		out = append(out, la.subtaskNodes[id])
	}
	return out, nil
}

// Handle returns a copy of the agent's current handle.
func (s *Supervisor) Handle(agentID string) (coreloop.AgentHandle, bool) {
	la, ok := s.get(agentID)
	if !ok {
		return coreloop.AgentHandle{}, false
	}
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.handle, true
}

func (s *Supervisor) get(agentID string) (*liveAgent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	la, ok := s.agents[agentID]
	return la, ok
}

// readLoop pumps PTY output through the Normalizer and Parser pipeline and
// fans out events until EOF or a read error.
func (s *Supervisor) readLoop(la *liveAgent) {
	reader := bufio.NewReaderSize(la.ptmx, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.processChunk(la, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) processChunk(la *liveAgent, chunk []byte) {
	lines := la.normalizer.Feed(chunk)

	for _, ev := range la.normalizer.Events() {
		la.recordSubtask(ev)
		la.broadcast(coreloop.Event{
			Kind:      coreloop.EventAgentSubtask,
			Timestamp: time.Now().UTC(),
			Payload: coreloop.AgentSubtaskPayload{
				AgentID:     ev.AgentID,
				SubtaskID:   ev.SubtaskID,
				ParentID:    ev.ParentID,
				Kind:        ev.Kind,
				Depth:       ev.Depth,
				Description: ev.Description,
			},
		})
	}

	for _, line := range lines {
		rec := parser.ParseLine(line, la.adapters)
		now := time.Now().UTC()

		if rec.DisplayText != "" {
			la.broadcast(coreloop.Event{
				Kind:      coreloop.EventAgentOutput,
				Timestamp: now,
				Payload:   coreloop.AgentOutputPayload{AgentID: la.handle.AgentID, Text: rec.DisplayText},
			})
		}
		for _, ts := range rec.ToolStarts {
			la.recordToolStart(ts.ToolCallID)
			la.broadcast(coreloop.Event{
				Kind:      coreloop.EventAgentToolStart,
				Timestamp: now,
				Payload: coreloop.AgentToolStartPayload{
					AgentID: la.handle.AgentID, ToolID: ts.ToolCallID, ToolName: ts.ToolName, Input: ts.Input,
				},
			})
		}
		for _, tr := range rec.ToolResults {
			if !la.admitToolResult(tr.ToolCallID) {
				s.log.Warn("dropping orphan or duplicate tool result",
					zap.String("agent_id", la.handle.AgentID), zap.String("tool_id", tr.ToolCallID))
				continue
			}
			la.broadcast(coreloop.Event{
				Kind:      coreloop.EventAgentToolEnd,
				Timestamp: now,
				Payload: coreloop.AgentToolEndPayload{
					AgentID: la.handle.AgentID, ToolID: tr.ToolCallID, Output: tr.Output, IsError: tr.IsError,
				},
			})
		}

		if hint := detectRateLimit(line, la.rateMarkers); hint != nil {
			la.mu.Lock()
			la.handle.LastRateLimitHint = hint
			la.mu.Unlock()
			la.broadcast(coreloop.Event{
				Kind:      coreloop.EventRateLimitDetected,
				Timestamp: now,
				Payload:   coreloop.RateLimitDetectedPayload{AgentID: la.handle.AgentID, Kind: hint.Kind, RetryAfterMs: hint.RetryAfterMs},
			})
		}
	}
}

// waitLoop blocks on process exit, emits the terminal exit event, releases
// the concurrency slot, and marks the agent terminated.
func (s *Supervisor) waitLoop(la *liveAgent) {
	err := la.cmd.Wait()
	_ = la.ptmx.Close()

	var exitCode *int
	var signal string
	if err == nil {
		code := 0
		exitCode = &code
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				signal = ws.Signal().String()
			} else {
				code := ws.ExitStatus()
				exitCode = &code
			}
		}
	}

	la.mu.Lock()
	la.handle.State = coreloop.AgentTerminated
	la.mu.Unlock()

	la.broadcast(coreloop.Event{
		Kind:      coreloop.EventAgentExit,
		Timestamp: time.Now().UTC(),
		Payload:   coreloop.AgentExitPayload{AgentID: la.handle.AgentID, ExitCode: exitCode, Signal: signal},
	})
	la.closeSubscribers()
	close(la.done)

	s.sem.Release(1)
}

// mergeEnv layers overlay onto the parent process environment, matching
// the teacher's merge-then-flatten approach.
func mergeEnv(overlay map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(overlay))
	for _, entry := range os.Environ() {
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				base[entry[:i]] = entry[i+1:]
				break
			}
		}
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}

func adaptersFor(p provider.Provider) []parser.Adapter {
	if p.Adapter == nil {
		return nil
	}
	return []parser.Adapter{p.Adapter}
}
