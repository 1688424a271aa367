// Package assignment is the Assignment Coordinator: a persistent,
// serialized map from repository-relative file paths to active worker
// leases, grounded on the teacher's worktree manager.go's repo-mutex
// pattern for serializing conflicting concurrent operations.
package assignment

import (
	"context"
	"sync"
	"time"

	"github.com/loopforge/coreloop/internal/common/logger"
	"github.com/loopforge/coreloop/internal/persistence"
	"github.com/loopforge/coreloop/pkg/coreloop"
	"go.uber.org/zap"
)

// EventSink receives assignment.changed and assignment.conflict events as
// leases are granted, released, or contested. Optional: a Coordinator with
// no sink set simply skips publication.
type EventSink interface {
	Publish(coreloop.Event)
}

// ConflictDetail describes one contested path in a failed AcquireResult.
type ConflictDetail struct {
	Path          string
	CurrentHolder string
	CurrentIntent coreloop.Intent
}

// AcquireResult is the outcome of Acquire: either every requested path was
// granted, or none were (all-or-nothing), with Conflicts describing why.
type AcquireResult struct {
	Granted   bool
	Conflicts []ConflictDetail
}

// Coordinator owns the lease map for one project's data directory. Leases
// are keyed by path, each holding a slice of entries rather than a single
// one: a write lease excludes every other entry, but unlimited read leases
// from distinct agents coexist on the same path.
type Coordinator struct {
	store     *persistence.Store
	log       *logger.Logger
	sink      EventSink
	worktrees *Worktrees

	mu     sync.Mutex
	leases map[string][]coreloop.Assignment
}

// SetSink wires sink as the destination for this Coordinator's lease
// events. Call once during startup wiring; nil disables publication.
func (c *Coordinator) SetSink(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Coordinator) publish(kind coreloop.EventKind, payload any) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(coreloop.Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload})
}

// New loads the existing leases (or starts empty on a fresh/corrupt file)
// from store.
func New(store *persistence.Store, log *logger.Logger) (*Coordinator, error) {
	loaded, err := store.ReadAssignments()
	if err != nil {
		return nil, err
	}
	leases := make(map[string][]coreloop.Assignment, len(loaded))
	for _, a := range loaded {
		leases[a.Path] = append(leases[a.Path], a)
	}
	scoped := log.WithFields(zap.String("component", "assignment-coordinator"))
	return &Coordinator{
		store:     store,
		log:       scoped,
		leases:    leases,
		worktrees: NewWorktrees(scoped),
	}, nil
}

// CreateWorktree provisions an isolated git worktree for planID off
// baseBranch within repoPath, so a plan's agent can make commits without
// racing another plan's agent working the same repository.
func (c *Coordinator) CreateWorktree(ctx context.Context, repoPath, baseBranch, planID string) (WorktreeInfo, error) {
	return c.worktrees.Create(ctx, repoPath, baseBranch, planID)
}

// RemoveWorktree tears down a worktree previously returned by
// CreateWorktree, once its plan has merged back or been abandoned.
func (c *Coordinator) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	return c.worktrees.Remove(ctx, repoPath, worktreePath)
}

// MergeBack integrates a plan's worktree branch into targetBranch within
// the main repository checkout, reporting conflicts rather than resolving
// them.
func (c *Coordinator) MergeBack(ctx context.Context, repoPath, branch, targetBranch string) (MergeResult, error) {
	return c.worktrees.MergeBack(ctx, repoPath, branch, targetBranch)
}

// Acquire attempts to grant agentID a lease of intent on every path in
// paths, atomically: either all succeed or none do. A lease already held
// compatibly by agentID on a path is renewed (ttl extended) in place
// rather than added alongside as a second entry.
func (c *Coordinator) Acquire(agentID string, paths []string, intent coreloop.Intent, ttl time.Duration) (AcquireResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	var conflicts []ConflictDetail
	for _, path := range paths {
		for _, existing := range c.leases[path] {
			if existing.Conflicts(agentID, intent) {
				conflicts = append(conflicts, ConflictDetail{Path: path, CurrentHolder: existing.AgentID, CurrentIntent: existing.Intent})
			}
		}
	}
	if len(conflicts) > 0 {
		for _, conflict := range conflicts {
			c.publish(coreloop.EventAssignmentConflict, coreloop.AssignmentConflictPayload{
				Requester: agentID, Path: conflict.Path, CurrentHolder: conflict.CurrentHolder,
			})
		}
		return AcquireResult{Granted: false, Conflicts: conflicts}, nil
	}

	now := time.Now().UTC()
	for _, path := range paths {
		grant := coreloop.Assignment{
			Path:       path,
			AgentID:    agentID,
			Intent:     intent,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		entries := c.leases[path]
		renewed := false
		for i, existing := range entries {
			if existing.AgentID == agentID {
				entries[i] = grant
				renewed = true
				break
			}
		}
		if !renewed {
			entries = append(entries, grant)
		}
		c.leases[path] = entries
	}

	if err := c.store.WriteAssignments(c.flattenLocked()); err != nil {
		return AcquireResult{}, err
	}
	c.publish(coreloop.EventAssignmentChanged, coreloop.AssignmentChangedPayload{PathsAdded: paths})
	return AcquireResult{Granted: true}, nil
}

// Release drops the lease on each of paths held by agentID, leaving any
// other agent's lease on the same path untouched. Paths not held by
// agentID (or not held at all) are silently ignored.
func (c *Coordinator) Release(agentID string, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for _, path := range paths {
		if c.dropLocked(path, agentID) {
			removed = append(removed, path)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := c.store.WriteAssignments(c.flattenLocked()); err != nil {
		return err
	}
	c.publish(coreloop.EventAssignmentChanged, coreloop.AssignmentChangedPayload{PathsRemoved: removed})
	return nil
}

// ReleaseAll drops every lease held by agentID, called on agent exit and
// during crash recovery.
func (c *Coordinator) ReleaseAll(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for path := range c.leases {
		if c.dropLocked(path, agentID) {
			removed = append(removed, path)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := c.store.WriteAssignments(c.flattenLocked()); err != nil {
		return err
	}
	c.publish(coreloop.EventAssignmentChanged, coreloop.AssignmentChangedPayload{PathsRemoved: removed})
	return nil
}

// dropLocked removes agentID's entry (if any) from path's lease list,
// pruning the path's map entry entirely once empty. Reports whether an
// entry was actually removed.
func (c *Coordinator) dropLocked(path, agentID string) bool {
	entries := c.leases[path]
	for i, existing := range entries {
		if existing.AgentID == agentID {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(c.leases, path)
			} else {
				c.leases[path] = entries
			}
			return true
		}
	}
	return false
}

// FilesInUse returns a snapshot of every current lease.
func (c *Coordinator) FilesInUse() []coreloop.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flattenLocked()
}

func (c *Coordinator) flattenLocked() []coreloop.Assignment {
	out := make([]coreloop.Assignment, 0, len(c.leases))
	for _, entries := range c.leases {
		out = append(out, entries...)
	}
	return out
}

// Sweep removes every lease whose ttl has passed.
func (c *Coordinator) Sweep() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.sweepLocked()
	if len(removed) == 0 {
		return nil
	}
	if err := c.store.WriteAssignments(c.flattenLocked()); err != nil {
		return err
	}
	c.publish(coreloop.EventAssignmentChanged, coreloop.AssignmentChangedPayload{PathsRemoved: removed})
	return nil
}

func (c *Coordinator) sweepLocked() []string {
	now := time.Now().UTC()
	var removed []string
	for path, entries := range c.leases {
		kept := entries[:0]
		for _, a := range entries {
			if a.Expired(now) {
				removed = append(removed, path)
				c.log.Debug("swept expired lease", zap.String("path", path), zap.String("agent_id", a.AgentID))
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(c.leases, path)
		} else {
			c.leases[path] = kept
		}
	}
	return removed
}
