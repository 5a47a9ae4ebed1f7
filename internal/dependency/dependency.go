// Package dependency tracks the DAG of pending tasks formed by the
// `dependencies` field on Task, releasing dependents once every
// dependency they name has completed or been cancelled, and propagating
// failure according to each dependent's policy.
package dependency

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/mcphub/hub/internal/task"
)

// ErrDependencyCycle is returned by AddBatch when the dependency edges
// among the submitted tasks form a cycle.
var ErrDependencyCycle = errors.New("dependency: cycle detected among submitted tasks")

// node tracks one pending task's unresolved dependencies and the
// dependents waiting on it.
type node struct {
	t          *task.Task
	remaining  map[string]struct{}
	dependents []string
}

// Manager owns the DAG for every workflow context currently in flight.
type Manager struct {
	mu     sync.Mutex
	nodes  map[string]*node   // task_id -> node, present while not yet resolved
	ctxs   map[string]map[string]struct{} // context_id -> task_ids still tracked
	logger *slog.Logger
}

// New creates an empty Manager.
func New(logger *slog.Logger) *Manager {
	return &Manager{
		nodes:  make(map[string]*node),
		ctxs:   make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// AddBatch admits a set of tasks submitted together (typically one
// workflow's submission), detects cycles among their dependency edges,
// and returns the task_ids that are immediately ready to dispatch —
// those with no dependency — ordered by SubmitSeq. Every named dependency
// counts as unmet until OnComplete, OnCancel or OnFailure releases it on
// this Manager; a dependency outside the batch that was resolved earlier
// is not recognised as met.
func (m *Manager) AddBatch(tasks []*task.Task) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		batch[t.TaskID] = t
	}
	if err := detectCycle(batch); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		n := &node{t: t, remaining: make(map[string]struct{}, len(t.Dependencies))}
		for dep := range t.Dependencies {
			n.remaining[dep] = struct{}{}
		}
		m.nodes[t.TaskID] = n

		if m.ctxs[t.ContextID] == nil {
			m.ctxs[t.ContextID] = make(map[string]struct{})
		}
		m.ctxs[t.ContextID][t.TaskID] = struct{}{}
	}

	// Second pass: wire dependents now that every node in the batch
	// exists, so ordering within the batch slice does not matter.
	for _, t := range tasks {
		for dep := range t.Dependencies {
			if dn, ok := m.nodes[dep]; ok {
				dn.dependents = append(dn.dependents, t.TaskID)
			}
		}
	}

	var ready []string
	for _, t := range tasks {
		if len(m.nodes[t.TaskID].remaining) == 0 {
			ready = append(ready, t.TaskID)
		}
	}

	sortBySubmitSeq(ready, batch)
	return ready, nil
}

// OnComplete releases dependents of taskID whose remaining dependency
// set is now empty, returning their task_ids ordered by SubmitSeq.
// taskID itself is removed from tracking; callers must already know its
// task struct (e.g. from the dispatcher) to sort/act on the result.
func (m *Manager) OnComplete(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(taskID)
}

func (m *Manager) release(taskID string) []string {
	n, ok := m.nodes[taskID]
	if !ok {
		return nil
	}
	delete(m.nodes, taskID)
	m.untrack(n.t)

	var ready []string
	batch := make(map[string]*task.Task)
	for _, depID := range n.dependents {
		dn, ok := m.nodes[depID]
		if !ok {
			continue
		}
		delete(dn.remaining, taskID)
		batch[depID] = dn.t
		if len(dn.remaining) == 0 {
			ready = append(ready, depID)
		}
	}
	sortBySubmitSeq(ready, batch)
	return ready
}

// OnCancel handles taskID being cancelled. Cancellation is not treated
// as a dependency failure: dependents are released exactly as they
// would be on completion, regardless of their own DependencyPolicy — a
// cancelled prerequisite does not by itself fail anything downstream.
func (m *Manager) OnCancel(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(taskID)
}

// OnFailure handles taskID reaching a terminal failure (failed or
// timed_out; cancellation goes through OnCancel instead). It returns two
// slices: dependents
// that must now also be failed with error_kind=dependency_failed
// (propagate policy, recursively cascaded), and dependents that became
// ready to dispatch because their policy tolerates the failure.
func (m *Manager) OnFailure(taskID string) (toFail []string, toRelease []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return nil, nil
	}
	delete(m.nodes, taskID)
	m.untrack(n.t)

	var failBatch, releaseBatch []string
	for _, depID := range n.dependents {
		dn, ok := m.nodes[depID]
		if !ok {
			continue
		}
		if dn.t.DependencyPolicy == task.DependencyTolerate {
			delete(dn.remaining, taskID)
			if len(dn.remaining) == 0 {
				releaseBatch = append(releaseBatch, depID)
			}
			continue
		}
		failBatch = append(failBatch, depID)
	}

	// Cascade: every dependent we are about to fail also fails its own
	// dependents, transitively, since it will never complete.
	for i := 0; i < len(failBatch); i++ {
		id := failBatch[i]
		dn, ok := m.nodes[id]
		if !ok {
			continue
		}
		delete(m.nodes, id)
		m.untrack(dn.t)
		for _, depID := range dn.dependents {
			ddn, ok := m.nodes[depID]
			if !ok {
				continue
			}
			if ddn.t.DependencyPolicy == task.DependencyTolerate {
				delete(ddn.remaining, id)
				if len(ddn.remaining) == 0 {
					releaseBatch = append(releaseBatch, depID)
				}
				continue
			}
			failBatch = append(failBatch, depID)
		}
	}

	sortByID(failBatch)
	sortByID(releaseBatch)
	return failBatch, releaseBatch
}

// CancelContext returns every task_id still tracked under contextID
// (neither dispatched to completion nor already released from the DAG),
// for the caller to mark cancelled, and stops tracking them.
func (m *Manager) CancelContext(contextID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.ctxs[contextID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
		if n, ok := m.nodes[id]; ok {
			delete(m.nodes, id)
			_ = n
		}
	}
	delete(m.ctxs, contextID)
	sort.Strings(out)
	return out
}

func (m *Manager) untrack(t *task.Task) {
	set := m.ctxs[t.ContextID]
	if set == nil {
		return
	}
	delete(set, t.TaskID)
	if len(set) == 0 {
		delete(m.ctxs, t.ContextID)
	}
}

func sortBySubmitSeq(ids []string, batch map[string]*task.Task) {
	sort.Slice(ids, func(i, j int) bool {
		ti, oki := batch[ids[i]]
		tj, okj := batch[ids[j]]
		if oki && okj {
			return ti.SubmitSeq < tj.SubmitSeq
		}
		return ids[i] < ids[j]
	})
}

func sortByID(ids []string) {
	sort.Strings(ids)
}

// detectCycle runs a DFS over the batch's dependency edges (restricted
// to dependencies that are themselves part of the batch; a dependency
// referring to a task outside it cannot participate in a cycle formed
// by this submission).
func detectCycle(batch map[string]*task.Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(batch))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		t := batch[id]
		for dep := range t.Dependencies {
			if _, inBatch := batch[dep]; !inBatch {
				continue
			}
			switch color[dep] {
			case gray:
				return ErrDependencyCycle
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range batch {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
