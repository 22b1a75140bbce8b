// Package graph holds tasks and dependency edges and answers graph queries.
//
// The store is deliberately low-level: AddDependency and RemoveDependency do
// not check for cycles. Acyclicity is a caller contract enforced by the
// cycle guard, which is the only component that admits edges in production.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Store indexes tasks and dependency edges and answers O(V+E) traversal
// queries. All returned tasks are clones; callers never see live pointers.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string // taskID -> tasks that depend on it
	edgeSeq    map[[2]string]uint64
	nextSeq    uint64
	version    uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		edgeSeq:    make(map[[2]string]uint64),
	}
}

// AddTask registers a task. Edges listed in DependsOn are admitted as-is;
// bulk imports should be followed by a cycle guard sweep.
func (s *Store) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	t := cloneTask(task)
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.tasks[t.ID] = t

	for _, depID := range t.DependsOn {
		s.dependents[depID] = append(s.dependents[depID], t.ID)
		s.nextSeq++
		s.edgeSeq[[2]string{t.ID, depID}] = s.nextSeq
	}

	s.version++
	return nil
}

// Task returns a clone of the task by ID.
func (s *Store) Task(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Tasks returns clones of all tasks.
func (s *Store) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// TasksInList returns clones of all tasks belonging to the given list.
func (s *Store) TasksInList(listID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.ListID == listID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddDependency records "source depends on target". It validates existence
// and duplicates only; it does NOT check for cycles. Production callers go
// through the cycle guard's SafeAddDependency.
func (s *Store) AddDependency(source, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDependencyLocked(source, target)
}

func (s *Store) addDependencyLocked(source, target string) error {
	src, ok := s.tasks[source]
	if !ok {
		return fmt.Errorf("task %q not found", source)
	}
	if _, ok := s.tasks[target]; !ok {
		return fmt.Errorf("task %q not found", target)
	}
	for _, depID := range src.DependsOn {
		if depID == target {
			return fmt.Errorf("task %q already depends on %q", source, target)
		}
	}

	src.DependsOn = append(src.DependsOn, target)
	s.dependents[target] = append(s.dependents[target], source)
	s.nextSeq++
	s.edgeSeq[[2]string{source, target}] = s.nextSeq
	s.version++
	return nil
}

// RemoveDependency deletes the edge "source depends on target".
func (s *Store) RemoveDependency(source, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.tasks[source]
	if !ok {
		return fmt.Errorf("task %q not found", source)
	}

	found := false
	deps := src.DependsOn[:0]
	for _, depID := range src.DependsOn {
		if depID == target {
			found = true
			continue
		}
		deps = append(deps, depID)
	}
	if !found {
		return fmt.Errorf("task %q does not depend on %q", source, target)
	}
	src.DependsOn = deps

	dependents := s.dependents[target][:0]
	for _, id := range s.dependents[target] {
		if id != source {
			dependents = append(dependents, id)
		}
	}
	s.dependents[target] = dependents

	delete(s.edgeSeq, [2]string{source, target})
	s.version++
	return nil
}

// Dependencies returns the direct dependency IDs of a task.
func (s *Store) Dependencies(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	return append([]string(nil), t.DependsOn...)
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (s *Store) Dependents(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.dependents[taskID]...)
}

// TransitiveDependents returns every task reachable by following dependent
// edges from taskID, breadth-first. taskID itself is excluded.
func (s *Store) TransitiveDependents(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traverse(taskID, func(id string) []string { return s.dependents[id] })
}

// TransitiveDependencies returns every task taskID transitively depends on.
func (s *Store) TransitiveDependencies(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traverse(taskID, func(id string) []string {
		if t, ok := s.tasks[id]; ok {
			return t.DependsOn
		}
		return nil
	})
}

func (s *Store) traverse(start string, next func(string) []string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range next(id) {
			if seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
			queue = append(queue, n)
		}
	}
	sort.Strings(out)
	return out
}

// DependencyPath returns a dependency-edge path from `from` to `to`
// (each step follows a DependsOn edge), or nil if `to` is unreachable.
// Used by the cycle guard's reachability check.
func (s *Store) DependencyPath(from, to string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dependencyPathLocked(from, to)
}

func (s *Store) dependencyPathLocked(from, to string) []string {
	parent := map[string]string{}
	seen := map[string]bool{from: true}
	queue := []string{from}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == to {
			path := []string{to}
			for cur := to; cur != from; {
				cur = parent[cur]
				path = append([]string{cur}, path...)
			}
			return path
		}
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		for _, depID := range t.DependsOn {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			parent[depID] = id
			queue = append(queue, depID)
		}
	}
	return nil
}

// AddDependencyChecked atomically runs the reachability check and the edge
// add under one lock. If target already reaches source through dependency
// edges, the edge is refused and the offending path is returned without
// mutating the graph. The cycle guard is the only intended caller.
func (s *Store) AddDependencyChecked(source, target string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source == target {
		return []string{source}, nil
	}
	if path := s.dependencyPathLocked(target, source); path != nil {
		return path, nil
	}
	return nil, s.addDependencyLocked(source, target)
}

// SetStatus transitions a task's status. Transitions into or out of a
// terminal status bump the scheduling version.
func (s *Store) SetStatus(taskID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q not found", taskID)
	}
	if t.Status.Terminal() || status.Terminal() {
		s.version++
	}
	t.Status = status
	return nil
}

// SetImpacts replaces a task's file impacts and bumps the scheduling version.
func (s *Store) SetImpacts(taskID string, impacts []FileImpact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q not found", taskID)
	}
	t.Impacts = append([]FileImpact(nil), impacts...)
	s.version++
	return nil
}

// Version returns a counter bumped by every mutation that can affect
// scheduling: edge changes, impact changes, and terminal status changes.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// EdgeSeq returns the admission sequence number of an edge, used as the
// recency tie-break when proposing a cycle resolution.
func (s *Store) EdgeSeq(source, target string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.edgeSeq[[2]string{source, target}]
	return seq, ok
}

// TopoOrder returns a topological order over all tasks, or an error if the
// graph contains a cycle or dangling dependency references.
func (s *Store) TopoOrder() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for taskID, t := range s.tasks {
		for _, depID := range t.DependsOn {
			if _, ok := s.tasks[depID]; !ok {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, t := range s.tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range t.DependsOn {
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(s.tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(s.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for taskID := range s.tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
