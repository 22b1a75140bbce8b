// Package cycle keeps the dependency graph acyclic. Every production edge
// addition goes through Guard.SafeAddDependency, which refuses edges that
// would close a loop; DetectExistingCycles catches loops introduced through
// any other path, such as bulk imports.
package cycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aleistner/swell/internal/events"
	"github.com/aleistner/swell/internal/graph"
)

// Check is the outcome of a would-create-cycle probe. Path is the existing
// dependency chain from target back to source that the new edge would close.
type Check struct {
	WouldCycle bool
	Path       []string
}

// Cycle is one strongly connected component with more than one member (or a
// self-loop). Members follow one dependency walk through the component where
// a single loop exists; components interleaving several loops fall back to
// sorted order.
type Cycle struct {
	Members []string
}

// Resolution proposes removing one edge to break a cycle.
type Resolution struct {
	Source    string // edge to remove: Source depends on Target
	Target    string
	Rationale string
}

// PriorityFunc rates how costly it is to lose an edge originating at the
// given task; lower values lose first. When nil, the most-recently-added
// edge loses. The tie-break is a tunable heuristic, not a fixed law.
type PriorityFunc func(taskID string) int

// Error is returned when an edge addition would create a cycle. The graph
// is left unmodified; callers may retry with a different edge or ask for a
// resolution.
type Error struct {
	Source string
	Target string
	Path   []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("adding dependency %s -> %s would create cycle through %v", e.Source, e.Target, e.Path)
}

// Guard layers cycle safety on top of the low-level graph store.
type Guard struct {
	mu       sync.Mutex
	store    *graph.Store
	bus      *events.Bus  // optional; cycle refusals are published when set
	priority PriorityFunc // optional; overrides the recency tie-break
}

// NewGuard creates a guard over the store. bus may be nil.
func NewGuard(store *graph.Store, bus *events.Bus) *Guard {
	return &Guard{store: store, bus: bus}
}

// SetPriority installs a caller-supplied criticality score used by
// GenerateResolution instead of the default newest-edge-loses rule.
func (g *Guard) SetPriority(fn PriorityFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priority = fn
}

// WouldCreateCycle reports whether admitting "source depends on target"
// would close a loop, by searching for an existing dependency path from
// target back to source.
func (g *Guard) WouldCreateCycle(source, target string) Check {
	if source == target {
		return Check{WouldCycle: true, Path: []string{source}}
	}
	if path := g.store.DependencyPath(target, source); path != nil {
		return Check{WouldCycle: true, Path: path}
	}
	return Check{}
}

// SafeAddDependency composes the cycle check and the edge add as one atomic
// operation. On refusal it returns *Error carrying the offending path and
// leaves the graph untouched.
func (g *Guard) SafeAddDependency(source, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	path, err := g.store.AddDependencyChecked(source, target)
	if err != nil {
		return err
	}
	if path != nil {
		if g.bus != nil {
			g.bus.Publish(events.TopicGraph, events.CycleDetectedEvent{
				Source:    source,
				Target:    target,
				Path:      path,
				Timestamp: time.Now(),
			})
		}
		return &Error{Source: source, Target: target, Path: path}
	}
	return nil
}

// DetectExistingCycles runs Tarjan's strongly-connected-components pass over
// the whole graph and returns every component that forms a loop.
func (g *Guard) DetectExistingCycles() []Cycle {
	tasks := g.store.Tasks()

	adj := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
		adj[t.ID] = append([]string(nil), t.DependsOn...)
	}
	sort.Strings(ids)

	t := &tarjan{
		adj:     adj,
		index:   make(map[string]int, len(ids)),
		lowlink: make(map[string]int, len(ids)),
		onStack: make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		if _, visited := t.index[id]; !visited {
			t.strongConnect(id)
		}
	}

	var cycles []Cycle
	for _, scc := range t.sccs {
		if len(scc) > 1 {
			cycles = append(cycles, Cycle{Members: orderCycle(scc, adj)})
			continue
		}
		// Single-member component: cycle only on a self-loop.
		id := scc[0]
		for _, dep := range adj[id] {
			if dep == id {
				cycles = append(cycles, Cycle{Members: []string{id}})
				break
			}
		}
	}
	return cycles
}

// GenerateResolution proposes the edge to remove that is judged least
// costly to break. Default policy: the most-recently-added edge loses; a
// caller-supplied priority function overrides recency.
func (g *Guard) GenerateResolution(c Cycle) (Resolution, error) {
	g.mu.Lock()
	priority := g.priority
	g.mu.Unlock()

	if len(c.Members) == 0 {
		return Resolution{}, fmt.Errorf("empty cycle")
	}
	if len(c.Members) == 1 {
		id := c.Members[0]
		return Resolution{
			Source:    id,
			Target:    id,
			Rationale: fmt.Sprintf("task %q depends on itself", id),
		}, nil
	}

	// Collect every dependency edge internal to the component. A component
	// can interleave several loops, so consecutive Members are not
	// necessarily edges; the component's own edge set always is.
	member := make(map[string]bool, len(c.Members))
	for _, id := range c.Members {
		member[id] = true
	}
	type edge struct {
		source, target string
		seq            uint64
	}
	var edgesOf []edge
	for _, src := range c.Members {
		for _, tgt := range g.store.Dependencies(src) {
			if !member[tgt] {
				continue
			}
			seq, ok := g.store.EdgeSeq(src, tgt)
			if !ok {
				continue
			}
			edgesOf = append(edgesOf, edge{source: src, target: tgt, seq: seq})
		}
	}
	if len(edgesOf) == 0 {
		return Resolution{}, fmt.Errorf("cycle through %v has no edges left in graph", c.Members)
	}

	best := edgesOf[0]
	if priority != nil {
		for _, e := range edgesOf[1:] {
			if priority(e.source) < priority(best.source) ||
				(priority(e.source) == priority(best.source) && e.seq > best.seq) {
				best = e
			}
		}
		return Resolution{
			Source: best.source,
			Target: best.target,
			Rationale: fmt.Sprintf("edge %s -> %s originates at the lowest-criticality task (score %d)",
				best.source, best.target, priority(best.source)),
		}, nil
	}

	for _, e := range edgesOf[1:] {
		if e.seq > best.seq {
			best = e
		}
	}
	return Resolution{
		Source:    best.source,
		Target:    best.target,
		Rationale: fmt.Sprintf("edge %s -> %s was added most recently", best.source, best.target),
	}, nil
}

// tarjan implements the iterative-enough recursive SCC algorithm. Expected
// graph sizes are tens to low hundreds of tasks, so recursion depth is not
// a concern here.
type tarjan struct {
	adj     map[string][]string
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	counter int
	sccs    [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.adj[v] {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] && t.index[w] < t.lowlink[v] {
			t.lowlink[v] = t.index[w]
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []string
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// orderCycle walks the component's dependency edges so that consecutive
// members are connected, starting from the lexicographically smallest
// member for determinism.
func orderCycle(scc []string, adj map[string][]string) []string {
	member := make(map[string]bool, len(scc))
	for _, id := range scc {
		member[id] = true
	}

	start := scc[0]
	for _, id := range scc[1:] {
		if id < start {
			start = id
		}
	}

	ordered := []string{start}
	seen := map[string]bool{start: true}
	cur := start
	for len(ordered) < len(scc) {
		advanced := false
		for _, dep := range adj[cur] {
			if member[dep] && !seen[dep] {
				ordered = append(ordered, dep)
				seen[dep] = true
				cur = dep
				advanced = true
				break
			}
		}
		if !advanced {
			// Component has multiple interleaved loops; append the rest in
			// sorted order, the resolution still has valid edges to pick from.
			var rest []string
			for _, id := range scc {
				if !seen[id] {
					rest = append(rest, id)
				}
			}
			sort.Strings(rest)
			ordered = append(ordered, rest...)
			break
		}
	}
	return ordered
}
