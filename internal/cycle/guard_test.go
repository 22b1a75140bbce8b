package cycle

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aleistner/swell/internal/events"
	"github.com/aleistner/swell/internal/graph"
)

func newStore(t *testing.T, ids ...string) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	for _, id := range ids {
		if err := s.AddTask(&graph.Task{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestWouldCreateCycle(t *testing.T) {
	s := newStore(t, "A", "B", "C", "D")
	g := NewGuard(s, nil)

	if err := g.SafeAddDependency("B", "A"); err != nil {
		t.Fatal(err)
	}
	if err := g.SafeAddDependency("C", "B"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		source, target string
		want           bool
		wantPath       []string
	}{
		{"closes the loop", "A", "C", true, []string{"C", "B", "A"}},
		{"reverse of direct edge", "A", "B", true, []string{"B", "A"}},
		{"self edge", "A", "A", true, []string{"A"}},
		{"shortcut edge is safe", "C", "A", false, nil},
		{"disconnected task", "D", "A", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := g.WouldCreateCycle(tt.source, tt.target)
			if check.WouldCycle != tt.want {
				t.Fatalf("WouldCycle = %v, want %v", check.WouldCycle, tt.want)
			}
			if tt.want && !reflect.DeepEqual(check.Path, tt.wantPath) {
				t.Errorf("Path = %v, want %v", check.Path, tt.wantPath)
			}
		})
	}
}

func TestSafeAddDependencyRefusesCycle(t *testing.T) {
	s := newStore(t, "A", "B")
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicGraph, 4)

	g := NewGuard(s, bus)

	if err := g.SafeAddDependency("A", "B"); err != nil {
		t.Fatal(err)
	}

	err := g.SafeAddDependency("B", "A")
	if err == nil {
		t.Fatal("expected cycle refusal")
	}
	var cErr *Error
	if !errors.As(err, &cErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if cErr.Source != "B" || cErr.Target != "A" {
		t.Errorf("error edge = %s -> %s, want B -> A", cErr.Source, cErr.Target)
	}
	if !reflect.DeepEqual(cErr.Path, []string{"A", "B"}) {
		t.Errorf("Path = %v, want [A B]", cErr.Path)
	}

	// Graph must be untouched by the refused edge.
	if deps := s.Dependencies("B"); len(deps) != 0 {
		t.Errorf("refused edge mutated graph: Dependencies(B) = %v", deps)
	}

	select {
	case ev := <-sub:
		cd, ok := ev.(events.CycleDetectedEvent)
		if !ok {
			t.Fatalf("event type = %T, want CycleDetectedEvent", ev)
		}
		if cd.Source != "B" || cd.Target != "A" {
			t.Errorf("event edge = %s -> %s, want B -> A", cd.Source, cd.Target)
		}
	case <-time.After(time.Second):
		t.Fatal("no cycle event published")
	}
}

func TestDetectExistingCycles(t *testing.T) {
	tests := []struct {
		name  string
		tasks map[string][]string // id -> depends on
		want  [][]string
	}{
		{
			name:  "acyclic chain",
			tasks: map[string][]string{"A": nil, "B": {"A"}, "C": {"B"}},
			want:  nil,
		},
		{
			name:  "two-member loop",
			tasks: map[string][]string{"A": {"B"}, "B": {"A"}},
			want:  [][]string{{"A", "B"}},
		},
		{
			name:  "three-member loop with tail",
			tasks: map[string][]string{"A": {"B"}, "B": {"C"}, "C": {"A"}, "D": {"A"}},
			want:  [][]string{{"A", "B", "C"}},
		},
		{
			name:  "self loop",
			tasks: map[string][]string{"A": {"A"}, "B": nil},
			want:  [][]string{{"A"}},
		},
		{
			name: "two independent loops",
			tasks: map[string][]string{
				"A": {"B"}, "B": {"A"},
				"X": {"Y"}, "Y": {"X"},
				"M": nil,
			},
			want: [][]string{{"A", "B"}, {"X", "Y"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := graph.NewStore()
			for id, deps := range tt.tasks {
				if err := s.AddTask(&graph.Task{ID: id, DependsOn: deps}); err != nil {
					t.Fatal(err)
				}
			}
			g := NewGuard(s, nil)

			got := g.DetectExistingCycles()
			var members [][]string
			for _, c := range got {
				members = append(members, c.Members)
			}
			sortCycles(members)

			if !reflect.DeepEqual(members, tt.want) {
				t.Errorf("cycles = %v, want %v", members, tt.want)
			}
		})
	}
}

func sortCycles(cycles [][]string) {
	for i := range cycles {
		for j := i + 1; j < len(cycles); j++ {
			if cycles[j][0] < cycles[i][0] {
				cycles[i], cycles[j] = cycles[j], cycles[i]
			}
		}
	}
}

func TestGenerateResolutionNewestEdgeLoses(t *testing.T) {
	s := newStore(t, "A", "B", "C")
	// Admit edges in order; C -> A is added last and should lose.
	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}} {
		if err := s.AddDependency(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	g := NewGuard(s, nil)

	cycles := g.DetectExistingCycles()
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}

	res, err := g.GenerateResolution(cycles[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != "C" || res.Target != "A" {
		t.Errorf("resolution removes %s -> %s, want C -> A", res.Source, res.Target)
	}

	// Applying the resolution must leave the graph acyclic.
	if err := s.RemoveDependency(res.Source, res.Target); err != nil {
		t.Fatal(err)
	}
	if left := g.DetectExistingCycles(); left != nil {
		t.Errorf("cycles remain after resolution: %v", left)
	}
}

func TestGenerateResolutionInterleavedLoops(t *testing.T) {
	// A figure-eight: A <-> B and A <-> C share the pivot task A. Tarjan
	// collapses both loops into one component, so the resolution has to
	// work from the component's real edges rather than member order.
	s := newStore(t, "A", "B", "C")
	for _, e := range [][2]string{{"A", "B"}, {"B", "A"}, {"A", "C"}, {"C", "A"}} {
		if err := s.AddDependency(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	g := NewGuard(s, nil)

	cycles := g.DetectExistingCycles()
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1 component", len(cycles))
	}
	if !reflect.DeepEqual(cycles[0].Members, []string{"A", "B", "C"}) {
		t.Fatalf("members = %v, want [A B C]", cycles[0].Members)
	}

	// Resolving repeatedly must converge to an acyclic graph, removing one
	// real edge per round. Two rounds suffice for two loops.
	for round := 0; round < 2; round++ {
		cycles = g.DetectExistingCycles()
		if len(cycles) == 0 {
			t.Fatalf("round %d: expected a remaining cycle", round)
		}
		res, err := g.GenerateResolution(cycles[0])
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if _, ok := s.EdgeSeq(res.Source, res.Target); !ok {
			t.Fatalf("round %d: resolution %s -> %s is not a graph edge", round, res.Source, res.Target)
		}
		if err := s.RemoveDependency(res.Source, res.Target); err != nil {
			t.Fatal(err)
		}
	}
	if left := g.DetectExistingCycles(); left != nil {
		t.Errorf("cycles remain after resolutions: %v", left)
	}
}

func TestGenerateResolutionPriorityOverride(t *testing.T) {
	s := newStore(t, "A", "B", "C")
	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}} {
		if err := s.AddDependency(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	g := NewGuard(s, nil)
	g.SetPriority(func(taskID string) int {
		if taskID == "B" {
			return 0
		}
		return 10
	})

	cycles := g.DetectExistingCycles()
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1", len(cycles))
	}
	res, err := g.GenerateResolution(cycles[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != "B" {
		t.Errorf("resolution removes edge from %s, want B (lowest priority)", res.Source)
	}
}

func TestGenerateResolutionSelfLoop(t *testing.T) {
	g := NewGuard(graph.NewStore(), nil)
	res, err := g.GenerateResolution(Cycle{Members: []string{"A"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != "A" || res.Target != "A" {
		t.Errorf("resolution = %s -> %s, want A -> A", res.Source, res.Target)
	}
}
