package wave

import (
	"errors"
	"reflect"
	"testing"

	"github.com/aleistner/swell/internal/conflict"
	"github.com/aleistner/swell/internal/graph"
)

const listID = "list-1"

type taskSpec struct {
	id      string
	deps    []string
	impacts []graph.FileImpact
	status  graph.Status
}

func buildStore(t *testing.T, specs []taskSpec) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	for _, ts := range specs {
		task := &graph.Task{
			ID:        ts.id,
			ListID:    listID,
			DependsOn: ts.deps,
			Impacts:   ts.impacts,
			Status:    ts.status,
		}
		if err := s.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func write(pattern string) graph.FileImpact {
	return graph.FileImpact{Pattern: pattern, Op: graph.OpModify}
}

func asIDs(waves []Wave) [][]string {
	out := make([][]string, len(waves))
	for i, w := range waves {
		out[i] = []string(w)
	}
	return out
}

func TestCalculateWaves(t *testing.T) {
	tests := []struct {
		name  string
		tasks []taskSpec
		want  [][]string
	}{
		{
			name: "linear chain",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("a.go")}},
				{id: "B", deps: []string{"A"}, impacts: []graph.FileImpact{write("b.go")}},
				{id: "C", deps: []string{"B"}, impacts: []graph.FileImpact{write("c.go")}},
			},
			want: [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name: "independent tasks with shared file split by conflict",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("schema.sql")}},
				{id: "B", impacts: []graph.FileImpact{write("schema.sql")}},
			},
			want: [][]string{{"A"}, {"B"}},
		},
		{
			name: "independent disjoint tasks share one wave",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("a.go")}},
				{id: "B", impacts: []graph.FileImpact{write("b.go")}},
				{id: "C", impacts: []graph.FileImpact{write("c.go")}},
			},
			want: [][]string{{"A", "B", "C"}},
		},
		{
			name: "diamond",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("a.go")}},
				{id: "B", deps: []string{"A"}, impacts: []graph.FileImpact{write("b.go")}},
				{id: "C", deps: []string{"A"}, impacts: []graph.FileImpact{write("c.go")}},
				{id: "D", deps: []string{"B", "C"}, impacts: []graph.FileImpact{write("d.go")}},
			},
			want: [][]string{{"A"}, {"B", "C"}, {"D"}},
		},
		{
			name: "layer partially split keeps non-conflicting pair together",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("shared.go")}},
				{id: "B", impacts: []graph.FileImpact{write("shared.go")}},
				{id: "C", impacts: []graph.FileImpact{write("c.go")}},
			},
			want: [][]string{{"A", "C"}, {"B"}},
		},
		{
			name: "completed dependency counts satisfied",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("a.go")}, status: graph.StatusCompleted},
				{id: "B", deps: []string{"A"}, impacts: []graph.FileImpact{write("b.go")}},
			},
			want: [][]string{{"B"}},
		},
		{
			name: "failed dependency excludes dependents",
			tasks: []taskSpec{
				{id: "A", impacts: []graph.FileImpact{write("a.go")}, status: graph.StatusFailed},
				{id: "B", deps: []string{"A"}, impacts: []graph.FileImpact{write("b.go")}},
				{id: "C", deps: []string{"B"}, impacts: []graph.FileImpact{write("c.go")}},
				{id: "D", impacts: []graph.FileImpact{write("d.go")}},
			},
			want: [][]string{{"D"}},
		},
		{
			name: "unknown impact pair split conservatively",
			tasks: []taskSpec{
				{id: "A"},
				{id: "B"},
			},
			want: [][]string{{"A"}, {"B"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := buildStore(t, tt.tasks)
			sched := NewScheduler(store, conflict.NewDetector(false))

			waves, err := sched.CalculateWaves(listID)
			if err != nil {
				t.Fatal(err)
			}
			if got := asIDs(waves); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("waves = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaxParallelism(t *testing.T) {
	store := buildStore(t, []taskSpec{
		{id: "A", impacts: []graph.FileImpact{write("a.go")}},
		{id: "B", impacts: []graph.FileImpact{write("b.go")}},
		{id: "C", impacts: []graph.FileImpact{write("c.go")}},
		{id: "D", deps: []string{"A", "B", "C"}, impacts: []graph.FileImpact{write("d.go")}},
	})
	sched := NewScheduler(store, conflict.NewDetector(false))

	got, err := sched.MaxParallelism(listID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("MaxParallelism = %d, want 3", got)
	}
}

func TestStrictIsolationSplitsReadWrite(t *testing.T) {
	specs := []taskSpec{
		{id: "A", impacts: []graph.FileImpact{write("api.go")}},
		{id: "B", impacts: []graph.FileImpact{{Pattern: "api.go", Op: graph.OpRead}}},
	}

	relaxed := NewScheduler(buildStore(t, specs), conflict.NewDetector(false))
	waves, err := relaxed.CalculateWaves(listID)
	if err != nil {
		t.Fatal(err)
	}
	if len(waves) != 1 {
		t.Errorf("relaxed waves = %v, want one shared wave", asIDs(waves))
	}

	strict := NewScheduler(buildStore(t, specs), conflict.NewDetector(true))
	waves, err = strict.CalculateWaves(listID)
	if err != nil {
		t.Fatal(err)
	}
	if len(waves) != 2 {
		t.Errorf("strict waves = %v, want read and write split", asIDs(waves))
	}
}

func TestAssignmentCaching(t *testing.T) {
	store := buildStore(t, []taskSpec{
		{id: "A", impacts: []graph.FileImpact{write("a.go")}},
		{id: "B", deps: []string{"A"}, impacts: []graph.FileImpact{write("b.go")}},
	})
	sched := NewScheduler(store, conflict.NewDetector(false))

	first, err := sched.Assignment(listID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := sched.Assignment(listID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Token != second.Token {
		t.Errorf("token changed without input change: %d vs %d", first.Token, second.Token)
	}
	if !reflect.DeepEqual(first.Waves, second.Waves) {
		t.Errorf("repeated assignment differs: %v vs %v", first.Waves, second.Waves)
	}

	// Running status does not affect scheduling inputs.
	if err := store.SetStatus("A", graph.StatusRunning); err != nil {
		t.Fatal(err)
	}
	third, err := sched.Assignment(listID)
	if err != nil {
		t.Fatal(err)
	}
	if third.Token != first.Token {
		t.Error("non-terminal status change bumped the token")
	}

	// Impact change must invalidate.
	if err := store.SetImpacts("B", []graph.FileImpact{write("a.go")}); err != nil {
		t.Fatal(err)
	}
	fourth, err := sched.Assignment(listID)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.Token == first.Token {
		t.Error("impact change did not bump the token")
	}

	// Terminal status change must invalidate too.
	if err := store.SetStatus("A", graph.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	fifth, err := sched.Assignment(listID)
	if err != nil {
		t.Fatal(err)
	}
	if fifth.Token == fourth.Token {
		t.Error("terminal status change did not bump the token")
	}
	if got := asIDs(fifth.Waves); !reflect.DeepEqual(got, [][]string{{"B"}}) {
		t.Errorf("waves after completion = %v, want [[B]]", got)
	}
}

func TestWaveIndexInvariant(t *testing.T) {
	store := buildStore(t, []taskSpec{
		{id: "A", impacts: []graph.FileImpact{write("x.go")}},
		{id: "B", impacts: []graph.FileImpact{write("x.go")}},
		{id: "C", deps: []string{"A"}, impacts: []graph.FileImpact{write("x.go")}},
		{id: "D", deps: []string{"B", "C"}, impacts: []graph.FileImpact{write("y.go")}},
		{id: "E", impacts: []graph.FileImpact{write("z.go")}},
	})
	sched := NewScheduler(store, conflict.NewDetector(false))

	waves, err := sched.CalculateWaves(listID)
	if err != nil {
		t.Fatal(err)
	}

	waveOf := map[string]int{}
	for i, w := range waves {
		for _, id := range w {
			waveOf[id] = i
		}
	}
	for id, w := range waveOf {
		for _, dep := range store.Dependencies(id) {
			if dw, ok := waveOf[dep]; ok && dw >= w {
				t.Errorf("task %s (wave %d) does not follow dependency %s (wave %d)", id, w, dep, dw)
			}
		}
	}

	d := conflict.NewDetector(false)
	for i, w := range waves {
		for a := 0; a < len(w); a++ {
			for b := a + 1; b < len(w); b++ {
				ta, _ := store.Task(w[a])
				tb, _ := store.Task(w[b])
				if !d.CanRunParallel(ta, tb) {
					t.Errorf("wave %d holds conflicting pair %s / %s", i, w[a], w[b])
				}
			}
		}
	}
}

func TestMaxSubWavesEscalates(t *testing.T) {
	// Three mutual conflicts need three sub-waves; a budget of two escalates.
	store := buildStore(t, []taskSpec{
		{id: "A", impacts: []graph.FileImpact{write("schema.sql")}},
		{id: "B", impacts: []graph.FileImpact{write("schema.sql")}},
		{id: "C", impacts: []graph.FileImpact{write("schema.sql")}},
	})
	sched := NewScheduler(store, conflict.NewDetector(false), WithMaxSubWaves(2))

	_, err := sched.CalculateWaves(listID)
	if err == nil {
		t.Fatal("expected unresolvable conflict error")
	}
	var uErr *conflict.UnresolvableError
	if !errors.As(err, &uErr) {
		t.Fatalf("error type = %T, want *conflict.UnresolvableError", err)
	}
	if uErr.TaskA == "" || uErr.TaskB == "" || uErr.TaskA == uErr.TaskB {
		t.Errorf("error names tasks %q / %q, want two distinct IDs", uErr.TaskA, uErr.TaskB)
	}
}

func TestInconsistencyOnBypassedCycle(t *testing.T) {
	// Edges admitted directly on the store, bypassing the cycle guard.
	store := graph.NewStore()
	for _, spec := range []taskSpec{
		{id: "A", deps: []string{"B"}},
		{id: "B", deps: []string{"A"}},
	} {
		if err := store.AddTask(&graph.Task{ID: spec.id, ListID: listID, DependsOn: spec.deps}); err != nil {
			t.Fatal(err)
		}
	}
	sched := NewScheduler(store, conflict.NewDetector(false))

	_, err := sched.CalculateWaves(listID)
	if err == nil {
		t.Fatal("expected inconsistency error")
	}
	var iErr *InconsistencyError
	if !errors.As(err, &iErr) {
		t.Fatalf("error type = %T, want *InconsistencyError", err)
	}
	if iErr.ListID != listID {
		t.Errorf("ListID = %q, want %q", iErr.ListID, listID)
	}
}

func TestCycleInOtherListDoesNotPoisonSchedule(t *testing.T) {
	// A cycle confined to another list must not block scheduling here.
	store := buildStore(t, []taskSpec{
		{id: "A", impacts: []graph.FileImpact{write("a.go")}},
		{id: "B", deps: []string{"A"}, impacts: []graph.FileImpact{write("b.go")}},
	})
	for _, spec := range []taskSpec{
		{id: "X", deps: []string{"Y"}},
		{id: "Y", deps: []string{"X"}},
	} {
		if err := store.AddTask(&graph.Task{ID: spec.id, ListID: "list-2", DependsOn: spec.deps}); err != nil {
			t.Fatal(err)
		}
	}
	sched := NewScheduler(store, conflict.NewDetector(false))

	waves, err := sched.CalculateWaves(listID)
	if err != nil {
		t.Fatalf("CalculateWaves(%s) = %v, want success", listID, err)
	}
	if got := asIDs(waves); !reflect.DeepEqual(got, [][]string{{"A"}, {"B"}}) {
		t.Errorf("waves = %v, want [[A] [B]]", got)
	}

	// The broken list still reports its own inconsistency.
	if _, err := sched.CalculateWaves("list-2"); err == nil {
		t.Error("expected inconsistency error for the cyclic list")
	}
}

func TestEmptyList(t *testing.T) {
	sched := NewScheduler(graph.NewStore(), conflict.NewDetector(false))
	waves, err := sched.CalculateWaves("empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(waves) != 0 {
		t.Errorf("waves = %v, want none", waves)
	}
}
