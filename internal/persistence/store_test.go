package persistence

import (
	"context"
	"reflect"
	"testing"

	"github.com/aleistner/swell/internal/graph"
	"github.com/aleistner/swell/internal/orchestrator"
	"github.com/aleistner/swell/internal/wave"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("creating memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dep := &graph.Task{ID: "T1", Title: "schema", ListID: "list-1", Status: graph.StatusQueued}
	if err := store.SaveTask(ctx, dep); err != nil {
		t.Fatal(err)
	}

	task := &graph.Task{
		ID:        "T2",
		Title:     "api handlers",
		Category:  "backend",
		ListID:    "list-1",
		Status:    graph.StatusQueued,
		Priority:  3,
		DependsOn: []string{"T1"},
		Impacts: []graph.FileImpact{
			{Pattern: "internal/api/*.go", Op: graph.OpModify, Estimated: true},
			{Pattern: "cmd/server/main.go", Op: graph.OpModify},
		},
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask(ctx, "T2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != task.Title || got.Category != task.Category || got.Priority != task.Priority {
		t.Errorf("roundtrip lost fields: got %+v", got)
	}
	if !reflect.DeepEqual(got.DependsOn, []string{"T1"}) {
		t.Errorf("DependsOn = %v, want [T1]", got.DependsOn)
	}
	if len(got.Impacts) != 2 {
		t.Fatalf("got %d impacts, want 2", len(got.Impacts))
	}
	if !got.Impacts[0].Estimated || got.Impacts[1].Estimated {
		t.Errorf("Estimated flags lost: %+v", got.Impacts)
	}

	if _, err := store.GetTask(ctx, "missing"); err == nil {
		t.Error("expected error for missing task")
	}
}

func TestSaveTaskRejectsDanglingDependency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &graph.Task{ID: "T1", ListID: "list-1", Status: graph.StatusQueued, DependsOn: []string{"ghost"}}
	if err := store.SaveTask(ctx, task); err == nil {
		t.Error("expected error for dependency on unknown task")
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &graph.Task{ID: "T1", Title: "v1", ListID: "list-1", Status: graph.StatusQueued}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	task.Title = "v2"
	task.Status = graph.StatusCompleted
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "v2" || got.Status != graph.StatusCompleted {
		t.Errorf("second save did not update: %+v", got)
	}

	tasks, err := store.ListTasks(ctx, "list-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("got %d tasks, want 1", len(tasks))
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SaveTask(ctx, &graph.Task{ID: "T1", ListID: "list-1", Status: graph.StatusQueued}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateTaskStatus(ctx, "T1", graph.StatusFailed); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != graph.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	if err := store.UpdateTaskStatus(ctx, "missing", graph.StatusFailed); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestLoadGraph(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tasks := []*graph.Task{
		{ID: "A", ListID: "list-1", Status: graph.StatusQueued,
			Impacts: []graph.FileImpact{{Pattern: "a.go", Op: graph.OpModify}}},
		{ID: "B", ListID: "list-1", Status: graph.StatusQueued, DependsOn: []string{"A"}},
		{ID: "X", ListID: "list-2", Status: graph.StatusQueued},
	}
	for _, task := range tasks {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	g, err := store.LoadGraph(ctx, "list-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := g.Task("X"); ok {
		t.Error("graph for list-1 contains task from list-2")
	}
	a, ok := g.Task("A")
	if !ok {
		t.Fatal("task A missing from loaded graph")
	}
	if len(a.Impacts) != 1 || a.Impacts[0].Pattern != "a.go" {
		t.Errorf("A impacts = %v, want [a.go]", a.Impacts)
	}
	if deps := g.Dependencies("B"); !reflect.DeepEqual(deps, []string{"A"}) {
		t.Errorf("Dependencies(B) = %v, want [A]", deps)
	}
	if dependents := g.Dependents("A"); !reflect.DeepEqual(dependents, []string{"B"}) {
		t.Errorf("Dependents(A) = %v, want [B]", dependents)
	}
}

func TestSaveRunAndAgent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	run := orchestrator.ExecutionRun{
		ID:     "run-1",
		ListID: "list-1",
		Waves:  []wave.Wave{{"A", "B"}, {"C"}},
		Status: orchestrator.RunRunning,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRunStatus(ctx, "run-1", orchestrator.RunCompleted); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRunStatus(ctx, "missing", orchestrator.RunCompleted); err == nil {
		t.Error("expected error for unknown run")
	}

	agent := orchestrator.AgentInstance{
		ID:        "agent-1",
		RunID:     "run-1",
		TaskID:    "A",
		WaveIndex: 0,
		Status:    orchestrator.AgentCompleted,
		Respawns:  1,
	}
	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	// Upsert path: saving the same agent again must not error.
	agent.Status = orchestrator.AgentTerminated
	if err := store.SaveAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
}
