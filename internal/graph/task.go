package graph

import "time"

// Status represents the scheduling state of a task.
type Status string

const (
	StatusQueued    Status = "queued"    // Created, dependencies not yet evaluated
	StatusReady     Status = "ready"     // All dependencies resolved, eligible for a wave
	StatusBlocked   Status = "blocked"   // A failed ancestor makes it ineligible for this run
	StatusRunning   Status = "running"   // An agent is currently executing it
	StatusCompleted Status = "completed" // Finished successfully
	StatusFailed    Status = "failed"    // Finished with an execution error
	StatusCancelled Status = "cancelled" // Administratively stopped, distinct from failed
)

// Terminal reports whether the status is final for the current run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Op is a file operation a task expects to perform.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
	OpRead   Op = "read"
)

// Writes reports whether the operation mutates the file.
func (o Op) Writes() bool {
	return o == OpCreate || o == OpModify || o == OpDelete
}

// FileImpact is one estimated or declared file operation for a task.
// Pattern is a literal path or a glob. Estimated marks heuristic guesses;
// declared-exact impacts are matched precisely with no conservatism.
type FileImpact struct {
	Pattern   string
	Op        Op
	Estimated bool
}

// Task is a unit of work in the dependency graph. Title and Category are
// opaque to the scheduler; they are carried through to workers unchanged.
type Task struct {
	ID        string
	Title     string
	Category  string
	ListID    string
	Status    Status
	Priority  int
	DependsOn []string
	Impacts   []FileImpact
	CreatedAt time.Time
}

// HasDeclaredImpacts reports whether the task declared any file impacts.
// Tasks with no impacts at all are treated conservatively by the conflict
// detector.
func (t *Task) HasDeclaredImpacts() bool {
	return len(t.Impacts) > 0
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Impacts != nil {
		cp.Impacts = append([]FileImpact(nil), t.Impacts...)
	}
	return &cp
}
