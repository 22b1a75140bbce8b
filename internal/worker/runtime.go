// Package worker defines the boundary to the external worker runtime. The
// orchestrator spawns one ephemeral worker per task with (taskID, waveID)
// context; the worker calls back with heartbeats and one terminal report.
// Workers never mutate scheduler state directly.
package worker

import "context"

// Assignment is the execution context handed to a spawned worker.
type Assignment struct {
	RunID     string
	WaveIndex int
	AgentID   string
	TaskID    string
	Title     string
	Category  string
}

// Outcome is a worker's terminal report.
type Outcome struct {
	Success bool
	Detail  string
}

// Reporter receives worker callbacks. The orchestrator implements it; its
// single-consumer event path is the only synchronization between workers
// and scheduler state.
type Reporter interface {
	RecordHeartbeat(agentID string) error
	ReportCompletion(agentID string, outcome Outcome) error
}

// Runtime spawns and terminates workers. Spawn is fire-and-forget: it
// returns once the worker is launched, and results arrive via the Reporter.
type Runtime interface {
	// Spawn launches one worker for the assignment.
	Spawn(ctx context.Context, a Assignment) error
	// Terminate kills the worker bound to the agent, if still running.
	// Used for stalled-worker cleanup and whole-run aborts.
	Terminate(agentID string) error
	// Kind names the runtime flavor, used to segment circuit breakers.
	Kind() string
}
