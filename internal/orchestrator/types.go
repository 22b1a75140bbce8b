package orchestrator

import (
	"fmt"
	"time"

	"github.com/aleistner/swell/internal/wave"
)

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// AgentStatus is the lifecycle state of one ephemeral worker instance.
type AgentStatus string

const (
	AgentSpawned    AgentStatus = "spawned"
	AgentRunning    AgentStatus = "running"
	AgentStalled    AgentStatus = "stalled"
	AgentCompleted  AgentStatus = "completed"
	AgentFailed     AgentStatus = "failed"
	AgentTerminated AgentStatus = "terminated"
)

// AgentInstance binds one worker to one task for the duration of one wave.
// It is created when the task is scheduled and destroyed once it reaches a
// terminal state and its outcome is recorded.
type AgentInstance struct {
	ID            string
	RunID         string
	TaskID        string
	WaveIndex     int
	Status        AgentStatus
	LastHeartbeat time.Time
	Respawns      int
	StartedAt     time.Time
}

// ExecutionRun is one pass over a task list.
type ExecutionRun struct {
	ID      string
	ListID  string
	Waves   []wave.Wave
	Current int
	Status  RunStatus
}

// StalledError reports a heartbeat timeout. The agent gets one respawn
// attempt before being demoted to a FailedError.
type StalledError struct {
	RunID         string
	AgentID       string
	TaskID        string
	WaveIndex     int
	LastHeartbeat time.Time
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("agent %s (task %s, wave %d, run %s) stalled: no heartbeat since %s",
		e.AgentID, e.TaskID, e.WaveIndex, e.RunID, e.LastHeartbeat.Format(time.RFC3339))
}

// FailedError reports a worker failure. It propagates only to the failed
// task's transitive dependents, never to unrelated siblings.
type FailedError struct {
	RunID     string
	AgentID   string
	TaskID    string
	WaveIndex int
	Reason    string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("agent %s (task %s, wave %d, run %s) failed: %s",
		e.AgentID, e.TaskID, e.WaveIndex, e.RunID, e.Reason)
}
