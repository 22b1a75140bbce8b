package events

import "time"

// Event is the base interface for all domain events.
type Event interface {
	EventType() string
}

// Topic constants.
const (
	TopicRun   = "run"
	TopicWave  = "wave"
	TopicTask  = "task"
	TopicAgent = "agent"
	TopicGraph = "graph"
)

// Event type constants.
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunPaused      = "run.paused"
	EventTypeRunResumed     = "run.resumed"
	EventTypeRunCompleted   = "run.completed"
	EventTypeRunAborted     = "run.aborted"
	EventTypeWaveStarted    = "wave.started"
	EventTypeWaveResolved   = "wave.resolved"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskBlocked    = "task.blocked"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeAgentStalled   = "agent.stalled"
	EventTypeAgentRespawned = "agent.respawned"
	EventTypeCycleDetected  = "graph.cycle_detected"
)

// RunStartedEvent is published when an execution run begins.
type RunStartedEvent struct {
	RunID     string
	ListID    string
	WaveCount int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }

// RunPausedEvent is published when a run is paused. Running agents continue.
type RunPausedEvent struct {
	RunID     string
	Timestamp time.Time
}

func (e RunPausedEvent) EventType() string { return EventTypeRunPaused }

// RunResumedEvent is published when a paused run resumes.
type RunResumedEvent struct {
	RunID     string
	Timestamp time.Time
}

func (e RunResumedEvent) EventType() string { return EventTypeRunResumed }

// RunCompletedEvent is published when every wave has resolved. Completed
// runs can carry mixed outcomes; Failed and Blocked report containment.
type RunCompletedEvent struct {
	RunID     string
	Completed int
	Failed    int
	Blocked   int
	Cancelled int
	Timestamp time.Time
}

func (e RunCompletedEvent) EventType() string { return EventTypeRunCompleted }

// RunAbortedEvent is published on administrative stop.
type RunAbortedEvent struct {
	RunID     string
	Timestamp time.Time
}

func (e RunAbortedEvent) EventType() string { return EventTypeRunAborted }

// WaveStartedEvent is published when a wave's agents are spawned.
type WaveStartedEvent struct {
	RunID     string
	WaveIndex int
	TaskIDs   []string
	Timestamp time.Time
}

func (e WaveStartedEvent) EventType() string { return EventTypeWaveStarted }

// WaveResolvedEvent is published once every task in the wave reached a
// terminal state, including tasks resolved by being marked blocked.
type WaveResolvedEvent struct {
	RunID     string
	WaveIndex int
	Timestamp time.Time
}

func (e WaveResolvedEvent) EventType() string { return EventTypeWaveResolved }

// TaskStartedEvent is published when an agent picks the task up.
type TaskStartedEvent struct {
	RunID     string
	WaveIndex int
	TaskID    string
	AgentID   string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }

// TaskCompletedEvent is published on successful completion.
type TaskCompletedEvent struct {
	RunID     string
	WaveIndex int
	TaskID    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }

// TaskFailedEvent is published on an explicit failure report or a demoted
// stall.
type TaskFailedEvent struct {
	RunID     string
	WaveIndex int
	TaskID    string
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }

// TaskBlockedEvent is published for each transitive dependent of a failed
// task. Blocked tasks are never spawned in the current run.
type TaskBlockedEvent struct {
	RunID     string
	TaskID    string
	FailedDep string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }

// TaskCancelledEvent is published when an abort stops a task
// administratively, distinct from failure.
type TaskCancelledEvent struct {
	RunID     string
	TaskID    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }

// AgentStalledEvent is published when an agent misses its heartbeat window.
type AgentStalledEvent struct {
	RunID     string
	AgentID   string
	TaskID    string
	LastBeat  time.Time
	Timestamp time.Time
}

func (e AgentStalledEvent) EventType() string { return EventTypeAgentStalled }

// AgentRespawnedEvent is published when a stalled agent gets its one
// replacement attempt.
type AgentRespawnedEvent struct {
	RunID      string
	OldAgentID string
	NewAgentID string
	TaskID     string
	Timestamp  time.Time
}

func (e AgentRespawnedEvent) EventType() string { return EventTypeAgentRespawned }

// CycleDetectedEvent is published when an edge addition is refused.
type CycleDetectedEvent struct {
	Source    string
	Target    string
	Path      []string
	Timestamp time.Time
}

func (e CycleDetectedEvent) EventType() string { return EventTypeCycleDetected }
