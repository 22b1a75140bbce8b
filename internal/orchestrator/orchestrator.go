// Package orchestrator drives execution runs wave-by-wave: one ephemeral
// worker per task, heartbeat-based liveness, and failure containment to the
// failed task's transitive dependents.
//
// All scheduler state transitions are serialized through a single logical
// mutation path: each run owns one message channel consumed by one loop
// goroutine. Workers and callers only ever enqueue messages; they never
// touch the graph directly, so the graph needs no locking beyond its own.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aleistner/swell/internal/config"
	"github.com/aleistner/swell/internal/events"
	"github.com/aleistner/swell/internal/graph"
	"github.com/aleistner/swell/internal/wave"
	"github.com/aleistner/swell/internal/worker"
)

type msgKind int

const (
	msgHeartbeat msgKind = iota
	msgCompletion
	msgPause
	msgResume
	msgAbort
)

type message struct {
	kind    msgKind
	agentID string
	outcome worker.Outcome
}

// msgBufSize buffers the per-run message channel. Heartbeats are dropped
// when full; completions and control messages block until consumed.
const msgBufSize = 1024

// Options wires an Orchestrator.
type Options struct {
	Store          *graph.Store
	Waves          *wave.Scheduler
	Runtime        worker.Runtime
	Bus            *events.Bus
	Logger         *zap.Logger
	Liveness       config.LivenessConfig
	MaxConcurrency int // bound on concurrent spawn calls per wave; 0 = wave size
	Retry          worker.RetryConfig
}

// Orchestrator supervises execution runs.
type Orchestrator struct {
	store    *graph.Store
	waves    *wave.Scheduler
	runtime  worker.Runtime
	bus      *events.Bus
	log      *zap.Logger
	liveness config.LivenessConfig
	maxConc  int
	retry    worker.RetryConfig
	breakers *worker.BreakerRegistry

	mu       sync.Mutex
	runs     map[string]*run // runID -> run
	agentRun map[string]*run // agentID -> owning run, for callback routing
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	liveness := opts.Liveness
	if liveness.HeartbeatInterval.Std() <= 0 {
		liveness = config.DefaultConfig().Liveness
	}
	retry := opts.Retry
	if retry.InitialInterval <= 0 {
		retry = worker.DefaultRetryConfig()
	}
	return &Orchestrator{
		store:    opts.Store,
		waves:    opts.Waves,
		runtime:  opts.Runtime,
		bus:      opts.Bus,
		log:      log,
		liveness: liveness,
		maxConc:  opts.MaxConcurrency,
		retry:    retry,
		breakers: worker.NewBreakerRegistry(log),
		runs:     make(map[string]*run),
		agentRun: make(map[string]*run),
	}
}

// SetRuntime installs the worker runtime. Needed when the runtime reports
// back into this orchestrator and so cannot exist before it. Must be called
// before StartExecution.
func (o *Orchestrator) SetRuntime(rt worker.Runtime) {
	o.mu.Lock()
	o.runtime = rt
	o.mu.Unlock()
}

// StartExecution computes waves for the task list and starts a run over
// them. Wave computation errors (including scheduling inconsistencies,
// which are fatal) are returned before any worker is spawned.
func (o *Orchestrator) StartExecution(ctx context.Context, listID string) (string, error) {
	o.mu.Lock()
	rt := o.runtime
	o.mu.Unlock()
	if rt == nil {
		return "", fmt.Errorf("no worker runtime installed")
	}

	waves, err := o.waves.CalculateWaves(listID)
	if err != nil {
		return "", fmt.Errorf("computing waves for list %q: %w", listID, err)
	}

	o.mu.Lock()
	for _, r := range o.runs {
		if r.ListID == listID && !r.status().Terminal() {
			o.mu.Unlock()
			return "", fmt.Errorf("list %q already has active run %s", listID, r.ID)
		}
	}
	r := newRun(listID, waves)
	o.runs[r.ID] = r
	o.mu.Unlock()

	go o.loop(ctx, r)
	return r.ID, nil
}

// PauseExecution stops spawning new waves. Agents already running continue
// to completion.
func (o *Orchestrator) PauseExecution(runID string) error {
	return o.control(runID, msgPause)
}

// ResumeExecution continues a paused run from its next un-spawned wave.
func (o *Orchestrator) ResumeExecution(runID string) error {
	return o.control(runID, msgResume)
}

// AbortExecution cancels pending waves, signals termination to running
// agents, and marks their tasks cancelled (distinct from failed).
func (o *Orchestrator) AbortExecution(runID string) error {
	return o.control(runID, msgAbort)
}

func (o *Orchestrator) control(runID string, kind msgKind) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %q not found", runID)
	}

	select {
	case r.msgs <- message{kind: kind}:
		return nil
	case <-r.done:
		return fmt.Errorf("run %q already finished", runID)
	}
}

// RecordHeartbeat records a liveness signal from a worker. Heartbeats for
// unknown or already-terminated agents are rejected. Delivery is
// non-blocking: a full queue drops the beat, the next one renews liveness.
func (o *Orchestrator) RecordHeartbeat(agentID string) error {
	o.mu.Lock()
	r, ok := o.agentRun[agentID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}

	select {
	case r.msgs <- message{kind: msgHeartbeat, agentID: agentID}:
	default:
	}
	return nil
}

// ReportCompletion records a worker's terminal outcome. Blocks until the
// run's consumer accepts it; reports for finished runs are rejected.
func (o *Orchestrator) ReportCompletion(agentID string, outcome worker.Outcome) error {
	o.mu.Lock()
	r, ok := o.agentRun[agentID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}

	select {
	case r.msgs <- message{kind: msgCompletion, agentID: agentID, outcome: outcome}:
		return nil
	case <-r.done:
		return fmt.Errorf("run for agent %q already finished", agentID)
	}
}

// GetBlockedTasks returns the full transitive-dependent set of a task: the
// tasks that become ineligible for the current run if it fails.
func (o *Orchestrator) GetBlockedTasks(taskID string) []*graph.Task {
	var out []*graph.Task
	for _, id := range o.store.TransitiveDependents(taskID) {
		if t, ok := o.store.Task(id); ok {
			out = append(out, t)
		}
	}
	return out
}

// Run returns a snapshot of a run's state.
func (o *Orchestrator) Run(runID string) (ExecutionRun, bool) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return ExecutionRun{}, false
	}
	return r.snapshot(), true
}

// Wait blocks until the run's loop has exited or the context is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %q not found", runID)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) registerAgent(agentID string, r *run) {
	o.mu.Lock()
	o.agentRun[agentID] = r
	o.mu.Unlock()
}

func (o *Orchestrator) unregisterAgent(agentID string) {
	o.mu.Lock()
	delete(o.agentRun, agentID)
	o.mu.Unlock()
}

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunAborted
}

// run is the per-run state owned by its loop goroutine. External goroutines
// only enqueue messages and read snapshots.
type run struct {
	ExecutionRun
	msgs chan message
	done chan struct{}

	mu     sync.Mutex
	paused bool
	agents map[string]*AgentInstance // live agents by ID
}

func newRun(listID string, waves []wave.Wave) *run {
	return &run{
		ExecutionRun: ExecutionRun{
			ID:     uuid.New().String(),
			ListID: listID,
			Waves:  waves,
			Status: RunPending,
		},
		msgs:   make(chan message, msgBufSize),
		done:   make(chan struct{}),
		agents: make(map[string]*AgentInstance),
	}
}

func (r *run) status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

func (r *run) setStatus(s RunStatus) {
	r.mu.Lock()
	r.Status = s
	r.mu.Unlock()
}

func (r *run) setCurrent(idx int) {
	r.mu.Lock()
	r.Current = idx
	r.mu.Unlock()
}

func (r *run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *run) setPaused(v bool) {
	r.mu.Lock()
	r.paused = v
	r.mu.Unlock()
}

func (r *run) addAgent(a *AgentInstance) {
	r.mu.Lock()
	r.agents[a.ID] = a
	r.mu.Unlock()
}

func (r *run) agent(agentID string) *AgentInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[agentID]
}

func (r *run) removeAgent(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
}

func (r *run) liveAgents() []*AgentInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentInstance, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

func (r *run) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func (r *run) touch(agentID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	a.LastHeartbeat = now
	if a.Status == AgentSpawned {
		a.Status = AgentRunning
	}
}

func (r *run) snapshot() ExecutionRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.ExecutionRun
	cp.Waves = append([]wave.Wave(nil), r.Waves...)
	return cp
}
