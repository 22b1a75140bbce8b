package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aleistner/swell/internal/events"
	"github.com/aleistner/swell/internal/graph"
	"github.com/aleistner/swell/internal/worker"
)

// loop is the single consumer of the run's message channel. It advances
// waves strictly in order: wave N+1 never spawns until wave N has fully
// resolved, where "resolved" includes tasks marked blocked without running.
func (o *Orchestrator) loop(ctx context.Context, r *run) {
	defer close(r.done)

	r.setStatus(RunRunning)
	o.bus.Publish(events.TopicRun, events.RunStartedEvent{
		RunID:     r.ID,
		ListID:    r.ListID,
		WaveCount: len(r.Waves),
		Timestamp: time.Now(),
	})
	o.log.Info("run started",
		zap.String("run_id", r.ID),
		zap.String("list_id", r.ListID),
		zap.Int("waves", len(r.Waves)))

	sweep := time.NewTicker(o.liveness.SweepInterval.Std())
	defer sweep.Stop()

	for idx := 0; idx < len(r.Waves); idx++ {
		if !o.gate(ctx, r) {
			o.finishAborted(r, idx)
			return
		}

		r.setCurrent(idx)
		o.spawnWave(ctx, r, idx)

		if aborted := o.superviseWave(ctx, r, idx, sweep); aborted {
			o.finishAborted(r, idx+1)
			return
		}

		o.bus.Publish(events.TopicWave, events.WaveResolvedEvent{
			RunID:     r.ID,
			WaveIndex: idx,
			Timestamp: time.Now(),
		})
	}

	o.finishCompleted(r)
}

// gate blocks while the run is paused, waiting indefinitely for a resume or
// abort. Returns false when the run should abort instead of spawning.
func (o *Orchestrator) gate(ctx context.Context, r *run) bool {
	for {
		// Apply controls already queued at the wave boundary. Without this,
		// a pause or abort accepted between waves would only take effect
		// once the next wave is supervising, and a wave that resolves with
		// zero live agents would never consume it at all.
		for drained := false; !drained; {
			select {
			case m := <-r.msgs:
				switch m.kind {
				case msgPause:
					if !r.isPaused() {
						r.setPaused(true)
						r.setStatus(RunPaused)
						o.bus.Publish(events.TopicRun, events.RunPausedEvent{RunID: r.ID, Timestamp: time.Now()})
					}
				case msgResume:
					if r.isPaused() {
						r.setPaused(false)
						r.setStatus(RunRunning)
						o.bus.Publish(events.TopicRun, events.RunResumedEvent{RunID: r.ID, Timestamp: time.Now()})
					}
				case msgAbort:
					return false
				default:
					// Stray heartbeat or completion from an agent terminated
					// in an earlier wave.
				}
			default:
				drained = true
			}
		}

		if !r.isPaused() {
			select {
			case <-ctx.Done():
				return false
			default:
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case m := <-r.msgs:
			switch m.kind {
			case msgResume:
				r.setPaused(false)
				r.setStatus(RunRunning)
				o.bus.Publish(events.TopicRun, events.RunResumedEvent{RunID: r.ID, Timestamp: time.Now()})
			case msgAbort:
				return false
			case msgPause:
				// already paused
			default:
				// Stray heartbeat or completion from an agent terminated in
				// an earlier wave; nothing live to apply it to.
			}
		}
	}
}

// spawnWave starts one agent per still-eligible task in the wave. Tasks
// whose dependencies failed are marked blocked here without ever spawning;
// they count as resolved immediately.
func (o *Orchestrator) spawnWave(ctx context.Context, r *run, idx int) {
	var toRun []*graph.Task
	for _, taskID := range r.Waves[idx] {
		t, ok := o.store.Task(taskID)
		if !ok {
			continue
		}
		if t.Status == graph.StatusBlocked || t.Status.Terminal() {
			continue
		}
		if failedDep := o.unmetDependency(t); failedDep != "" {
			o.blockTask(r, t.ID, failedDep)
			continue
		}
		toRun = append(toRun, t)
	}
	if len(toRun) == 0 {
		return
	}

	taskIDs := make([]string, len(toRun))
	for i, t := range toRun {
		taskIDs[i] = t.ID
	}
	o.bus.Publish(events.TopicWave, events.WaveStartedEvent{
		RunID:     r.ID,
		WaveIndex: idx,
		TaskIDs:   taskIDs,
		Timestamp: time.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	limit := o.maxConc
	if limit <= 0 {
		limit = len(toRun)
	}
	g.SetLimit(limit)

	cb := o.breakers.Get(o.runtime.Kind())
	for _, t := range toRun {
		agent := &AgentInstance{
			ID:        uuid.New().String(),
			RunID:     r.ID,
			TaskID:    t.ID,
			WaveIndex: idx,
			Status:    AgentSpawned,
			StartedAt: time.Now(),
		}
		r.addAgent(agent)
		o.registerAgent(agent.ID, r)

		if err := o.store.SetStatus(t.ID, graph.StatusRunning); err != nil {
			o.log.Error("failed to mark task running", zap.String("task_id", t.ID), zap.Error(err))
		}
		o.bus.Publish(events.TopicTask, events.TaskStartedEvent{
			RunID:     r.ID,
			WaveIndex: idx,
			TaskID:    t.ID,
			AgentID:   agent.ID,
			Timestamp: time.Now(),
		})

		assignment := worker.Assignment{
			RunID:     r.ID,
			WaveIndex: idx,
			AgentID:   agent.ID,
			TaskID:    t.ID,
			Title:     t.Title,
			Category:  t.Category,
		}
		g.Go(func() error {
			if err := worker.SpawnWithRetry(gctx, o.runtime, assignment, cb, o.retry); err != nil {
				// Route the spawn failure through the message channel so the
				// loop stays the single mutation path.
				o.deliver(r, message{
					kind:    msgCompletion,
					agentID: assignment.AgentID,
					outcome: worker.Outcome{Success: false, Detail: "spawn failed: " + err.Error()},
				})
			}
			return nil
		})
	}
	// Spawn calls are fire-and-forget; waiting here only bounds the burst.
	_ = g.Wait()
}

// superviseWave consumes messages until every agent in the wave reached a
// terminal state. Returns true if the run was aborted.
func (o *Orchestrator) superviseWave(ctx context.Context, r *run, idx int, sweep *time.Ticker) bool {
	for r.liveCount() > 0 {
		select {
		case <-ctx.Done():
			o.terminateLive(r)
			return true
		case m := <-r.msgs:
			switch m.kind {
			case msgHeartbeat:
				r.touch(m.agentID, time.Now())
			case msgCompletion:
				o.handleCompletion(r, m.agentID, m.outcome)
			case msgPause:
				if !r.isPaused() {
					r.setPaused(true)
					r.setStatus(RunPaused)
					o.bus.Publish(events.TopicRun, events.RunPausedEvent{RunID: r.ID, Timestamp: time.Now()})
				}
			case msgResume:
				if r.isPaused() {
					r.setPaused(false)
					r.setStatus(RunRunning)
					o.bus.Publish(events.TopicRun, events.RunResumedEvent{RunID: r.ID, Timestamp: time.Now()})
				}
			case msgAbort:
				o.terminateLive(r)
				return true
			}
		case <-sweep.C:
			o.sweepStalled(ctx, r, idx)
		}
	}
	return false
}

// handleCompletion applies one terminal worker report: agent to terminated,
// task to completed or failed, then readiness or containment propagation.
func (o *Orchestrator) handleCompletion(r *run, agentID string, outcome worker.Outcome) {
	a := r.agent(agentID)
	if a == nil {
		return // already terminated (stall demotion or abort raced the report)
	}

	r.removeAgent(agentID)
	o.unregisterAgent(agentID)

	if outcome.Success {
		a.Status = AgentCompleted
		if err := o.store.SetStatus(a.TaskID, graph.StatusCompleted); err != nil {
			o.log.Error("failed to mark task completed", zap.String("task_id", a.TaskID), zap.Error(err))
		}
		o.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			RunID:     r.ID,
			WaveIndex: a.WaveIndex,
			TaskID:    a.TaskID,
			Duration:  time.Since(a.StartedAt),
			Timestamp: time.Now(),
		})
		o.promoteDependents(a.TaskID)
	} else {
		a.Status = AgentFailed
		failure := &FailedError{
			RunID:     r.ID,
			AgentID:   a.ID,
			TaskID:    a.TaskID,
			WaveIndex: a.WaveIndex,
			Reason:    outcome.Detail,
		}
		o.log.Warn("task failed", zap.String("task_id", a.TaskID), zap.Error(failure))
		if err := o.store.SetStatus(a.TaskID, graph.StatusFailed); err != nil {
			o.log.Error("failed to mark task failed", zap.String("task_id", a.TaskID), zap.Error(err))
		}
		o.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			RunID:     r.ID,
			WaveIndex: a.WaveIndex,
			TaskID:    a.TaskID,
			Reason:    outcome.Detail,
			Timestamp: time.Now(),
		})
		o.containFailure(r, a.TaskID)
	}
	a.Status = AgentTerminated
}

// promoteDependents re-evaluates the direct dependents of a completed task:
// any whose dependencies are now all completed becomes ready.
func (o *Orchestrator) promoteDependents(taskID string) {
	for _, depID := range o.store.Dependents(taskID) {
		t, ok := o.store.Task(depID)
		if !ok || t.Status != graph.StatusQueued {
			continue
		}
		allDone := true
		for _, d := range o.store.Dependencies(depID) {
			dep, ok := o.store.Task(d)
			if !ok || dep.Status != graph.StatusCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			if err := o.store.SetStatus(depID, graph.StatusReady); err != nil {
				o.log.Error("failed to mark task ready", zap.String("task_id", depID), zap.Error(err))
			}
		}
	}
}

// containFailure marks exactly the failed task's transitive dependents as
// blocked. Tasks outside that set keep their wave assignments and statuses,
// which is the partial-failure guarantee.
func (o *Orchestrator) containFailure(r *run, failedID string) {
	for _, depID := range o.store.TransitiveDependents(failedID) {
		t, ok := o.store.Task(depID)
		if !ok || t.Status.Terminal() || t.Status == graph.StatusBlocked {
			continue
		}
		o.blockTask(r, depID, failedID)
	}
}

func (o *Orchestrator) blockTask(r *run, taskID, failedDep string) {
	if err := o.store.SetStatus(taskID, graph.StatusBlocked); err != nil {
		o.log.Error("failed to mark task blocked", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	o.bus.Publish(events.TopicTask, events.TaskBlockedEvent{
		RunID:     r.ID,
		TaskID:    taskID,
		FailedDep: failedDep,
		Timestamp: time.Now(),
	})
}

// unmetDependency returns the ID of a dependency whose terminal state makes
// the task unrunnable, or "" when all dependencies are satisfied.
func (o *Orchestrator) unmetDependency(t *graph.Task) string {
	for _, depID := range t.DependsOn {
		dep, ok := o.store.Task(depID)
		if !ok {
			continue
		}
		switch dep.Status {
		case graph.StatusFailed, graph.StatusCancelled, graph.StatusBlocked:
			return depID
		}
	}
	return ""
}

// sweepStalled is the periodic liveness pass: agents past the heartbeat
// timeout transition to stalled, get one respawn attempt, and are demoted
// to failed when the budget is spent.
func (o *Orchestrator) sweepStalled(ctx context.Context, r *run, idx int) {
	timeout := o.liveness.Timeout()
	now := time.Now()

	for _, a := range r.liveAgents() {
		if a.Status != AgentSpawned && a.Status != AgentRunning {
			continue
		}
		last := a.LastHeartbeat
		if last.IsZero() {
			last = a.StartedAt
		}
		if now.Sub(last) <= timeout {
			continue
		}

		a.Status = AgentStalled
		stall := &StalledError{
			RunID:         r.ID,
			AgentID:       a.ID,
			TaskID:        a.TaskID,
			WaveIndex:     a.WaveIndex,
			LastHeartbeat: last,
		}
		o.log.Warn("agent stalled", zap.Error(stall))
		o.bus.Publish(events.TopicAgent, events.AgentStalledEvent{
			RunID:     r.ID,
			AgentID:   a.ID,
			TaskID:    a.TaskID,
			LastBeat:  last,
			Timestamp: now,
		})

		if err := o.runtime.Terminate(a.ID); err != nil {
			o.log.Warn("failed to terminate stalled worker", zap.String("agent_id", a.ID), zap.Error(err))
		}

		if a.Respawns < o.liveness.RespawnAttempts {
			o.respawn(ctx, r, a, now)
			continue
		}

		// Respawn budget spent: demote the stall to a failure.
		r.removeAgent(a.ID)
		o.unregisterAgent(a.ID)
		a.Status = AgentTerminated
		if err := o.store.SetStatus(a.TaskID, graph.StatusFailed); err != nil {
			o.log.Error("failed to mark task failed", zap.String("task_id", a.TaskID), zap.Error(err))
		}
		o.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			RunID:     r.ID,
			WaveIndex: a.WaveIndex,
			TaskID:    a.TaskID,
			Reason:    stall.Error(),
			Timestamp: now,
		})
		o.containFailure(r, a.TaskID)
	}
}

// respawn replaces a stalled agent with a fresh instance bound to the same
// task and wave, carrying the respawn count forward.
func (o *Orchestrator) respawn(ctx context.Context, r *run, old *AgentInstance, now time.Time) {
	r.removeAgent(old.ID)
	o.unregisterAgent(old.ID)
	old.Status = AgentTerminated

	replacement := &AgentInstance{
		ID:        uuid.New().String(),
		RunID:     r.ID,
		TaskID:    old.TaskID,
		WaveIndex: old.WaveIndex,
		Status:    AgentSpawned,
		Respawns:  old.Respawns + 1,
		StartedAt: now,
	}
	r.addAgent(replacement)
	o.registerAgent(replacement.ID, r)
	o.bus.Publish(events.TopicAgent, events.AgentRespawnedEvent{
		RunID:      r.ID,
		OldAgentID: old.ID,
		NewAgentID: replacement.ID,
		TaskID:     old.TaskID,
		Timestamp:  now,
	})

	t, ok := o.store.Task(old.TaskID)
	if !ok {
		return
	}
	assignment := worker.Assignment{
		RunID:     r.ID,
		WaveIndex: old.WaveIndex,
		AgentID:   replacement.ID,
		TaskID:    t.ID,
		Title:     t.Title,
		Category:  t.Category,
	}
	cb := o.breakers.Get(o.runtime.Kind())
	go func() {
		if err := worker.SpawnWithRetry(ctx, o.runtime, assignment, cb, o.retry); err != nil {
			o.deliver(r, message{
				kind:    msgCompletion,
				agentID: replacement.ID,
				outcome: worker.Outcome{Success: false, Detail: "respawn failed: " + err.Error()},
			})
		}
	}()
}

// terminateLive signals termination to every running agent and marks their
// tasks cancelled, not failed: administrative stops are kept distinct from
// execution errors.
func (o *Orchestrator) terminateLive(r *run) {
	for _, a := range r.liveAgents() {
		if err := o.runtime.Terminate(a.ID); err != nil {
			o.log.Warn("failed to terminate worker on abort", zap.String("agent_id", a.ID), zap.Error(err))
		}
		r.removeAgent(a.ID)
		o.unregisterAgent(a.ID)
		a.Status = AgentTerminated
		o.cancelTask(r, a.TaskID)
	}
}

func (o *Orchestrator) cancelTask(r *run, taskID string) {
	t, ok := o.store.Task(taskID)
	if !ok || t.Status.Terminal() || t.Status == graph.StatusBlocked {
		return
	}
	if err := o.store.SetStatus(taskID, graph.StatusCancelled); err != nil {
		o.log.Error("failed to mark task cancelled", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	o.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
		RunID:     r.ID,
		TaskID:    taskID,
		Timestamp: time.Now(),
	})
}

// finishAborted cancels every not-yet-resolved task from fromWave onward
// and closes the run as aborted.
func (o *Orchestrator) finishAborted(r *run, fromWave int) {
	for idx := fromWave; idx < len(r.Waves); idx++ {
		for _, taskID := range r.Waves[idx] {
			o.cancelTask(r, taskID)
		}
	}
	r.setStatus(RunAborted)
	o.bus.Publish(events.TopicRun, events.RunAbortedEvent{RunID: r.ID, Timestamp: time.Now()})
	o.log.Info("run aborted", zap.String("run_id", r.ID))
}

// finishCompleted tallies outcomes and closes the run. Completed runs can
// carry mixed outcomes; a contained failure never aborts the whole run.
func (o *Orchestrator) finishCompleted(r *run) {
	var completed, failed, blocked, cancelled int
	for _, w := range r.Waves {
		for _, taskID := range w {
			t, ok := o.store.Task(taskID)
			if !ok {
				continue
			}
			switch t.Status {
			case graph.StatusCompleted:
				completed++
			case graph.StatusFailed:
				failed++
			case graph.StatusBlocked:
				blocked++
			case graph.StatusCancelled:
				cancelled++
			}
		}
	}

	r.setStatus(RunCompleted)
	o.bus.Publish(events.TopicRun, events.RunCompletedEvent{
		RunID:     r.ID,
		Completed: completed,
		Failed:    failed,
		Blocked:   blocked,
		Cancelled: cancelled,
		Timestamp: time.Now(),
	})
	o.log.Info("run completed",
		zap.String("run_id", r.ID),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("blocked", blocked),
		zap.Int("cancelled", cancelled))
}

// deliver enqueues a message unless the run already finished.
func (o *Orchestrator) deliver(r *run, m message) {
	select {
	case r.msgs <- m:
	case <-r.done:
	}
}
