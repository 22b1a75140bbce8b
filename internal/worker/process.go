package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Environment variables handed to spawned worker processes.
const (
	EnvRunID    = "SWELL_RUN_ID"
	EnvWaveID   = "SWELL_WAVE_ID"
	EnvAgentID  = "SWELL_AGENT_ID"
	EnvTaskID   = "SWELL_TASK_ID"
	EnvTitle    = "SWELL_TASK_TITLE"
	EnvCategory = "SWELL_TASK_CATEGORY"
)

// ProcessRuntime runs each worker as a subprocess in its own process group,
// so termination kills the whole subprocess tree. Every stdout line the
// worker prints counts as a heartbeat; process exit produces the terminal
// completion report (success on exit code 0).
type ProcessRuntime struct {
	command  string
	args     []string
	reporter Reporter
	log      *zap.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd // agentID -> running command
}

// NewProcessRuntime creates a process-based runtime. Assignment context is
// passed to the command through SWELL_* environment variables.
func NewProcessRuntime(command string, args []string, reporter Reporter, log *zap.Logger) *ProcessRuntime {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProcessRuntime{
		command:  command,
		args:     args,
		reporter: reporter,
		log:      log,
		procs:    make(map[string]*exec.Cmd),
	}
}

// Kind identifies this runtime flavor.
func (r *ProcessRuntime) Kind() string { return "process" }

// Spawn launches the worker subprocess and returns once it has started.
// Pipe draining and the completion report run in background goroutines.
func (r *ProcessRuntime) Spawn(ctx context.Context, a Assignment) error {
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	// A fresh process group lets Terminate kill the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		EnvRunID+"="+a.RunID,
		fmt.Sprintf("%s=%d", EnvWaveID, a.WaveIndex),
		EnvAgentID+"="+a.AgentID,
		EnvTaskID+"="+a.TaskID,
		EnvTitle+"="+a.Title,
		EnvCategory+"="+a.Category,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker for task %q: %w", a.TaskID, err)
	}

	r.mu.Lock()
	r.procs[a.AgentID] = cmd
	r.mu.Unlock()

	// Drain both pipes concurrently before Wait, so output larger than the
	// pipe buffer cannot deadlock the subprocess.
	var wg sync.WaitGroup
	var stderrTail strings.Builder
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if err := r.reporter.RecordHeartbeat(a.AgentID); err != nil {
				r.log.Debug("heartbeat rejected",
					zap.String("agent_id", a.AgentID),
					zap.Error(err))
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if stderrTail.Len() < 4096 {
				stderrTail.WriteString(line)
				stderrTail.WriteByte('\n')
			}
		}
	}()

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()

		r.mu.Lock()
		delete(r.procs, a.AgentID)
		r.mu.Unlock()

		outcome := Outcome{Success: waitErr == nil}
		if waitErr != nil {
			outcome.Detail = fmt.Sprintf("worker exited: %v", waitErr)
			if tail := strings.TrimSpace(stderrTail.String()); tail != "" {
				outcome.Detail += " (stderr: " + tail + ")"
			}
		}
		if err := r.reporter.ReportCompletion(a.AgentID, outcome); err != nil {
			r.log.Warn("completion report rejected",
				zap.String("agent_id", a.AgentID),
				zap.String("task_id", a.TaskID),
				zap.Error(err))
		}
	}()

	return nil
}

// Terminate kills the process group of the worker bound to agentID.
// A worker that already exited is not an error.
func (r *ProcessRuntime) Terminate(agentID string) error {
	r.mu.Lock()
	cmd, ok := r.procs[agentID]
	r.mu.Unlock()

	if !ok || cmd.Process == nil {
		return nil
	}
	// Negative PID targets the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing process group for agent %q: %w", agentID, err)
	}
	return nil
}

// TerminateAll kills every tracked worker. Called on shutdown so no
// subprocess outlives the orchestrator.
func (r *ProcessRuntime) TerminateAll() {
	r.mu.Lock()
	agents := make([]string, 0, len(r.procs))
	for id := range r.procs {
		agents = append(agents, id)
	}
	r.mu.Unlock()

	for _, id := range agents {
		if err := r.Terminate(id); err != nil {
			r.log.Warn("failed to terminate worker", zap.String("agent_id", id), zap.Error(err))
		}
	}
}
