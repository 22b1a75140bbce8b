package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aleistner/swell/internal/orchestrator"
)

// SaveRun records an execution run and its wave assignment.
func (s *SQLiteStore) SaveRun(ctx context.Context, run orchestrator.ExecutionRun) error {
	waves, err := json.Marshal(run.Waves)
	if err != nil {
		return fmt.Errorf("failed to encode waves: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, list_id, status, waves, started_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			waves = excluded.waves,
			updated_at = CURRENT_TIMESTAMP
	`, run.ID, run.ListID, string(run.Status), string(waves))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// UpdateRunStatus updates only the run's status column.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status orchestrator.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(status), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %q not found", runID)
	}
	return nil
}

// SaveAgent records an agent instance's final state for a run.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent orchestrator.AgentInstance) error {
	var lastBeat interface{}
	if !agent.LastHeartbeat.IsZero() {
		lastBeat = agent.LastHeartbeat
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, run_id, task_id, wave_index, status, respawns, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			respawns = excluded.respawns,
			last_heartbeat = excluded.last_heartbeat
	`, agent.ID, agent.RunID, agent.TaskID, agent.WaveIndex, string(agent.Status), agent.Respawns, lastBeat)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}
