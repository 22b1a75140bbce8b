package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aleistner/swell/internal/graph"
)

// SaveTask saves or updates a task with its dependencies and file impacts.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *graph.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, category, list_id, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			list_id = excluded.list_id,
			status = excluded.status,
			priority = excluded.priority,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Title, task.Category, task.ListID, string(task.Status), task.Priority)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for seq, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, added_seq)
			VALUES (?, ?, ?)
		`, task.ID, depID, seq)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM file_impacts WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old impacts: %w", err)
	}
	for _, impact := range task.Impacts {
		estimated := 0
		if impact.Estimated {
			estimated = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO file_impacts (task_id, pattern, op, estimated)
			VALUES (?, ?, ?, ?)
		`, task.ID, impact.Pattern, string(impact.Op), estimated)
		if err != nil {
			return fmt.Errorf("failed to insert impact %s on %s: %w", impact.Op, impact.Pattern, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask loads one task with its dependencies and impacts.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*graph.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, category, list_id, status, priority, created_at
		FROM tasks WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if err := s.attachRelations(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks loads every task in a list, dependencies and impacts included.
func (s *SQLiteStore) ListTasks(ctx context.Context, listID string) ([]*graph.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, category, list_id, status, priority, created_at
		FROM tasks WHERE list_id = ? ORDER BY id
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*graph.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task row iteration: %w", err)
	}

	for _, task := range tasks {
		if err := s.attachRelations(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// UpdateTaskStatus updates only the status column.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status graph.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(status), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %q not found", taskID)
	}
	return nil
}

// LoadGraph rebuilds an in-memory graph store from a persisted task list.
func (s *SQLiteStore) LoadGraph(ctx context.Context, listID string) (*graph.Store, error) {
	tasks, err := s.ListTasks(ctx, listID)
	if err != nil {
		return nil, err
	}

	g := graph.NewStore()
	for _, t := range tasks {
		if err := g.AddTask(t); err != nil {
			return nil, fmt.Errorf("rebuilding graph: %w", err)
		}
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*graph.Task, error) {
	var t graph.Task
	var status string
	if err := row.Scan(&t.ID, &t.Title, &t.Category, &t.ListID, &status, &t.Priority, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = graph.Status(status)
	return &t, nil
}

func (s *SQLiteStore) attachRelations(ctx context.Context, task *graph.Task) error {
	depRows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY added_seq
	`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var depID string
		if err := depRows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	if err := depRows.Err(); err != nil {
		return fmt.Errorf("dependency row iteration: %w", err)
	}

	impactRows, err := s.db.QueryContext(ctx, `
		SELECT pattern, op, estimated FROM file_impacts WHERE task_id = ? ORDER BY id
	`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query impacts: %w", err)
	}
	defer impactRows.Close()
	for impactRows.Next() {
		var impact graph.FileImpact
		var op string
		var estimated int
		if err := impactRows.Scan(&impact.Pattern, &op, &estimated); err != nil {
			return fmt.Errorf("failed to scan impact: %w", err)
		}
		impact.Op = graph.Op(op)
		impact.Estimated = estimated != 0
		task.Impacts = append(task.Impacts, impact)
	}
	return impactRows.Err()
}
