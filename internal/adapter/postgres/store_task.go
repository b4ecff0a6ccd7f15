package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/agent"
	"github.com/aperture-research/maxwell/internal/domain/task"
)

const taskColumns = `id, project_id, title, stage, status, required_capability,
	estimated_cost, actual_cost, assigned_agent, depends_on, attempts, error,
	created_at, updated_at, started_at, completed_at`

// CreateTasks inserts a project's expanded task graph in one transaction.
func (s *Store) CreateTasks(ctx context.Context, tasks []task.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin task insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
		INSERT INTO tasks (id, project_id, title, stage, status, required_capability,
			estimated_cost, assigned_agent, depends_on, attempts, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	for i := range tasks {
		t := &tasks[i]
		if _, err := tx.Exec(ctx, q,
			t.ID, t.ProjectID, t.Title, t.Stage, string(t.Status),
			string(t.RequiredCapability), t.EstimatedCost, t.AssignedAgent,
			pgTextArray(t.DependsOn), t.Attempts, t.Error, t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at ASC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, agentID, errMsg string) error {
	const q = `
		UPDATE tasks
		SET status = $2, assigned_agent = $3, error = $4, updated_at = now(),
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, string(status), agentID, errMsg)
	return execExpectOne(tag, err, "update task %s status", id)
}

func (s *Store) UpdateTaskCost(ctx context.Context, id string, actualCost float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET actual_cost = $2, updated_at = now() WHERE id = $1`,
		id, actualCost)
	return execExpectOne(tag, err, "update task %s cost", id)
}

func (s *Store) IncrementTaskAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET attempts = attempts + 1, updated_at = now() WHERE id = $1 RETURNING attempts`,
		id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("increment task %s attempts: %w", id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("increment task %s attempts: %w", id, err)
	}
	return attempts, nil
}

func scanTask(row scannable) (*task.Task, error) {
	var t task.Task
	var status, capability string
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Stage, &status, &capability,
		&t.EstimatedCost, &t.ActualCost, &t.AssignedAgent, &t.DependsOn,
		&t.Attempts, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.RequiredCapability = agent.Capability(capability)
	return &t, nil
}
