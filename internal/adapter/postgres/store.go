package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/project"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Projects ---

const projectColumns = `id, title, research_question, hypothesis, domain, state, priority,
	budget_total, budget_used, progress_percentage, template_id, assigned_agents,
	failure_reason, version, created_at, updated_at, started_at, completed_at`

func (s *Store) CreateProject(ctx context.Context, p *project.ResearchProject) error {
	const q = `
		INSERT INTO projects (id, title, research_question, hypothesis, domain, state, priority,
			budget_total, budget_used, progress_percentage, template_id, assigned_agents,
			failure_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.pool.Exec(ctx, q,
		p.ID, p.Title, p.ResearchQuestion, p.Hypothesis, p.Domain,
		string(p.State), string(p.Priority),
		p.BudgetTotal, p.BudgetUsed, p.ProgressPercentage,
		p.TemplateID, pgTextArray(p.AssignedAgents), string(p.FailureReason),
		p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.ResearchProject, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get project %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]project.ResearchProject, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.ResearchProject
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProjectState(ctx context.Context, id string, state project.State, reason project.FailureReason) error {
	const q = `
		UPDATE projects
		SET state = $2, failure_reason = $3, version = version + 1, updated_at = now(),
			started_at = CASE WHEN $2 = 'planning' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, string(state), string(reason))
	return execExpectOne(tag, err, "update project %s state", id)
}

func (s *Store) UpdateProjectProgress(ctx context.Context, id string, progress float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET progress_percentage = $2, updated_at = now() WHERE id = $1`,
		id, progress)
	return execExpectOne(tag, err, "update project %s progress", id)
}

func (s *Store) UpdateProjectBudget(ctx context.Context, id string, budgetUsed float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET budget_used = $2, updated_at = now() WHERE id = $1`,
		id, budgetUsed)
	return execExpectOne(tag, err, "update project %s budget", id)
}

func (s *Store) SetProjectAgents(ctx context.Context, id string, agentIDs []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET assigned_agents = $2, updated_at = now() WHERE id = $1`,
		id, pgTextArray(agentIDs))
	return execExpectOne(tag, err, "set project %s agents", id)
}

func scanProject(row scannable) (*project.ResearchProject, error) {
	var p project.ResearchProject
	var state, priority, reason string
	err := row.Scan(
		&p.ID, &p.Title, &p.ResearchQuestion, &p.Hypothesis, &p.Domain,
		&state, &priority,
		&p.BudgetTotal, &p.BudgetUsed, &p.ProgressPercentage,
		&p.TemplateID, &p.AssignedAgents, &reason,
		&p.Version, &p.CreatedAt, &p.UpdatedAt, &p.StartedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	p.State = project.State(state)
	p.Priority = project.Priority(priority)
	p.FailureReason = project.FailureReason(reason)
	return &p, nil
}
