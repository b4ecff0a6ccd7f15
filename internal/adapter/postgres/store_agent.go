package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/agent"
)

const agentColumns = `id, name, type, status, capabilities, reputation,
	current_load, max_concurrent, last_heartbeat, registered_at`

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	const q = `
		INSERT INTO agents (id, name, type, status, capabilities, reputation,
			current_load, max_concurrent, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities, max_concurrent = EXCLUDED.max_concurrent,
			last_heartbeat = EXCLUDED.last_heartbeat`

	caps := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = string(c)
	}
	_, err := s.pool.Exec(ctx, q,
		a.ID, a.Name, string(a.Type), string(a.Status), caps, a.Reputation,
		a.CurrentLoad, a.MaxConcurrent, a.LastHeartbeat, a.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status, heartbeat time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, last_heartbeat = $3 WHERE id = $1`,
		id, string(status), heartbeat)
	return execExpectOne(tag, err, "update agent %s status", id)
}

func (s *Store) UpdateAgentLoad(ctx context.Context, id string, delta int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET current_load = GREATEST(0, current_load + $2) WHERE id = $1`,
		id, delta)
	return execExpectOne(tag, err, "update agent %s load", id)
}

func (s *Store) UpdateAgentReputation(ctx context.Context, id string, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET reputation = $2 WHERE id = $1`,
		id, score)
	return execExpectOne(tag, err, "update agent %s reputation", id)
}

func scanAgent(row scannable) (*agent.Agent, error) {
	var a agent.Agent
	var typ, status string
	var caps []string
	err := row.Scan(
		&a.ID, &a.Name, &typ, &status, &caps, &a.Reputation,
		&a.CurrentLoad, &a.MaxConcurrent, &a.LastHeartbeat, &a.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = agent.Type(typ)
	a.Status = agent.Status(status)
	a.Capabilities = make([]agent.Capability, len(caps))
	for i, c := range caps {
		a.Capabilities[i] = agent.Capability(c)
	}
	return &a, nil
}
