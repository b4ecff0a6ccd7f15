// Package database defines the persistence port for the orchestration core.
package database

import (
	"context"
	"time"

	"github.com/aperture-research/maxwell/internal/domain/agent"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/project"
	"github.com/aperture-research/maxwell/internal/domain/safety"
	"github.com/aperture-research/maxwell/internal/domain/task"
)

// Store is the persistence port. Implementations must return
// domain.ErrNotFound for unknown ids.
type Store interface {
	// Projects: owned by the orchestrator.
	CreateProject(ctx context.Context, p *project.ResearchProject) error
	GetProject(ctx context.Context, id string) (*project.ResearchProject, error)
	ListProjects(ctx context.Context) ([]project.ResearchProject, error)
	UpdateProjectState(ctx context.Context, id string, state project.State, reason project.FailureReason) error
	UpdateProjectProgress(ctx context.Context, id string, progress float64) error
	UpdateProjectBudget(ctx context.Context, id string, budgetUsed float64) error
	SetProjectAgents(ctx context.Context, id string, agentIDs []string) error

	// Tasks: owned by the orchestrator, mutated through the scheduler.
	CreateTasks(ctx context.Context, tasks []task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, agentID, errMsg string) error
	UpdateTaskCost(ctx context.Context, id string, actualCost float64) error
	IncrementTaskAttempts(ctx context.Context, id string) (int, error)

	// Agents: owned by the registry.
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status, heartbeat time.Time) error
	UpdateAgentLoad(ctx context.Context, id string, delta int) error
	UpdateAgentReputation(ctx context.Context, id string, score float64) error

	// Safety violations: owned by the gate.
	CreateViolation(ctx context.Context, v *safety.Violation) error
	ListViolations(ctx context.Context, includeResolved bool) ([]safety.Violation, error)
	ResolveViolation(ctx context.Context, id string) error

	// Dead letters: messages that exhausted redelivery.
	CreateDeadLetter(ctx context.Context, m *message.Message, reason string) error
}
