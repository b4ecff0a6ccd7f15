// Package task defines the Task domain entity and dependency graph helpers.
package task

import (
	"time"

	"github.com/aperture-research/maxwell/internal/domain/agent"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the task is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a unit of work within a project's task graph. Tasks are never
// deleted, only terminal-marked.
type Task struct {
	ID                 string           `json:"id"`
	ProjectID          string           `json:"project_id"`
	Title              string           `json:"title"`
	Stage              string           `json:"stage"`
	Status             Status           `json:"status"`
	RequiredCapability agent.Capability `json:"required_capability"`
	RequiresApproval   bool             `json:"requires_approval,omitempty"`
	EstimatedCost      float64          `json:"estimated_cost"`
	ActualCost         float64          `json:"actual_cost"`
	AssignedAgent      string           `json:"assigned_agent,omitempty"`
	DependsOn          []string         `json:"depends_on,omitempty"`
	Attempts           int              `json:"attempts"`
	Error              string           `json:"error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// Result holds the payload an agent reports when a task finishes.
type Result struct {
	TaskID     string  `json:"task_id"`
	AgentID    string  `json:"agent_id"`
	Success    bool    `json:"success"`
	ActualCost float64 `json:"actual_cost"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
}
