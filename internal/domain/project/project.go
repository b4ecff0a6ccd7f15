// Package project defines the ResearchProject domain entity and its
// nine-state lifecycle.
package project

import "time"

// State represents the lifecycle state of a research project.
type State string

const (
	StateInitial   State = "initial"
	StatePlanning  State = "planning"
	StateDesigning State = "designing"
	StateExecuting State = "executing"
	StateAnalyzing State = "analyzing"
	StateReporting State = "reporting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePaused    State = "paused"
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority represents the scheduling priority of a project.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityMedium     Priority = "medium"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground:
		return true
	}
	return false
}

// FailureReason tags why a project entered the failed state.
type FailureReason string

const (
	ReasonBudgetExceeded FailureReason = "budget_exceeded"
	ReasonTaskFailure    FailureReason = "unrecoverable_task_failure"
	ReasonEmergencyStop  FailureReason = "emergency_stop"
	ReasonQualityFailed  FailureReason = "quality_review_failed"
	ReasonCancelled      FailureReason = "cancelled"
	ReasonInternalError  FailureReason = "internal_error"
)

// ResearchProject represents one autonomous research investigation from
// creation through a terminal state.
type ResearchProject struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	ResearchQuestion string   `json:"research_question"`
	Hypothesis       string   `json:"hypothesis,omitempty"`
	Domain           string   `json:"domain"`
	State            State    `json:"state"`
	Priority         Priority `json:"priority"`

	BudgetTotal float64 `json:"budget_total"`
	BudgetUsed  float64 `json:"budget_used"`

	// ProgressPercentage is monotonically non-decreasing: recomputed on task
	// completion as completed/total against the current (possibly larger)
	// denominator, and floored at its previous value.
	ProgressPercentage float64 `json:"progress_percentage"`

	TemplateID     string        `json:"template_id,omitempty"`
	AssignedAgents []string      `json:"assigned_agents,omitempty"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`

	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateRequest holds the fields for creating a new research project.
type CreateRequest struct {
	Title            string   `json:"title"`
	ResearchQuestion string   `json:"research_question"`
	Hypothesis       string   `json:"hypothesis,omitempty"`
	Domain           string   `json:"domain"`
	Budget           float64  `json:"budget"`
	Priority         Priority `json:"priority"`
	TemplateID       string   `json:"template_id,omitempty"`
}
