// Package safety defines the safety gate's verdicts, rule set, and
// violation records.
package safety

import "time"

// Verdict is the outcome of evaluating an event against the rule set.
type Verdict string

const (
	VerdictAllow         Verdict = "allow"
	VerdictWarn          Verdict = "warn"
	VerdictBlock         Verdict = "block"
	VerdictEmergencyStop Verdict = "emergency_stop"
)

// Severity classifies a safety violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation records a safety rule match. Resolved only by explicit operator
// acknowledgment, or by automatic timeout-clear for low severity.
type Violation struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	Severity    Severity   `json:"severity"`
	ProjectID   string     `json:"project_id,omitempty"`
	Description string     `json:"description"`
	DetectedAt  time.Time  `json:"detected_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Event is the input the gate evaluates: a proposed state transition, task
// dispatch, or task result, with the measurements the rules inspect.
type Event struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"` // "transition", "dispatch", "result"

	// Transition fields.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// Measurements.
	BudgetTotal       float64       `json:"budget_total,omitempty"`
	BudgetUsed        float64       `json:"budget_used,omitempty"`
	ProjectAge        time.Duration `json:"project_age,omitempty"`
	StepDuration      time.Duration `json:"step_duration,omitempty"`
	StepEstimate      time.Duration `json:"step_estimate,omitempty"`
	AgentSilence      time.Duration `json:"agent_silence,omitempty"`
	ConsecutiveFails  int           `json:"consecutive_fails,omitempty"`
	EmergencyRequest  bool          `json:"emergency_request,omitempty"`
	SafetyApproved    bool          `json:"safety_approved,omitempty"`
	RequiresApproval  bool          `json:"requires_approval,omitempty"`
}

// Rule is one entry in the fixed, ordered rule set. Evaluate returns true
// when the rule matches the event; the gate applies the rule's verdict and
// severity. Rules are evaluated most severe first; first match wins.
type Rule struct {
	ID          string
	Name        string
	Verdict     Verdict
	Severity    Severity
	Description string
	Matches     func(Event) bool
}
