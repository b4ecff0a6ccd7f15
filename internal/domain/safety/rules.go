package safety

import "time"

// Rule thresholds. The warning ratio triggers ahead of the ledger's
// admission control; the stop rule only fires on an actual overspend,
// since the ledger itself rejects reservations that would cross the
// ceiling and an exact fit is legal.
const (
	budgetWarnRatio     = 0.85
	cycleTimeout        = 24 * time.Hour
	stepOverrunFactor   = 3.0
	agentSilenceLimit   = 10 * time.Minute
	maxConsecutiveFails = 3
)

// DefaultRules returns the fixed rule set in evaluation order, most severe
// first. The order is part of the contract: the first matching rule wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "emergency_stop_request",
			Name:        "Explicit Emergency Stop",
			Verdict:     VerdictEmergencyStop,
			Severity:    SeverityCritical,
			Description: "An operator or agent requested an emergency stop",
			Matches:     func(e Event) bool { return e.EmergencyRequest },
		},
		{
			ID:          "budget_exhausted",
			Name:        "Budget Ceiling Exceeded",
			Verdict:     VerdictBlock,
			Severity:    SeverityCritical,
			Description: "Project spend exceeded its budget ceiling",
			Matches: func(e Event) bool {
				return e.BudgetTotal > 0 && e.BudgetUsed > e.BudgetTotal
			},
		},
		{
			ID:          "safety_protocol_compliance",
			Name:        "Safety Protocol Compliance",
			Verdict:     VerdictBlock,
			Severity:    SeverityHigh,
			Description: "Dispatch requiring safety approval lacks it",
			Matches: func(e Event) bool {
				return e.RequiresApproval && !e.SafetyApproved
			},
		},
		{
			ID:          "cycle_timeout",
			Name:        "Research Cycle Timeout",
			Verdict:     VerdictEmergencyStop,
			Severity:    SeverityHigh,
			Description: "Research cycle has run longer than the cycle limit",
			Matches:     func(e Event) bool { return e.ProjectAge > cycleTimeout },
		},
		{
			ID:          "failure_cascade",
			Name:        "Repeated Task Failures",
			Verdict:     VerdictBlock,
			Severity:    SeverityHigh,
			Description: "Consecutive task failures exceeded the cascade limit",
			Matches:     func(e Event) bool { return e.ConsecutiveFails >= maxConsecutiveFails },
		},
		{
			ID:          "step_timeout",
			Name:        "Workflow Step Timeout",
			Verdict:     VerdictWarn,
			Severity:    SeverityMedium,
			Description: "A step exceeded its estimated duration multiple times over",
			Matches: func(e Event) bool {
				return e.StepEstimate > 0 &&
					float64(e.StepDuration) > float64(e.StepEstimate)*stepOverrunFactor
			},
		},
		{
			ID:          "agent_response_timeout",
			Name:        "Agent Response Timeout",
			Verdict:     VerdictWarn,
			Severity:    SeverityLow,
			Description: "An assigned agent has been silent past the response limit",
			Matches:     func(e Event) bool { return e.AgentSilence > agentSilenceLimit },
		},
		{
			ID:          "budget_warning",
			Name:        "Budget Warning Threshold",
			Verdict:     VerdictWarn,
			Severity:    SeverityLow,
			Description: "Project spend passed the warning ratio of its budget",
			Matches: func(e Event) bool {
				return e.BudgetTotal > 0 && e.BudgetUsed >= e.BudgetTotal*budgetWarnRatio
			},
		},
	}
}
