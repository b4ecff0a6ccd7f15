// Package agent defines the registry entry for research worker agents.
package agent

import "time"

// Type is the specialization of a research agent.
type Type string

const (
	TypeTheory       Type = "theory"
	TypeExperimental Type = "experimental"
	TypeAnalysis     Type = "analysis"
	TypeLiterature   Type = "literature"
	TypeSafety       Type = "safety"
	TypeMeta         Type = "meta"
)

// ValidType reports whether t is one of the six agent specializations.
func ValidType(t Type) bool {
	switch t {
	case TypeTheory, TypeExperimental, TypeAnalysis, TypeLiterature, TypeSafety, TypeMeta:
		return true
	}
	return false
}

// Capability tags what kind of task an agent can perform. It is the
// matching key between the scheduler and the registry.
type Capability string

const (
	CapLiteratureSearch    Capability = "literature_search"
	CapKnowledgeSynthesis  Capability = "knowledge_synthesis"
	CapHypothesisGen       Capability = "hypothesis_generation"
	CapMathematicalModel   Capability = "mathematical_modeling"
	CapExperimentalDesign  Capability = "experimental_design"
	CapSafetyAssessment    Capability = "safety_assessment"
	CapRiskAnalysis        Capability = "risk_analysis"
	CapDataCollection      Capability = "data_collection"
	CapInstrumentControl   Capability = "instrument_control"
	CapDataAnalysis        Capability = "data_analysis"
	CapStatisticalAnalysis Capability = "statistical_analysis"
	CapResultInterpret     Capability = "result_interpretation"
	CapTheoryValidation    Capability = "theory_validation"
	CapPeerReview          Capability = "peer_review"
	CapQualityAssessment   Capability = "quality_assessment"
	CapReportGeneration    Capability = "report_generation"
	CapScientificWriting   Capability = "scientific_writing"
)

// Status represents the current registration status of an agent.
type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// Available reports whether the agent may accept new task assignments.
func (s Status) Available() bool {
	return s == StatusActive || s == StatusIdle || s == StatusBusy
}

// Agent is a registry entry for one external research worker. The core
// treats the worker itself as opaque, reachable only via the message bus.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          Type         `json:"type"`
	Capabilities  []Capability `json:"capabilities"`
	Status        Status       `json:"status"`
	Reputation    float64      `json:"reputation_score"`
	CurrentLoad   int          `json:"current_load"`
	MaxConcurrent int          `json:"max_concurrent"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// HasCapability reports whether the agent advertises the given capability.
func (a *Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// LoadFactor is the fraction of the agent's concurrency that is in use.
func (a *Agent) LoadFactor() float64 {
	if a.MaxConcurrent <= 0 {
		return float64(a.CurrentLoad)
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrent)
}

// Score ranks the agent for selection: higher reputation is better, higher
// load is worse. Ties are broken by oldest heartbeat (oldest-idle-first).
func (a *Agent) Score() float64 {
	return a.Reputation/100.0 - a.LoadFactor()
}

// RegisterRequest holds the fields for registering a new agent.
type RegisterRequest struct {
	ID            string       `json:"id,omitempty"`
	Name          string       `json:"name"`
	Type          Type         `json:"type"`
	Capabilities  []Capability `json:"capabilities"`
	MaxConcurrent int          `json:"max_concurrent,omitempty"`
}
