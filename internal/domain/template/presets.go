package template

import (
	"time"

	"github.com/aperture-research/maxwell/internal/domain/agent"
)

// Builtin returns the set of built-in workflow templates.
func Builtin() []Template {
	return []Template{
		completeResearch(),
		quickValidation(),
	}
}

// completeResearch defines the full nine-stage research cycle:
// literature review → hypothesis → design → safety check → collection →
// analysis → interpretation → peer review → report.
func completeResearch() Template {
	return Template{
		ID:          "complete_research",
		Name:        "Complete Research Cycle",
		Description: "End-to-end research from question to report.",
		Domain:      "general",
		Steps: []Step{
			{Stage: "literature_review", Name: "Literature Review and Background",
				RequiredCapability: agent.CapLiteratureSearch, EstimatedCost: 45, EstimatedDuration: 30 * time.Minute},
			{Stage: "hypothesis_generation", Name: "Hypothesis Generation",
				RequiredCapability: agent.CapHypothesisGen, EstimatedCost: 60, EstimatedDuration: 45 * time.Minute,
				DependsOn: []int{0}},
			{Stage: "experimental_design", Name: "Experimental Protocol Design",
				RequiredCapability: agent.CapExperimentalDesign, EstimatedCost: 90, EstimatedDuration: 60 * time.Minute,
				DependsOn: []int{1}},
			{Stage: "safety_validation", Name: "Safety Protocol Validation",
				RequiredCapability: agent.CapSafetyAssessment, EstimatedCost: 30, EstimatedDuration: 20 * time.Minute,
				DependsOn: []int{2}},
			{Stage: "data_collection", Name: "Experimental Data Collection",
				RequiredCapability: agent.CapDataCollection, EstimatedCost: 120, EstimatedDuration: 90 * time.Minute,
				RequiresApproval: true, DependsOn: []int{3}},
			{Stage: "data_analysis", Name: "Statistical Analysis",
				RequiredCapability: agent.CapDataAnalysis, EstimatedCost: 75, EstimatedDuration: 60 * time.Minute,
				DependsOn: []int{4}},
			{Stage: "result_interpretation", Name: "Result Interpretation",
				RequiredCapability: agent.CapResultInterpret, EstimatedCost: 60, EstimatedDuration: 45 * time.Minute,
				DependsOn: []int{5}},
			{Stage: "peer_review", Name: "Peer Review and Quality Assessment",
				RequiredCapability: agent.CapPeerReview, EstimatedCost: 45, EstimatedDuration: 30 * time.Minute,
				DependsOn: []int{6}},
			{Stage: "report_generation", Name: "Research Report Preparation",
				RequiredCapability: agent.CapReportGeneration, EstimatedCost: 90, EstimatedDuration: 60 * time.Minute,
				DependsOn: []int{7}},
		},
	}
}

// quickValidation defines a short three-stage cycle for rapid iteration.
func quickValidation() Template {
	return Template{
		ID:          "quick_validation",
		Name:        "Quick Hypothesis Validation",
		Description: "Short cycle: check the hypothesis, run a minimal experiment, analyze.",
		Domain:      "general",
		Steps: []Step{
			{Stage: "hypothesis_check", Name: "Hypothesis Plausibility Check",
				RequiredCapability: agent.CapHypothesisGen, EstimatedCost: 20, EstimatedDuration: 15 * time.Minute},
			{Stage: "quick_experiment", Name: "Minimal Experiment",
				RequiredCapability: agent.CapDataCollection, EstimatedCost: 40, EstimatedDuration: 30 * time.Minute,
				DependsOn: []int{0}},
			{Stage: "quick_analysis", Name: "Quick Analysis",
				RequiredCapability: agent.CapDataAnalysis, EstimatedCost: 30, EstimatedDuration: 20 * time.Minute,
				DependsOn: []int{1}},
		},
	}
}
