// Package template defines research workflow templates: named step graphs
// the orchestrator expands into a project's task graph during planning.
package template

import (
	"time"

	"github.com/aperture-research/maxwell/internal/domain/agent"
)

// Step is one template entry. DependsOn holds indices into the template's
// step slice; they are remapped to task IDs at expansion time.
// EstimatedDuration is the expected wall-clock time for the step; the
// safety gate warns when a step runs several multiples past it.
type Step struct {
	Stage              string
	Name               string
	RequiredCapability agent.Capability
	EstimatedCost      float64
	EstimatedDuration  time.Duration
	RequiresApproval   bool
	DependsOn          []int
}

// Template is a reusable research workflow definition.
type Template struct {
	ID          string
	Name        string
	Description string
	Domain      string
	Steps       []Step
}

// ByID returns the builtin template with the given id, or nil.
func ByID(id string) *Template {
	for _, t := range Builtin() {
		if t.ID == id {
			return &t
		}
	}
	return nil
}

// ForPriority picks the default template for a project: background and low
// priority projects get the short validation cycle, everything else the
// complete research cycle.
func ForPriority(priority string) Template {
	if priority == "low" || priority == "background" {
		return quickValidation()
	}
	return completeResearch()
}
