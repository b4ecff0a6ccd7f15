package task

import (
	"sort"

	"github.com/aperture-research/maxwell/internal/domain/agent"
)

// Ready returns the IDs of tasks that are pending and have all dependencies
// completed.
func Ready(tasks []Task) []string {
	completed := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].Status == StatusCompleted {
			completed[tasks[i].ID] = true
		}
	}

	var ready []string
	for i := range tasks {
		if tasks[i].Status != StatusPending {
			continue
		}
		allDepsComplete := true
		for _, dep := range tasks[i].DependsOn {
			if !completed[dep] {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, tasks[i].ID)
		}
	}
	return ready
}

// InFlightCount returns the number of tasks currently assigned or running.
func InFlightCount(tasks []Task) int {
	count := 0
	for i := range tasks {
		if tasks[i].Status == StatusAssigned || tasks[i].Status == StatusRunning {
			count++
		}
	}
	return count
}

// AllTerminal returns true if every task is in a terminal state.
func AllTerminal(tasks []Task) bool {
	for i := range tasks {
		if !tasks[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed returns true if at least one task has failed.
func AnyFailed(tasks []Task) bool {
	for i := range tasks {
		if tasks[i].Status == StatusFailed {
			return true
		}
	}
	return false
}

// CompletedCount returns the number of completed tasks.
func CompletedCount(tasks []Task) int {
	count := 0
	for i := range tasks {
		if tasks[i].Status == StatusCompleted {
			count++
		}
	}
	return count
}

// ActiveAgents returns the distinct agents holding in-flight assignments,
// sorted for stable comparison.
func ActiveAgents(tasks []Task) []string {
	seen := make(map[string]bool, len(tasks))
	var out []string
	for i := range tasks {
		t := &tasks[i]
		if t.AssignedAgent == "" {
			continue
		}
		if t.Status != StatusAssigned && t.Status != StatusRunning {
			continue
		}
		if !seen[t.AssignedAgent] {
			seen[t.AssignedAgent] = true
			out = append(out, t.AssignedAgent)
		}
	}
	sort.Strings(out)
	return out
}

// SafetyCleared reports whether the graph contains a completed safety
// assessment task. Approval-gated stages require one before dispatch.
func SafetyCleared(tasks []Task) bool {
	for i := range tasks {
		if tasks[i].Status == StatusCompleted &&
			tasks[i].RequiredCapability == agent.CapSafetyAssessment {
			return true
		}
	}
	return false
}

// Acyclic verifies that the dependency relation forms a DAG. It also
// rejects edges pointing at unknown task IDs.
func Acyclic(tasks []Task) bool {
	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		t, ok := byID[id]
		if !ok {
			return false
		}
		switch state[id] {
		case visiting:
			return false
		case done:
			return true
		}
		state[id] = visiting
		for _, dep := range t.DependsOn {
			if !visit(dep) {
				return false
			}
		}
		state[id] = done
		return true
	}

	for i := range tasks {
		if !visit(tasks[i].ID) {
			return false
		}
	}
	return true
}

// Dependents returns the IDs of all tasks that transitively depend on the
// given task. Used to cascade-fail dependents of a failed task.
func Dependents(tasks []Task, id string) []string {
	// reverse adjacency: dep -> tasks that depend on it
	rev := make(map[string][]string, len(tasks))
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			rev[dep] = append(rev[dep], tasks[i].ID)
		}
	}

	seen := map[string]bool{}
	var out []string
	queue := append([]string(nil), rev[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, rev[next]...)
	}
	return out
}
