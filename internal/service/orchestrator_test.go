package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/project"
	"github.com/aperture-research/maxwell/internal/domain/task"
)

func createProject(t *testing.T, env *testEnv, budget float64, priority project.Priority) *project.ResearchProject {
	t.Helper()
	p, err := env.orch.CreateProject(context.Background(), project.CreateRequest{
		Title:            "superconductivity survey",
		ResearchQuestion: "does the effect persist above 90K",
		Budget:           budget,
		Priority:         priority,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// respond feeds a task_response message for the given task through the
// orchestrator, as the bus consumer would.
func respond(t *testing.T, env *testEnv, msgID string, tk *task.Task, success bool, cost float64, errMsg string) {
	t.Helper()
	payload, _ := json.Marshal(message.TaskResponsePayload{
		TaskID:     tk.ID,
		ProjectID:  tk.ProjectID,
		AgentID:    tk.AssignedAgent,
		Success:    success,
		ActualCost: cost,
		Error:      errMsg,
	})
	err := env.orch.HandleTaskResponse(context.Background(), message.Message{
		ID:      msgID,
		Type:    message.TypeTaskResponse,
		From:    tk.AssignedAgent,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("handle task response: %v", err)
	}
}

func TestCreateProject_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name string
		req  project.CreateRequest
	}{
		{"missing title", project.CreateRequest{ResearchQuestion: "q", Budget: 100}},
		{"missing question", project.CreateRequest{Title: "t", Budget: 100}},
		{"zero budget", project.CreateRequest{Title: "t", ResearchQuestion: "q"}},
		{"bad priority", project.CreateRequest{Title: "t", ResearchQuestion: "q", Budget: 100, Priority: "urgent"}},
		{"bad template", project.CreateRequest{Title: "t", ResearchQuestion: "q", Budget: 100, TemplateID: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.orch.CreateProject(ctx, tc.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateProject_PlansTaskGraph(t *testing.T) {
	env := newTestEnv()
	p := createProject(t, env, 500, project.PriorityMedium)

	if p.State != project.StatePlanning {
		t.Fatalf("expected planning, got %s", p.State)
	}
	if p.BudgetUsed != 0 {
		t.Errorf("expected zero budget used, got %f", p.BudgetUsed)
	}

	tasks, err := env.store.ListTasksByProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 9 {
		t.Fatalf("expected 9 tasks from complete research template, got %d", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusPending {
			t.Errorf("task %s dispatched before start: %s", tk.Stage, tk.Status)
		}
	}
}

func TestStartProject_DispatchesRootTask(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	started, err := env.orch.StartProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("start project: %v", err)
	}
	if started.State != project.StateExecuting {
		t.Fatalf("expected executing, got %s", started.State)
	}
	if len(started.AssignedAgents) != 1 || started.AssignedAgents[0] != "worker-1" {
		t.Errorf("expected assigned_agents [worker-1], got %v", started.AssignedAgents)
	}

	tasks, _ := env.store.ListTasksByProject(context.Background(), p.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks from quick validation template, got %d", len(tasks))
	}

	// Only the root task has no dependencies, so exactly one assignment.
	assigned := 0
	for _, tk := range tasks {
		if tk.Status == task.StatusAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Fatalf("expected 1 assigned task, got %d", assigned)
	}

	reqs := env.bus.byType(message.TypeTaskRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 task request on the bus, got %d", len(reqs))
	}
}

func TestStartProject_SecondStartConflicts(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := env.orch.StartProject(context.Background(), p.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on double start, got %v", err)
	}

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateExecuting {
		t.Errorf("state changed by rejected start: %s", got.State)
	}
}

func TestWorkflow_RunsToCompletion(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i, stage := range []string{"hypothesis_check", "quick_experiment", "quick_analysis"} {
		tk := env.store.taskByStage(p.ID, stage)
		if tk == nil || tk.Status != task.StatusAssigned {
			t.Fatalf("stage %s not assigned (task %+v)", stage, tk)
		}
		respond(t, env, stage, tk, true, float64(10*(i+1)), "")
	}

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateCompleted {
		t.Fatalf("expected completed, got %s (reason %s)", got.State, got.FailureReason)
	}
	if got.ProgressPercentage != 100 {
		t.Errorf("expected 100%% progress, got %f", got.ProgressPercentage)
	}
	if got.BudgetUsed != 60 {
		t.Errorf("expected budget used 60, got %f", got.BudgetUsed)
	}
}

func TestProgress_Monotone(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	tk := env.store.taskByStage(p.ID, "hypothesis_check")
	respond(t, env, "m1", tk, true, 10, "")

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	first := got.ProgressPercentage
	if first <= 0 {
		t.Fatalf("expected progress after first completion, got %f", first)
	}

	// Further advances never reduce the number.
	if err := env.orch.Advance(context.Background(), p.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, _ = env.orch.GetProject(context.Background(), p.ID)
	if got.ProgressPercentage < first {
		t.Errorf("progress went backwards: %f -> %f", first, got.ProgressPercentage)
	}
}

func TestTaskResponse_DuplicateIgnored(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	tk := env.store.taskByStage(p.ID, "hypothesis_check")
	respond(t, env, "dup-1", tk, true, 10, "")
	got, _ := env.orch.GetProject(context.Background(), p.ID)
	used := got.BudgetUsed

	respond(t, env, "dup-1", tk, true, 10, "") // redelivery of the same message
	got, _ = env.orch.GetProject(context.Background(), p.ID)
	if got.BudgetUsed != used {
		t.Fatalf("duplicate response moved the ledger: %f -> %f", used, got.BudgetUsed)
	}
}

func TestTaskFailure_RetriesThenCascades(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	env.registerAgent(t, "worker-2", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Fail the root task through all attempts (1 initial + TaskRetryLimit).
	for i := 0; i <= env.cfg.TaskRetryLimit; i++ {
		tk := env.store.taskByStage(p.ID, "hypothesis_check")
		if tk.Status != task.StatusAssigned {
			t.Fatalf("attempt %d: expected assigned, got %s", i, tk.Status)
		}
		respond(t, env, "fail-"+string(rune('a'+i)), tk, false, 5, "model diverged")
	}

	tk := env.store.taskByStage(p.ID, "hypothesis_check")
	if tk.Status != task.StatusFailed {
		t.Fatalf("expected root task failed, got %s", tk.Status)
	}
	if tk.Attempts != env.cfg.TaskRetryLimit+1 {
		t.Errorf("expected %d attempts, got %d", env.cfg.TaskRetryLimit+1, tk.Attempts)
	}

	// Both dependents cascade to failed, and the project fails with them.
	for _, stage := range []string{"quick_experiment", "quick_analysis"} {
		dep := env.store.taskByStage(p.ID, stage)
		if dep.Status != task.StatusFailed {
			t.Errorf("dependent %s not cascade-failed: %s", stage, dep.Status)
		}
	}

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateFailed {
		t.Fatalf("expected failed project, got %s", got.State)
	}
	if got.FailureReason != project.ReasonTaskFailure {
		t.Errorf("expected reason %s, got %s", project.ReasonTaskFailure, got.FailureReason)
	}
}

func TestRetry_PrefersDifferentAgent(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	env.registerAgent(t, "worker-2", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := env.store.taskByStage(p.ID, "hypothesis_check")
	firstAgent := first.AssignedAgent
	respond(t, env, "r1", first, false, 5, "timeout")

	retried := env.store.taskByStage(p.ID, "hypothesis_check")
	if retried.Status != task.StatusAssigned {
		t.Fatalf("expected reassignment, got %s", retried.Status)
	}
	if retried.AssignedAgent == firstAgent {
		t.Errorf("retry reused failed agent %s despite an alternative", firstAgent)
	}
}

func TestBudgetExhaustion_FailsProject(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	// Quick validation costs 20+40+30; a budget of 30 admits only the first task.
	p := createProject(t, env, 30, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	tk := env.store.taskByStage(p.ID, "hypothesis_check")
	if tk.Status != task.StatusAssigned {
		t.Fatalf("first task should fit the budget, got %s", tk.Status)
	}
	respond(t, env, "b1", tk, true, 25, "")

	// The next task needs 40 units against 5 remaining: reservation is
	// rejected, nothing is in flight, so the project fails.
	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.FailureReason != project.ReasonBudgetExceeded {
		t.Errorf("expected reason %s, got %s", project.ReasonBudgetExceeded, got.FailureReason)
	}
	if got.BudgetUsed > got.BudgetTotal {
		t.Errorf("budget overspent: %f > %f", got.BudgetUsed, got.BudgetTotal)
	}
}

func TestBudget_ExactFitCompletes(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	// Quick validation estimates 20+40+30: a budget of 90 fits exactly.
	p := createProject(t, env, 90, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	costs := map[string]float64{"hypothesis_check": 20, "quick_experiment": 40, "quick_analysis": 30}
	for _, stage := range []string{"hypothesis_check", "quick_experiment", "quick_analysis"} {
		tk := env.store.taskByStage(p.ID, stage)
		if tk == nil || tk.Status != task.StatusAssigned {
			t.Fatalf("stage %s not assigned (task %+v)", stage, tk)
		}
		respond(t, env, "fit-"+stage, tk, true, costs[stage], "")
	}

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateCompleted {
		t.Fatalf("spending the full budget should complete, got %s (reason %s)",
			got.State, got.FailureReason)
	}
	if got.BudgetUsed != 90 {
		t.Errorf("expected budget used 90, got %f", got.BudgetUsed)
	}
}

func TestBudget_OverspendFailsProject(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	// The root estimate of 20 fits a budget of 25; the actual cost lands over it.
	p := createProject(t, env, 25, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	tk := env.store.taskByStage(p.ID, "hypothesis_check")
	respond(t, env, "over-1", tk, true, 30, "")

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateFailed {
		t.Fatalf("overspent project should fail, got %s", got.State)
	}
	if got.FailureReason != project.ReasonBudgetExceeded {
		t.Errorf("expected reason %s, got %s", project.ReasonBudgetExceeded, got.FailureReason)
	}
	violations, _ := env.gate.Violations(context.Background(), true)
	if len(violations) == 0 {
		t.Error("overspend recorded no violation")
	}
}

func TestStopProject_CancelsInFlight(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.orch.StopProject(context.Background(), p.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateFailed || got.FailureReason != project.ReasonCancelled {
		t.Fatalf("expected failed/cancelled, got %s/%s", got.State, got.FailureReason)
	}

	cancels := env.bus.byType(message.TypeTaskCancel)
	if len(cancels) != 1 {
		t.Errorf("expected 1 cancel message for the in-flight task, got %d", len(cancels))
	}

	// Terminal states reject further control operations.
	if _, err := env.orch.StopProject(context.Background(), p.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict stopping a terminal project, got %v", err)
	}
	if _, err := env.orch.ResumeProject(context.Background(), p.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict resuming a terminal project, got %v", err)
	}
}

func TestEmergencyStop_PausesExecutingProjects(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	p1 := createProject(t, env, 500, project.PriorityLow)
	p2 := createProject(t, env, 500, project.PriorityLow)
	p3 := createProject(t, env, 500, project.PriorityLow) // never started

	for _, p := range []*project.ResearchProject{p1, p2} {
		if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
			t.Fatalf("start %s: %v", p.ID, err)
		}
	}

	payload, _ := json.Marshal(message.EmergencyStopPayload{Reason: "operator abort"})
	err := env.orch.HandleEmergencyStop(context.Background(), message.Message{
		ID:       "em-1",
		Type:     message.TypeEmergencyStop,
		Priority: message.PriorityCritical,
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("emergency stop: %v", err)
	}

	for _, p := range []*project.ResearchProject{p1, p2} {
		got, _ := env.orch.GetProject(context.Background(), p.ID)
		if got.State != project.StatePaused {
			t.Errorf("project %s: expected paused, got %s/%s", p.ID, got.State, got.FailureReason)
		}
		tasks, _ := env.store.ListTasksByProject(context.Background(), p.ID)
		for _, tk := range tasks {
			if tk.Status == task.StatusAssigned || tk.Status == task.StatusRunning {
				t.Errorf("project %s: task %s still in flight after halt", p.ID, tk.Stage)
			}
		}
	}
	got, _ := env.orch.GetProject(context.Background(), p3.ID)
	if got.State != project.StatePlanning {
		t.Errorf("unstarted project should be untouched, got %s", got.State)
	}

	// The halt is recoverable: only a manual resume restarts the work.
	resumed, err := env.orch.ResumeProject(context.Background(), p1.ID)
	if err != nil {
		t.Fatalf("resume after emergency: %v", err)
	}
	if resumed.State != project.StateExecuting {
		t.Fatalf("expected executing after resume, got %s", resumed.State)
	}
	if tk := env.store.taskByStage(p1.ID, "hypothesis_check"); tk == nil || tk.Status != task.StatusAssigned {
		t.Error("root task not re-dispatched after resume")
	}
}

func TestProjectCeiling_RejectsStart(t *testing.T) {
	env := newTestEnv()
	env.registerAgent(t, "worker-1", allCaps...)
	env.cfg.MaxConcurrentProjects = 1

	p1 := createProject(t, env, 500, project.PriorityLow)
	p2 := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p1.ID); err != nil {
		t.Fatalf("start p1: %v", err)
	}
	_, err := env.orch.StartProject(context.Background(), p2.ID)
	if !errors.Is(err, domain.ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestQualityReview_FailsBelowThreshold(t *testing.T) {
	env := newTestEnv()
	env.cfg.QualityThreshold = 0.95
	env.registerAgent(t, "worker-1", allCaps...)
	env.registerAgent(t, "worker-2", allCaps...)
	p := createProject(t, env, 500, project.PriorityLow)

	if _, err := env.orch.StartProject(context.Background(), p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// One failed attempt on the root task drops quality to 0.9.
	tk := env.store.taskByStage(p.ID, "hypothesis_check")
	respond(t, env, "q1", tk, false, 5, "flaky")

	for _, stage := range []string{"hypothesis_check", "quick_experiment", "quick_analysis"} {
		tk := env.store.taskByStage(p.ID, stage)
		respond(t, env, "q-ok-"+stage, tk, true, 10, "")
	}

	got, _ := env.orch.GetProject(context.Background(), p.ID)
	if got.State != project.StateFailed || got.FailureReason != project.ReasonQualityFailed {
		t.Fatalf("expected failed/quality_review_failed, got %s/%s", got.State, got.FailureReason)
	}
}

func TestListTasks_UnknownProject(t *testing.T) {
	env := newTestEnv()
	_, err := env.orch.ListTasks(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
