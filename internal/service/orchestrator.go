package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aperture-research/maxwell/internal/adapter/otel"
	"github.com/aperture-research/maxwell/internal/adapter/ws"
	"github.com/aperture-research/maxwell/internal/config"
	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/project"
	"github.com/aperture-research/maxwell/internal/domain/safety"
	"github.com/aperture-research/maxwell/internal/domain/task"
	"github.com/aperture-research/maxwell/internal/domain/template"
	"github.com/aperture-research/maxwell/internal/port/broadcast"
	"github.com/aperture-research/maxwell/internal/port/database"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
)

// processedTTL bounds how long absorbed message ids are remembered for
// redelivery dedup. Must exceed the bus redelivery window.
const processedTTL = 10 * time.Minute

// OrchestratorService drives each project through the nine-state lifecycle.
// All writes to one project are serialized through its keyed mutex, so the
// state machine always observes its own previous write.
type OrchestratorService struct {
	store     database.Store
	bus       messagebus.Bus
	scheduler *SchedulerService
	registry  *RegistryService
	ledger    *LedgerService
	gate      *GateService
	hub       broadcast.Broadcaster
	orchCfg   *config.Orchestrator

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	procMu    sync.Mutex
	processed map[string]time.Time
}

// NewOrchestratorService creates an OrchestratorService.
func NewOrchestratorService(
	store database.Store,
	bus messagebus.Bus,
	scheduler *SchedulerService,
	registry *RegistryService,
	ledger *LedgerService,
	gate *GateService,
	hub broadcast.Broadcaster,
	orchCfg *config.Orchestrator,
) *OrchestratorService {
	return &OrchestratorService{
		store:     store,
		bus:       bus,
		scheduler: scheduler,
		registry:  registry,
		ledger:    ledger,
		gate:      gate,
		hub:       hub,
		orchCfg:   orchCfg,
		locks:     make(map[string]*sync.Mutex),
		processed: make(map[string]time.Time),
	}
}

func (s *OrchestratorService) projectLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// CreateProject validates the request, stores the project, and moves it
// straight into planning: the template is expanded into the task graph at
// creation time. Nothing is dispatched until Start.
func (s *OrchestratorService) CreateProject(ctx context.Context, req project.CreateRequest) (*project.ResearchProject, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.ResearchQuestion) == "" {
		return nil, fmt.Errorf("%w: research_question is required", domain.ErrValidation)
	}
	if req.Budget <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive", domain.ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = project.PriorityMedium
	}
	if !project.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, req.Priority)
	}
	if req.TemplateID != "" && template.ByID(req.TemplateID) == nil {
		return nil, fmt.Errorf("%w: unknown template %q", domain.ErrValidation, req.TemplateID)
	}

	now := time.Now().UTC()
	p := &project.ResearchProject{
		ID:               uuid.NewString(),
		Title:            req.Title,
		ResearchQuestion: req.ResearchQuestion,
		Hypothesis:       req.Hypothesis,
		Domain:           req.Domain,
		State:            project.StateInitial,
		Priority:         req.Priority,
		BudgetTotal:      req.Budget,
		TemplateID:       req.TemplateID,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tasks, tmplID, err := s.expandTemplate(p)
	if err != nil {
		return nil, err
	}
	p.TemplateID = tmplID

	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.ledger.Open(p.ID, p.BudgetTotal, 0)

	if err := s.transition(ctx, p, project.StatePlanning, ""); err != nil {
		return nil, err
	}
	p.StartedAt = &now

	if err := s.store.CreateTasks(ctx, tasks); err != nil {
		_ = s.transition(ctx, p, project.StateFailed, project.ReasonInternalError)
		return nil, fmt.Errorf("persist task graph: %w", err)
	}

	slog.Info("project created", "project_id", p.ID, "title", p.Title,
		"priority", p.Priority, "template_id", tmplID, "tasks", len(tasks))
	return p, nil
}

// GetProject returns one project.
func (s *OrchestratorService) GetProject(ctx context.Context, id string) (*project.ResearchProject, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects returns all projects.
func (s *OrchestratorService) ListProjects(ctx context.Context) ([]project.ResearchProject, error) {
	return s.store.ListProjects(ctx)
}

// ListTasks returns a project's task graph.
func (s *OrchestratorService) ListTasks(ctx context.Context, projectID string) ([]task.Task, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListTasksByProject(ctx, projectID)
}

// StartProject moves a planned project through designing into executing
// and runs the first scheduling pass. A second start attempt returns
// ErrConflict.
func (s *OrchestratorService) StartProject(ctx context.Context, id string) (*project.ResearchProject, error) {
	mu := s.projectLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != project.StatePlanning {
		return nil, fmt.Errorf("%w: cannot start project in state %q", domain.ErrConflict, p.State)
	}
	if err := s.checkProjectCeiling(ctx); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, p, project.StateDesigning, ""); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, p, project.StateExecuting, ""); err != nil {
		return nil, err
	}

	if err := s.advance(ctx, p.ID); err != nil {
		slog.Error("initial scheduling pass", "project_id", p.ID, "error", err)
	}

	slog.Info("project started", "project_id", p.ID, "template_id", p.TemplateID)
	return s.store.GetProject(ctx, id)
}

// StopProject cancels a project from any non-terminal state.
func (s *OrchestratorService) StopProject(ctx context.Context, id string) (*project.ResearchProject, error) {
	mu := s.projectLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State.IsTerminal() {
		return nil, fmt.Errorf("%w: project already %s", domain.ErrConflict, p.State)
	}

	s.scheduler.CancelProjectTasks(ctx, id)
	if err := s.transition(ctx, p, project.StateFailed, project.ReasonCancelled); err != nil {
		return nil, err
	}
	s.ledger.Close(id)

	slog.Info("project cancelled", "project_id", id)
	return p, nil
}

// ResumeProject moves a paused project back to executing, provided the
// gate allows the transition again.
func (s *OrchestratorService) ResumeProject(ctx context.Context, id string) (*project.ResearchProject, error) {
	mu := s.projectLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != project.StatePaused {
		return nil, fmt.Errorf("%w: cannot resume project in state %q", domain.ErrConflict, p.State)
	}

	if err := s.transition(ctx, p, project.StateExecuting, ""); err != nil {
		return nil, err
	}
	// The operator accepted the condition that paused the project; a stale
	// failure streak must not immediately re-trigger the cascade rule.
	s.scheduler.resetFailStreak(id)
	if err := s.advance(ctx, id); err != nil {
		slog.Error("scheduling pass after resume", "project_id", id, "error", err)
	}

	slog.Info("project resumed", "project_id", id)
	return s.store.GetProject(ctx, id)
}

// Advance runs one orchestration step for a project under its mutex:
// safety checks, a scheduling pass, progress recompute, and any lifecycle
// transitions the task graph now justifies.
func (s *OrchestratorService) Advance(ctx context.Context, projectID string) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.advance(ctx, projectID)
}

// advance assumes the project mutex is held.
func (s *OrchestratorService) advance(ctx context.Context, projectID string) error {
	ctx, span := otel.StartAdvanceSpan(ctx, projectID)
	defer span.End()

	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.State != project.StateExecuting {
		return nil
	}

	ev := s.runtimeEvent(p)
	switch s.gate.Evaluate(ctx, ev) {
	case safety.VerdictEmergencyStop:
		s.scheduler.SuspendProjectTasks(ctx, projectID)
		return s.transition(ctx, p, project.StatePaused, "")
	case safety.VerdictBlock:
		return s.blockExecuting(ctx, p, ev)
	}

	pass, err := s.scheduler.ScheduleReady(ctx, projectID)
	if err != nil {
		return err
	}

	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return err
	}
	s.syncAssignedAgents(ctx, p, tasks)
	if err := s.recomputeProgress(ctx, p, tasks); err != nil {
		slog.Error("recompute progress", "project_id", projectID, "error", err)
	}

	// Budget exhausted with nothing running and nothing placeable: the
	// project can never finish, so it fails rather than stalls.
	if pass.BudgetBlocked && pass.InFlight == 0 && pass.Scheduled == 0 {
		s.scheduler.CancelProjectTasks(ctx, projectID)
		return s.transition(ctx, p, project.StateFailed, project.ReasonBudgetExceeded)
	}

	if task.AnyFailed(tasks) && task.AllTerminal(tasks) {
		return s.transition(ctx, p, project.StateFailed, project.ReasonTaskFailure)
	}
	if task.AllTerminal(tasks) && len(tasks) > 0 {
		return s.finish(ctx, p, tasks)
	}
	return nil
}

// blockExecuting routes a gate block for an executing project. An actual
// overspend and a fully failed graph are terminal; every other block
// suspends the in-flight work and parks the project for manual review.
func (s *OrchestratorService) blockExecuting(ctx context.Context, p *project.ResearchProject, ev safety.Event) error {
	if ev.BudgetTotal > 0 && ev.BudgetUsed > ev.BudgetTotal {
		s.scheduler.CancelProjectTasks(ctx, p.ID)
		if err := s.transition(ctx, p, project.StateFailed, project.ReasonBudgetExceeded); err != nil {
			return err
		}
		s.ledger.Close(p.ID)
		return nil
	}

	tasks, err := s.store.ListTasksByProject(ctx, p.ID)
	if err == nil && len(tasks) > 0 && task.AnyFailed(tasks) && task.AllTerminal(tasks) {
		return s.transition(ctx, p, project.StateFailed, project.ReasonTaskFailure)
	}

	s.scheduler.SuspendProjectTasks(ctx, p.ID)
	return s.transition(ctx, p, project.StatePaused, "")
}

// syncAssignedAgents keeps the project's assigned_agents set equal to the
// distinct agents holding in-flight tasks.
func (s *OrchestratorService) syncAssignedAgents(ctx context.Context, p *project.ResearchProject, tasks []task.Task) {
	agents := task.ActiveAgents(tasks)
	if slices.Equal(agents, p.AssignedAgents) {
		return
	}
	if err := s.store.SetProjectAgents(ctx, p.ID, agents); err != nil {
		slog.Error("persist assigned agents", "project_id", p.ID, "error", err)
		return
	}
	p.AssignedAgents = agents
}

// finish walks a fully completed graph through analyzing, reporting, and
// completed. Quality review happens in analyzing.
func (s *OrchestratorService) finish(ctx context.Context, p *project.ResearchProject, tasks []task.Task) error {
	if err := s.transition(ctx, p, project.StateAnalyzing, ""); err != nil {
		return err
	}

	quality := qualityScore(tasks)
	if quality < s.orchCfg.QualityThreshold {
		slog.Warn("quality review failed", "project_id", p.ID, "score", quality,
			"threshold", s.orchCfg.QualityThreshold)
		return s.transition(ctx, p, project.StateFailed, project.ReasonQualityFailed)
	}

	if err := s.transition(ctx, p, project.StateReporting, ""); err != nil {
		return err
	}
	if err := s.transition(ctx, p, project.StateCompleted, ""); err != nil {
		return err
	}
	if err := s.store.UpdateProjectProgress(ctx, p.ID, 100); err != nil {
		slog.Error("finalize progress", "project_id", p.ID, "error", err)
	}
	s.ledger.Close(p.ID)

	slog.Info("project completed", "project_id", p.ID, "quality", quality,
		"budget_used", p.BudgetUsed, "budget_total", p.BudgetTotal)
	return nil
}

// qualityScore rates a finished graph: 1.0 for a clean run, reduced by a
// tenth for every failed attempt any task needed along the way.
func qualityScore(tasks []task.Task) float64 {
	score := 1.0
	for i := range tasks {
		score -= 0.1 * float64(tasks[i].Attempts)
	}
	if score < 0 {
		return 0
	}
	return score
}

// transition applies one state change through the transition table. Any
// off-table attempt returns ErrConflict and leaves the project untouched.
func (s *OrchestratorService) transition(ctx context.Context, p *project.ResearchProject, to project.State, reason project.FailureReason) error {
	if !project.CanTransition(p.State, to) {
		return fmt.Errorf("%w: transition %s -> %s not allowed", domain.ErrConflict, p.State, to)
	}

	verdict := s.gate.Evaluate(ctx, safety.Event{
		ProjectID:   p.ID,
		Kind:        "transition",
		FromState:   string(p.State),
		ToState:     string(to),
		BudgetTotal: p.BudgetTotal,
		BudgetUsed:  p.BudgetUsed,
	})
	if verdict == safety.VerdictBlock && to != project.StateFailed && to != project.StatePaused {
		return fmt.Errorf("%w: transition %s -> %s", domain.ErrSafetyBlocked, p.State, to)
	}

	if err := s.store.UpdateProjectState(ctx, p.ID, to, reason); err != nil {
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	from := p.State
	p.State = to
	p.FailureReason = reason
	p.Version++

	s.broadcastState(ctx, p, string(reason))
	slog.Info("project transitioned", "project_id", p.ID, "from", from, "to", to,
		"reason", reason)
	return nil
}

// recomputeProgress recalculates completed/total against the current
// denominator and floors the result at the previous value, so reported
// progress never moves backwards even if the graph grows.
func (s *OrchestratorService) recomputeProgress(ctx context.Context, p *project.ResearchProject, tasks []task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	pct := 100 * float64(task.CompletedCount(tasks)) / float64(len(tasks))
	if pct <= p.ProgressPercentage {
		return nil
	}
	if err := s.store.UpdateProjectProgress(ctx, p.ID, pct); err != nil {
		return err
	}
	p.ProgressPercentage = pct

	s.hub.BroadcastEvent(ctx, ws.EventTestProgress, ws.TestProgressEvent{
		ProjectID: p.ID,
		Progress:  pct,
	})
	return nil
}

// expandTemplate builds the task graph for a project from its template,
// remapping index dependencies to task ids and validating acyclicity.
func (s *OrchestratorService) expandTemplate(p *project.ResearchProject) ([]task.Task, string, error) {
	var tmpl template.Template
	if p.TemplateID != "" {
		t := template.ByID(p.TemplateID)
		if t == nil {
			return nil, "", fmt.Errorf("%w: unknown template %q", domain.ErrValidation, p.TemplateID)
		}
		tmpl = *t
	} else {
		tmpl = template.ForPriority(string(p.Priority))
	}

	now := time.Now().UTC()
	tasks := make([]task.Task, len(tmpl.Steps))
	ids := make([]string, len(tmpl.Steps))
	for i := range tmpl.Steps {
		ids[i] = uuid.NewString()
	}
	for i, step := range tmpl.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, idx := range step.DependsOn {
			if idx < 0 || idx >= len(ids) {
				return nil, "", fmt.Errorf("%w: template %s step %d has out-of-range dependency", domain.ErrValidation, tmpl.ID, i)
			}
			deps = append(deps, ids[idx])
		}
		tasks[i] = task.Task{
			ID:                 ids[i],
			ProjectID:          p.ID,
			Title:              step.Name,
			Stage:              step.Stage,
			Status:             task.StatusPending,
			RequiredCapability: step.RequiredCapability,
			RequiresApproval:   step.RequiresApproval,
			EstimatedCost:      step.EstimatedCost,
			DependsOn:          deps,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	if !task.Acyclic(tasks) {
		return nil, "", fmt.Errorf("%w: template %s produces a cyclic task graph", domain.ErrValidation, tmpl.ID)
	}
	return tasks, tmpl.ID, nil
}

// checkProjectCeiling rejects a start when the configured number of
// concurrently running projects is already reached.
func (s *OrchestratorService) checkProjectCeiling(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	running := 0
	for i := range projects {
		st := projects[i].State
		// Planned-but-unstarted projects do not hold resources yet.
		if !st.IsTerminal() && st != project.StateInitial && st != project.StatePlanning {
			running++
		}
	}
	if running >= s.orchCfg.MaxConcurrentProjects {
		return fmt.Errorf("%w: %d projects already running", domain.ErrCapacity, running)
	}
	return nil
}

func (s *OrchestratorService) runtimeEvent(p *project.ResearchProject) safety.Event {
	ev := safety.Event{
		ProjectID:   p.ID,
		Kind:        "runtime",
		BudgetTotal: p.BudgetTotal,
		BudgetUsed:  p.BudgetUsed,
	}
	if used, total, ok := s.ledger.Snapshot(p.ID); ok {
		ev.BudgetUsed, ev.BudgetTotal = used, total
	}
	if p.StartedAt != nil {
		ev.ProjectAge = time.Since(*p.StartedAt)
	}
	ev.ConsecutiveFails = s.scheduler.ConsecutiveFailures(p.ID)
	return ev
}

func (s *OrchestratorService) broadcastState(ctx context.Context, p *project.ResearchProject, reason string) {
	s.hub.BroadcastEvent(ctx, ws.EventWorkflowUpdate, ws.WorkflowUpdateEvent{
		ProjectID: p.ID,
		State:     string(p.State),
		Progress:  int(p.ProgressPercentage),
		Reason:    reason,
	})
}

// markProcessed records a bus message id, returning false when the id was
// already absorbed (redelivery of an acknowledged-but-redelivered message).
func (s *OrchestratorService) markProcessed(id string) bool {
	now := time.Now()
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if seen, ok := s.processed[id]; ok && now.Sub(seen) < processedTTL {
		return false
	}
	for k, v := range s.processed {
		if now.Sub(v) >= processedTTL {
			delete(s.processed, k)
		}
	}
	s.processed[id] = now
	return true
}

// HandleTaskResponse absorbs one task_response message. Safe under
// at-least-once delivery: duplicate message ids are acknowledged without
// effect.
func (s *OrchestratorService) HandleTaskResponse(ctx context.Context, msg message.Message) error {
	if !s.markProcessed(msg.ID) {
		slog.Debug("duplicate task response ignored", "message_id", msg.ID)
		return nil
	}

	var payload message.TaskResponsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed task response: %v", domain.ErrUnrecoverable, err)
	}

	mu := s.projectLock(payload.ProjectID)
	mu.Lock()
	defer mu.Unlock()

	if pre, err := s.store.GetTask(ctx, payload.TaskID); err == nil {
		s.checkStepDuration(ctx, pre)
	}

	outcome, err := s.scheduler.HandleResult(ctx, task.Result{
		TaskID:     payload.TaskID,
		AgentID:    payload.AgentID,
		Success:    payload.Success,
		ActualCost: payload.ActualCost,
		Output:     payload.Output,
		Error:      payload.Error,
	})
	if err != nil {
		return err
	}
	if len(outcome.CascadeFailed) > 0 {
		slog.Warn("cascade failure absorbed", "project_id", payload.ProjectID,
			"task_id", payload.TaskID, "cascaded", len(outcome.CascadeFailed))
	}
	return s.advance(ctx, payload.ProjectID)
}

// checkStepDuration compares a finishing task's wall-clock time against
// its template step's estimate so the gate can flag runaway steps.
func (s *OrchestratorService) checkStepDuration(ctx context.Context, t *task.Task) {
	if t.StartedAt == nil {
		return
	}
	p, err := s.store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return
	}
	tmpl := template.ByID(p.TemplateID)
	if tmpl == nil {
		return
	}
	for _, step := range tmpl.Steps {
		if step.Stage == t.Stage && step.EstimatedDuration > 0 {
			s.gate.Evaluate(ctx, safety.Event{
				ProjectID:    t.ProjectID,
				Kind:         "result",
				StepDuration: time.Since(*t.StartedAt),
				StepEstimate: step.EstimatedDuration,
			})
			return
		}
	}
}

// HandleStatusUpdate marks a task running when its agent reports starting.
func (s *OrchestratorService) HandleStatusUpdate(ctx context.Context, msg message.Message) error {
	var payload message.TaskRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed status update: %v", domain.ErrUnrecoverable, err)
	}
	if payload.TaskID == "" {
		return nil
	}
	s.scheduler.MarkRunning(ctx, payload.TaskID, msg.From)
	return nil
}

// HandleEmergencyStop reacts to an emergency message: the named project,
// or every executing project when the payload is system-wide. An
// emergency halt is recoverable: the project pauses with its in-flight
// work suspended, and only a manual resume through the gate restarts it.
func (s *OrchestratorService) HandleEmergencyStop(ctx context.Context, msg message.Message) error {
	var payload message.EmergencyStopPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed emergency stop: %v", domain.ErrUnrecoverable, err)
	}

	slog.Error("emergency stop received", "project_id", payload.ProjectID,
		"reason", payload.Reason, "rule_id", payload.RuleID)

	if payload.ProjectID != "" {
		return s.emergencyPause(ctx, payload.ProjectID)
	}

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for i := range projects {
		if projects[i].State != project.StateExecuting {
			continue
		}
		if err := s.emergencyPause(ctx, projects[i].ID); err != nil {
			slog.Error("emergency pause project", "project_id", projects[i].ID, "error", err)
		}
	}
	return nil
}

func (s *OrchestratorService) emergencyPause(ctx context.Context, projectID string) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.State != project.StateExecuting {
		return nil // nothing running to halt
	}
	s.scheduler.SuspendProjectTasks(ctx, projectID)
	return s.transition(ctx, p, project.StatePaused, "")
}

// SchedulingTick runs one advance pass over every executing project.
func (s *OrchestratorService) SchedulingTick(ctx context.Context) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		slog.Error("list projects for scheduling tick", "error", err)
		return
	}
	for i := range projects {
		if projects[i].State != project.StateExecuting {
			continue
		}
		if err := s.Advance(ctx, projects[i].ID); err != nil {
			slog.Error("scheduling tick", "project_id", projects[i].ID, "error", err)
		}
	}
}

// SweepTick marks silent agents offline and reassigns their in-flight tasks.
func (s *OrchestratorService) SweepTick(ctx context.Context) {
	swept := s.registry.SweepStale(ctx, s.orchCfg.HeartbeatTimeout)
	for _, agentID := range swept {
		if a, err := s.registry.Get(ctx, agentID); err == nil {
			s.gate.Evaluate(ctx, safety.Event{
				Kind:         "runtime",
				AgentSilence: time.Since(a.LastHeartbeat),
			})
		}
		s.scheduler.ReassignAgentTasks(ctx, agentID)
	}
}

// RestoreLedgers reopens budget accounting for every non-terminal project
// after a restart.
func (s *OrchestratorService) RestoreLedgers(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for i := range projects {
		p := &projects[i]
		if p.State.IsTerminal() {
			continue
		}
		s.ledger.Open(p.ID, p.BudgetTotal, p.BudgetUsed)
	}
	return nil
}
