package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aperture-research/maxwell/internal/adapter/otel"
	"github.com/aperture-research/maxwell/internal/adapter/ws"
	"github.com/aperture-research/maxwell/internal/config"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/safety"
	"github.com/aperture-research/maxwell/internal/domain/task"
	"github.com/aperture-research/maxwell/internal/port/broadcast"
	"github.com/aperture-research/maxwell/internal/port/database"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
	"github.com/aperture-research/maxwell/internal/resilience"
)

// SchedulerService turns ready tasks into agent assignments. The weighted
// semaphore is the single point of arbitration for the system-wide ceiling
// on simultaneously assigned/running tasks; scheduling passes across
// projects contend on it rather than overcommitting agent capacity.
type SchedulerService struct {
	store    database.Store
	bus      messagebus.Bus
	registry *RegistryService
	ledger   *LedgerService
	gate     *GateService
	hub      broadcast.Broadcaster
	breaker  *resilience.Breaker
	metrics  *otel.Metrics
	orchCfg  *config.Orchestrator

	slots *semaphore.Weighted

	failMu           sync.Mutex
	consecutiveFails map[string]int
}

// PassResult summarizes one scheduling pass over a project.
type PassResult struct {
	Scheduled     int  // tasks dispatched this pass
	Deferred      int  // ready tasks left pending (no agent or no slot)
	BudgetBlocked bool // at least one reservation was rejected
	InFlight      int  // tasks currently assigned or running
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(
	store database.Store,
	bus messagebus.Bus,
	registry *RegistryService,
	ledger *LedgerService,
	gate *GateService,
	hub broadcast.Broadcaster,
	breaker *resilience.Breaker,
	metrics *otel.Metrics,
	orchCfg *config.Orchestrator,
) *SchedulerService {
	return &SchedulerService{
		store:            store,
		bus:              bus,
		registry:         registry,
		ledger:           ledger,
		gate:             gate,
		hub:              hub,
		breaker:          breaker,
		metrics:          metrics,
		orchCfg:          orchCfg,
		slots:            semaphore.NewWeighted(orchCfg.MaxConcurrentTasks),
		consecutiveFails: make(map[string]int),
	}
}

// ScheduleReady attempts assignment for every pending task whose
// dependencies are all completed. Tasks that cannot be placed stay pending
// and are retried on the next pass.
func (s *SchedulerService) ScheduleReady(ctx context.Context, projectID string) (PassResult, error) {
	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return PassResult{}, fmt.Errorf("list tasks: %w", err)
	}

	res := PassResult{InFlight: task.InFlightCount(tasks)}
	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	safetyCleared := task.SafetyCleared(tasks)

	for _, id := range task.Ready(tasks) {
		t := byID[id]
		ok, budgetBlocked := s.dispatch(ctx, t, safetyCleared)
		if budgetBlocked {
			res.BudgetBlocked = true
		}
		if ok {
			res.Scheduled++
			res.InFlight++
		} else {
			res.Deferred++
		}
	}
	return res, nil
}

// dispatch tries to place one ready task. Returns placed=false when the
// task must wait (no slot, no agent, missing safety approval, open
// breaker, or budget rejection).
func (s *SchedulerService) dispatch(ctx context.Context, t *task.Task, safetyCleared bool) (placed, budgetBlocked bool) {
	if t.RequiresApproval {
		verdict := s.gate.Evaluate(ctx, safety.Event{
			ProjectID:        t.ProjectID,
			Kind:             "dispatch",
			RequiresApproval: true,
			SafetyApproved:   safetyCleared,
		})
		if verdict == safety.VerdictBlock {
			slog.Warn("dispatch blocked pending safety approval", "task_id", t.ID,
				"project_id", t.ProjectID, "stage", t.Stage)
			return false, false
		}
	}

	// Backpressure: the system-wide ceiling comes first so a thin budget
	// check never holds a slot.
	if !s.slots.TryAcquire(1) {
		slog.Debug("scheduling deferred, ceiling reached", "task_id", t.ID)
		return false, false
	}

	release := func() { s.slots.Release(1) }

	candidates := s.registry.FindByCapability(ctx, t.RequiredCapability, s.orchCfg.TaskRetryLimit+1)
	agentID := pickAgent(candidates, t.AssignedAgent)
	if agentID == "" {
		release()
		return false, false
	}

	reserved, err := s.ledger.Reserve(ctx, t.ProjectID, t.EstimatedCost)
	if err != nil {
		slog.Error("budget reserve", "task_id", t.ID, "error", err)
		release()
		return false, false
	}
	if !reserved {
		s.metrics.BudgetReject(ctx)
		release()
		return false, true
	}
	s.metrics.BudgetReserve(ctx, t.EstimatedCost)

	if err := s.registry.Reserve(ctx, agentID); err != nil {
		_ = s.ledger.ReleaseReservation(ctx, t.ProjectID, t.EstimatedCost)
		release()
		slog.Debug("agent reservation failed", "task_id", t.ID, "agent_id", agentID, "error", err)
		return false, false
	}

	if err := s.publishRequest(ctx, t, agentID); err != nil {
		s.registry.Release(ctx, agentID, true) // not the agent's failure
		_ = s.ledger.ReleaseReservation(ctx, t.ProjectID, t.EstimatedCost)
		release()
		slog.Error("task dispatch failed", "task_id", t.ID, "agent_id", agentID, "error", err)
		return false, false
	}

	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusAssigned, agentID, ""); err != nil {
		slog.Error("mark task assigned", "task_id", t.ID, "error", err)
		return true, false // request is already out; treat as placed
	}
	t.Status = task.StatusAssigned
	t.AssignedAgent = agentID

	s.metrics.TaskScheduled(ctx)
	s.hub.BroadcastEvent(ctx, ws.EventWorkflowUpdate, ws.WorkflowUpdateEvent{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Stage:     t.Stage,
		Status:    string(task.StatusAssigned),
		AgentID:   agentID,
	})

	slog.Info("task assigned", "task_id", t.ID, "project_id", t.ProjectID,
		"agent_id", agentID, "stage", t.Stage)
	return true, false
}

// pickAgent selects the best candidate, preferring one that differs from
// the previously failed assignee when the pool allows it.
func pickAgent(candidates []Candidate, previous string) string {
	if len(candidates) == 0 {
		return ""
	}
	for _, c := range candidates {
		if c.AgentID != previous {
			return c.AgentID
		}
	}
	return candidates[0].AgentID
}

func (s *SchedulerService) publishRequest(ctx context.Context, t *task.Task, agentID string) error {
	ctx, span := otel.StartDispatchSpan(ctx, t.ID, t.ProjectID, agentID)
	defer span.End()

	payload, err := json.Marshal(message.TaskRequestPayload{
		TaskID:             t.ID,
		ProjectID:          t.ProjectID,
		Stage:              t.Stage,
		RequiredCapability: string(t.RequiredCapability),
		EstimatedCost:      t.EstimatedCost,
	})
	if err != nil {
		return fmt.Errorf("marshal task request: %w", err)
	}

	return s.breaker.Execute(func() error {
		_, err := s.bus.Publish(ctx, message.Message{
			ID:            uuid.NewString(),
			Type:          message.TypeTaskRequest,
			From:          "orchestrator",
			To:            agentID,
			Payload:       payload,
			Priority:      message.PriorityHigh,
			CorrelationID: t.ID,
		})
		return err
	})
}

// ResultOutcome reports how a task result was absorbed.
type ResultOutcome struct {
	TaskFailed    bool     // task exhausted retries and is now failed
	Retrying      bool     // task reset to pending for another attempt
	CascadeFailed []string // dependents failed alongside the task
}

// HandleResult absorbs an agent's task result: releases the ceiling slot
// and the agent, reconciles cost, and applies the retry/cascade policy on
// failure. Idempotency on message redelivery is the orchestrator's job;
// this method guards against stale results itself, since a task may have
// been settled, reset to pending, or re-dispatched to another agent while
// the result was in flight.
func (s *SchedulerService) HandleResult(ctx context.Context, res task.Result) (ResultOutcome, error) {
	t, err := s.store.GetTask(ctx, res.TaskID)
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("task %s: %w", res.TaskID, err)
	}
	if t.Status.IsTerminal() || t.Status == task.StatusPending {
		return ResultOutcome{}, nil // settled or reset; no slot or agent held for this result
	}
	if res.AgentID != t.AssignedAgent {
		slog.Warn("result from superseded assignment dropped", "task_id", t.ID,
			"agent_id", res.AgentID, "assigned_agent", t.AssignedAgent)
		return ResultOutcome{}, nil
	}

	s.slots.Release(1)
	s.registry.Release(ctx, res.AgentID, res.Success)

	if err := s.ledger.RecordActual(ctx, t.ProjectID, t.EstimatedCost, res.ActualCost); err != nil {
		slog.Error("reconcile cost", "task_id", t.ID, "error", err)
	}
	if err := s.store.UpdateTaskCost(ctx, t.ID, res.ActualCost); err != nil {
		slog.Error("record task cost", "task_id", t.ID, "error", err)
	}

	if res.Success {
		if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusCompleted, res.AgentID, ""); err != nil {
			return ResultOutcome{}, fmt.Errorf("mark task completed: %w", err)
		}
		s.resetFailStreak(t.ProjectID)
		s.metrics.TaskCompleted(ctx)
		s.metrics.RecordCost(ctx, res.ActualCost)
		s.broadcastTask(ctx, t, task.StatusCompleted, res.AgentID)
		slog.Info("task completed", "task_id", t.ID, "project_id", t.ProjectID, "agent_id", res.AgentID)
		return ResultOutcome{}, nil
	}

	return s.handleFailure(ctx, t, res)
}

func (s *SchedulerService) handleFailure(ctx context.Context, t *task.Task, res task.Result) (ResultOutcome, error) {
	attempts, err := s.store.IncrementTaskAttempts(ctx, t.ID)
	if err != nil {
		return ResultOutcome{}, fmt.Errorf("increment attempts: %w", err)
	}
	s.bumpFailStreak(t.ProjectID)

	if attempts <= s.orchCfg.TaskRetryLimit {
		// Back to pending; the next pass prefers a different agent.
		if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusPending, res.AgentID, res.Error); err != nil {
			return ResultOutcome{}, fmt.Errorf("reset task for retry: %w", err)
		}
		s.metrics.TaskRetried(ctx)
		slog.Warn("task retry scheduled", "task_id", t.ID, "attempt", attempts, "error", res.Error)
		return ResultOutcome{Retrying: true}, nil
	}

	if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, res.AgentID, res.Error); err != nil {
		return ResultOutcome{}, fmt.Errorf("mark task failed: %w", err)
	}
	s.metrics.TaskFailed(ctx)
	s.broadcastTask(ctx, t, task.StatusFailed, res.AgentID)
	slog.Error("task failed permanently", "task_id", t.ID, "project_id", t.ProjectID,
		"attempts", attempts, "error", res.Error)

	cascade, err := s.cascadeFail(ctx, t)
	if err != nil {
		return ResultOutcome{TaskFailed: true}, err
	}
	return ResultOutcome{TaskFailed: true, CascadeFailed: cascade}, nil
}

// ConsecutiveFailures reports the current run of failed attempts for a
// project, reset by any success. The safety gate's cascade rule reads it.
func (s *SchedulerService) ConsecutiveFailures(projectID string) int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.consecutiveFails[projectID]
}

func (s *SchedulerService) bumpFailStreak(projectID string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.consecutiveFails[projectID]++
}

func (s *SchedulerService) resetFailStreak(projectID string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	delete(s.consecutiveFails, projectID)
}

// cascadeFail marks every transitive dependent of the failed task as
// failed. Dependents are never silently skipped.
func (s *SchedulerService) cascadeFail(ctx context.Context, failed *task.Task) ([]string, error) {
	tasks, err := s.store.ListTasksByProject(ctx, failed.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for cascade: %w", err)
	}

	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var cascaded []string
	for _, depID := range task.Dependents(tasks, failed.ID) {
		dep := byID[depID]
		if dep == nil || dep.Status.IsTerminal() {
			continue
		}
		errMsg := fmt.Sprintf("dependency %s failed", failed.ID)
		if err := s.store.UpdateTaskStatus(ctx, depID, task.StatusFailed, "", errMsg); err != nil {
			slog.Error("cascade fail dependent", "task_id", depID, "error", err)
			continue
		}
		cascaded = append(cascaded, depID)
		s.broadcastTask(ctx, dep, task.StatusFailed, "")
	}
	if len(cascaded) > 0 {
		slog.Warn("dependents cascade-failed", "task_id", failed.ID, "count", len(cascaded))
	}
	return cascaded, nil
}

// ReassignAgentTasks treats every task assigned to a now-offline agent as
// a failed attempt so the retry policy can place it elsewhere.
func (s *SchedulerService) ReassignAgentTasks(ctx context.Context, agentID string) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		slog.Error("list projects for reassignment", "error", err)
		return
	}
	for i := range projects {
		tasks, err := s.store.ListTasksByProject(ctx, projects[i].ID)
		if err != nil {
			continue
		}
		for j := range tasks {
			t := tasks[j]
			if t.AssignedAgent != agentID || t.Status.IsTerminal() || t.Status == task.StatusPending {
				continue
			}
			if _, err := s.HandleResult(ctx, task.Result{
				TaskID:  t.ID,
				AgentID: agentID,
				Success: false,
				Error:   "assigned agent went offline",
			}); err != nil {
				slog.Error("reassign task from offline agent", "task_id", t.ID, "error", err)
			}
		}
	}
}

// SuspendProjectTasks halts a project's in-flight work without failing
// it: assignments are cancelled back to their agents, the ceiling slots,
// reservations, and agent capacity are released, and the tasks return to
// pending so a later resume can re-place them.
func (s *SchedulerService) SuspendProjectTasks(ctx context.Context, projectID string) {
	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		slog.Error("list tasks for suspension", "error", err)
		return
	}

	for i := range tasks {
		t := tasks[i]
		if t.Status != task.StatusAssigned && t.Status != task.StatusRunning {
			continue
		}
		s.slots.Release(1)
		if t.AssignedAgent != "" {
			s.registry.Release(ctx, t.AssignedAgent, true)
			s.publishCancel(ctx, &t)
		}
		_ = s.ledger.ReleaseReservation(ctx, projectID, t.EstimatedCost)
		if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusPending, t.AssignedAgent, ""); err != nil {
			slog.Error("suspend task", "task_id", t.ID, "error", err)
		}
	}
}

// CancelProjectTasks stops scheduling for a project: in-flight tasks are
// terminal-marked, their agents and ceiling slots released, and a
// cancellation message is published for each in-flight assignment.
func (s *SchedulerService) CancelProjectTasks(ctx context.Context, projectID string) {
	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		slog.Error("list tasks for cancellation", "error", err)
		return
	}
	s.resetFailStreak(projectID)

	for i := range tasks {
		t := tasks[i]
		switch t.Status {
		case task.StatusAssigned, task.StatusRunning:
			s.slots.Release(1)
			if t.AssignedAgent != "" {
				s.registry.Release(ctx, t.AssignedAgent, true)
				s.publishCancel(ctx, &t)
			}
			_ = s.ledger.ReleaseReservation(ctx, projectID, t.EstimatedCost)
			fallthrough
		case task.StatusPending:
			if err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, t.AssignedAgent, "project cancelled"); err != nil {
				slog.Error("cancel task", "task_id", t.ID, "error", err)
			}
		}
	}
}

func (s *SchedulerService) publishCancel(ctx context.Context, t *task.Task) {
	payload, _ := json.Marshal(message.TaskRequestPayload{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Stage:     t.Stage,
	})
	if _, err := s.bus.Publish(ctx, message.Message{
		ID:            uuid.NewString(),
		Type:          message.TypeTaskCancel,
		From:          "orchestrator",
		To:            t.AssignedAgent,
		Payload:       payload,
		Priority:      message.PriorityHigh,
		CorrelationID: t.ID,
	}); err != nil {
		slog.Error("publish task cancel", "task_id", t.ID, "error", err)
	}
}

// MarkRunning records that an agent has started on a task (status_update).
func (s *SchedulerService) MarkRunning(ctx context.Context, taskID, agentID string) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil || t.Status != task.StatusAssigned {
		return
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning, agentID, ""); err != nil {
		slog.Error("mark task running", "task_id", taskID, "error", err)
		return
	}
	s.broadcastTask(ctx, t, task.StatusRunning, agentID)
}

func (s *SchedulerService) broadcastTask(ctx context.Context, t *task.Task, status task.Status, agentID string) {
	s.hub.BroadcastEvent(ctx, ws.EventWorkflowUpdate, ws.WorkflowUpdateEvent{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Stage:     t.Stage,
		Status:    string(status),
		AgentID:   agentID,
	})
}
