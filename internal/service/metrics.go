package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aperture-research/maxwell/internal/adapter/ws"
	"github.com/aperture-research/maxwell/internal/domain/project"
	"github.com/aperture-research/maxwell/internal/domain/task"
	"github.com/aperture-research/maxwell/internal/port/database"
)

// MetricsService computes live system snapshots from stored state and
// broadcasts them over the WebSocket hub. Every number it reports is a
// real counter the core owns; nothing is simulated.
type MetricsService struct {
	store database.Store
	hub   *ws.Hub
}

// NewMetricsService creates a MetricsService.
func NewMetricsService(store database.Store, hub *ws.Hub) *MetricsService {
	return &MetricsService{store: store, hub: hub}
}

// Snapshot gathers the current system counters.
func (s *MetricsService) Snapshot(ctx context.Context) (ws.SystemMetricsEvent, error) {
	var ev ws.SystemMetricsEvent

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return ev, err
	}
	for i := range projects {
		p := &projects[i]
		if !p.State.IsTerminal() && p.State != project.StateInitial {
			ev.ActiveProjects++
		}
		ev.BudgetUsed += p.BudgetUsed

		tasks, err := s.store.ListTasksByProject(ctx, p.ID)
		if err != nil {
			continue
		}
		ev.TasksInFlight += task.InFlightCount(tasks)
		for j := range tasks {
			switch tasks[j].Status {
			case task.StatusCompleted:
				ev.TasksCompleted++
			case task.StatusFailed:
				ev.TasksFailed++
			}
		}
	}

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return ev, err
	}
	for i := range agents {
		if agents[i].Status.Available() {
			ev.ActiveAgents++
		}
	}

	violations, err := s.store.ListViolations(ctx, false)
	if err != nil {
		return ev, err
	}
	ev.OpenViolations = len(violations)
	ev.ConnectedClients = s.hub.ConnectionCount()
	return ev, nil
}

// Run broadcasts a system_metrics snapshot on every tick until the context
// is cancelled.
func (s *MetricsService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev, err := s.Snapshot(ctx)
			if err != nil {
				slog.Error("metrics snapshot", "error", err)
				continue
			}
			s.hub.BroadcastEvent(ctx, ws.EventSystemMetrics, ev)
		}
	}
}
