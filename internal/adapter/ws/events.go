package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event type constants for WebSocket messages.
const (
	EventSystemMetrics   = "system_metrics"
	EventComponentStatus = "component_status"
	EventTestProgress    = "test_progress"
	EventWorkflowUpdate  = "workflow_update"
)

// SystemMetricsEvent is broadcast periodically with live orchestrator counters.
type SystemMetricsEvent struct {
	ActiveProjects   int     `json:"active_projects"`
	ActiveAgents     int     `json:"active_agents"`
	TasksInFlight    int     `json:"tasks_in_flight"`
	TasksCompleted   int     `json:"tasks_completed"`
	TasksFailed      int     `json:"tasks_failed"`
	BudgetUsed       float64 `json:"budget_used"`
	OpenViolations   int     `json:"open_violations"`
	ConnectedClients int     `json:"connected_clients"`
}

// ComponentStatusEvent is broadcast when a component or agent changes status.
type ComponentStatusEvent struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// TestProgressEvent is broadcast as experiment stages report progress.
type TestProgressEvent struct {
	ProjectID string  `json:"project_id"`
	Stage     string  `json:"stage"`
	Progress  float64 `json:"progress"`
}

// WorkflowUpdateEvent is broadcast when a project or one of its tasks
// moves through the lifecycle.
type WorkflowUpdateEvent struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	State     string `json:"state,omitempty"`
	Status    string `json:"status,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:      eventType,
		Data:      json.RawMessage(data),
		Timestamp: time.Now().UTC(),
	})
}
