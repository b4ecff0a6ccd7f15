// Package message defines the bus envelope and topic routing rules for
// orchestrator/agent communication.
package message

import (
	"encoding/json"
	"time"
)

// Type is the kind of a bus message.
type Type string

const (
	TypeTaskRequest           Type = "task_request"
	TypeTaskResponse          Type = "task_response"
	TypeTaskCancel            Type = "task_cancel"
	TypeCollaborationRequest  Type = "collaboration_request"
	TypeCollaborationResponse Type = "collaboration_response"
	TypeStatusUpdate          Type = "status_update"
	TypeErrorNotification     Type = "error_notification"
	TypeResearchData          Type = "research_data"
	TypeSystemEvent           Type = "system_event"
	TypeHeartbeat             Type = "heartbeat"
	TypeEmergencyStop         Type = "emergency_stop"
)

// Priority levels for messages. PriorityCritical messages bypass normal
// queue ordering and are delivered before any lower-priority message.
const (
	PriorityNormal   = 0
	PriorityHigh     = 1
	PriorityCritical = 2
)

// Topic names messages are routed to.
type Topic string

const (
	TopicTaskCoordination Topic = "task-coordination"
	TopicAgentComm        Topic = "agent-communication"
	TopicResearchData     Topic = "research-data"
	TopicSystemEvents     Topic = "system-events"
	TopicEmergency        Topic = "emergency"
	TopicDeadLetter       Topic = "dead-letter"
)

// routing maps each message type to its topic.
var routing = map[Type]Topic{
	TypeTaskRequest:           TopicTaskCoordination,
	TypeTaskResponse:          TopicTaskCoordination,
	TypeTaskCancel:            TopicTaskCoordination,
	TypeCollaborationRequest:  TopicAgentComm,
	TypeCollaborationResponse: TopicAgentComm,
	TypeStatusUpdate:          TopicAgentComm,
	TypeHeartbeat:             TopicAgentComm,
	TypeResearchData:          TopicResearchData,
	TypeSystemEvent:           TopicSystemEvents,
	TypeErrorNotification:     TopicSystemEvents,
	TypeEmergencyStop:         TopicEmergency,
}

// Route returns the topic a message type is delivered on. Unknown types
// fall back to agent-communication, matching the broadcast default.
func Route(t Type) Topic {
	if topic, ok := routing[t]; ok {
		return topic
	}
	return TopicAgentComm
}

// Message is the immutable bus envelope. The bus owns it until delivered
// and acknowledged, or expired.
type Message struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"` // empty = broadcast
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Seq           uint64          `json:"seq,omitempty"` // per-topic, assigned on publish
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the message has passed its expiry.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// TaskRequestPayload is carried by task_request messages.
type TaskRequestPayload struct {
	TaskID             string  `json:"task_id"`
	ProjectID          string  `json:"project_id"`
	Stage              string  `json:"stage"`
	RequiredCapability string  `json:"required_capability"`
	EstimatedCost      float64 `json:"estimated_cost"`
}

// TaskResponsePayload is carried by task_response messages.
type TaskResponsePayload struct {
	TaskID     string  `json:"task_id"`
	ProjectID  string  `json:"project_id"`
	AgentID    string  `json:"agent_id"`
	Success    bool    `json:"success"`
	ActualCost float64 `json:"actual_cost"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// EmergencyStopPayload is carried by emergency_stop messages.
type EmergencyStopPayload struct {
	ProjectID string `json:"project_id,omitempty"` // empty = system-wide
	Reason    string `json:"reason"`
	RuleID    string `json:"rule_id,omitempty"`
}
