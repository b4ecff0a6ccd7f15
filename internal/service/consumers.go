package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/agent"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/safety"
)

// Subscribe registers the orchestrator's bus consumers: task coordination,
// system events, and the emergency channel. Returned cancel funcs stop all
// subscriptions.
func (s *OrchestratorService) Subscribe(ctx context.Context) (func(), error) {
	var cancels []func()
	stop := func() {
		for _, c := range cancels {
			c()
		}
	}

	subs := []struct {
		topic      message.Topic
		consumerID string
		handler    func(context.Context, message.Message) error
	}{
		{message.TopicTaskCoordination, "orchestrator-tasks", s.consumeTaskCoordination},
		{message.TopicAgentComm, "orchestrator-agents", s.consumeAgentComm},
		{message.TopicSystemEvents, "orchestrator-system", s.consumeSystemEvents},
		{message.TopicEmergency, "orchestrator-emergency", s.consumeEmergency},
	}
	for _, sub := range subs {
		cancel, err := s.bus.Subscribe(sub.topic, sub.consumerID, sub.handler)
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		cancels = append(cancels, cancel)
	}
	return stop, nil
}

func (s *OrchestratorService) consumeTaskCoordination(ctx context.Context, msg message.Message) error {
	switch msg.Type {
	case message.TypeTaskResponse:
		return s.HandleTaskResponse(ctx, msg)
	case message.TypeTaskRequest, message.TypeTaskCancel:
		return nil // outbound traffic on a shared topic
	default:
		slog.Debug("unhandled task coordination message", "type", msg.Type, "message_id", msg.ID)
		return nil
	}
}

func (s *OrchestratorService) consumeAgentComm(ctx context.Context, msg message.Message) error {
	switch msg.Type {
	case message.TypeHeartbeat:
		// An unknown sender is logged by the registry; not worth redelivery.
		_ = s.registry.Heartbeat(ctx, msg.From, agent.StatusActive)
		return nil
	case message.TypeStatusUpdate:
		return s.HandleStatusUpdate(ctx, msg)
	default:
		slog.Debug("unhandled agent message", "type", msg.Type, "message_id", msg.ID)
		return nil
	}
}

// consumeEmergency handles the emergency channel. Stop requests that did not
// originate from the gate are run through it first so the request is recorded
// as a violation before any project is paused.
func (s *OrchestratorService) consumeEmergency(ctx context.Context, msg message.Message) error {
	if msg.Type != message.TypeEmergencyStop {
		slog.Debug("unhandled emergency message", "type", msg.Type, "message_id", msg.ID)
		return nil
	}
	if msg.From != gateSender {
		var payload message.EmergencyStopPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("%w: malformed emergency stop: %v", domain.ErrUnrecoverable, err)
		}
		s.gate.Evaluate(ctx, safety.Event{
			ProjectID:        payload.ProjectID,
			Kind:             "emergency",
			EmergencyRequest: true,
		})
	}
	return s.HandleEmergencyStop(ctx, msg)
}

func (s *OrchestratorService) consumeSystemEvents(_ context.Context, msg message.Message) error {
	if msg.Type == message.TypeErrorNotification {
		slog.Warn("agent error notification", "from", msg.From, "message_id", msg.ID)
	}
	return nil
}
