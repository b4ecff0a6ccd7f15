package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "maxwell"

// StartDispatchSpan starts a span for one task dispatch to an agent.
func StartDispatchSpan(ctx context.Context, taskID, projectID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("project.id", projectID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartAdvanceSpan starts a span for one orchestration step of a project.
func StartAdvanceSpan(ctx context.Context, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "advance",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
		),
	)
}
