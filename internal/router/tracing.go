// Tracing instrumentation for delegations.
package router

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

func startDelegationSpan(ctx context.Context, c agents.Capability, item planner.Item) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "delegation."+string(c))
	span.SetAttributes(
		attribute.String("todo.id", item.ID),
		attribute.String("todo.category", item.Category),
		attribute.Bool("todo.critical", item.Critical),
	)
	return ctx, span
}

func endDelegationSpan(span trace.Span, rec state.DelegationRecord, err error) {
	span.SetAttributes(
		attribute.String("delegation.outcome", string(rec.Outcome)),
		attribute.Int("delegation.attempts", rec.Attempts),
		attribute.Int("delegation.outputs", len(rec.Outputs)),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
