// Tracing instrumentation for the coordinator.
package coordinator

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

// startRunSpan starts the span covering a whole run.
func startRunSpan(ctx context.Context, st *state.AgentState) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "run.process")
	span.SetAttributes(
		attribute.String("run.id", st.ID),
		attribute.String("email.id", st.Email.ID),
	)
	if tracer.Debug() {
		span.SetAttributes(attribute.String("email.subject", st.Email.Subject))
	}
	return ctx, span
}

// endRunSpan ends the run span with the final phase.
func endRunSpan(span trace.Span, st *state.AgentState, err error) {
	counts := st.Planner.Counts()
	span.SetAttributes(
		attribute.String("run.phase", string(st.Phase())),
		attribute.Int("run.todos", st.Planner.Len()),
		attribute.Int("run.skipped", counts[planner.StatusSkipped]),
		attribute.Int("run.delegations", len(st.History())),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startPhaseSpan starts a span for one lifecycle phase.
func startPhaseSpan(ctx context.Context, phase state.Phase, st *state.AgentState) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "phase."+string(phase))
	span.SetAttributes(
		attribute.String("phase.name", string(phase)),
		attribute.String("run.id", st.ID),
	)
	return ctx, span
}

// endPhaseSpan ends the phase span.
func endPhaseSpan(span trace.Span, attrs map[string]string, err error) {
	for k, v := range attrs {
		span.SetAttributes(attribute.String(k, v))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
