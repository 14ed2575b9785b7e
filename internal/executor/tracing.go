// Tracing instrumentation for the executor.
package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/telemetry"
	"github.com/vinayprograms/warden/internal/tools"
)

// startRunSpan starts a span for a whole run.
func (o *Orchestrator) startRunSpan(ctx context.Context, info session.RunInfo) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "run")
	span.SetAttributes(
		attribute.String("run.id", info.ID),
		attribute.String("run.provider", o.provider.Name()),
		attribute.String("run.model", o.provider.Model()),
		attribute.Int("run.max_steps", o.opts.MaxSteps),
	)
	return ctx, span
}

// endRunSpan ends the run span with the final status.
func (o *Orchestrator) endRunSpan(span trace.Span, info session.RunInfo, err error) {
	span.SetAttributes(
		attribute.String("run.status", string(info.Status)),
		attribute.Int("run.steps", info.StepCount),
	)
	if info.Error != "" {
		span.SetAttributes(attribute.String("run.error", info.Error))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startStepSpan starts a span for one step.
func (o *Orchestrator) startStepSpan(ctx context.Context, step int) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "step")
	span.SetAttributes(attribute.Int("step.number", step))
	return ctx, span
}

// endStepSpan ends the step span.
func (o *Orchestrator) endStepSpan(span trace.Span, outcome stepOutcome, err error) {
	span.SetAttributes(attribute.Bool("step.terminal", outcome == stepDone))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startProviderSpan starts a span for one provider call.
func (o *Orchestrator) startProviderSpan(ctx context.Context, attempt int) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "provider.propose")
	span.SetAttributes(
		attribute.String("provider.name", o.provider.Name()),
		attribute.Int("provider.attempt", attempt),
	)
	return ctx, span
}

// endProviderSpan ends the provider span.
func (o *Orchestrator) endProviderSpan(span trace.Span, latency time.Duration, err error) {
	span.SetAttributes(attribute.Int64("provider.latency_ms", latency.Milliseconds()))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startToolSpan starts a span for one tool attempt.
func (o *Orchestrator) startToolSpan(ctx context.Context, action policy.Action, attempt int) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "tool."+action.Tool)
	span.SetAttributes(
		attribute.String("tool.name", action.Tool),
		attribute.String("tool.risk", action.RiskLevel),
		attribute.Int("tool.attempt", attempt),
	)
	return ctx, span
}

// endToolSpan ends the tool span with result info.
func (o *Orchestrator) endToolSpan(span trace.Span, res *tools.Result, latency time.Duration, err error) {
	span.SetAttributes(attribute.Int64("tool.latency_ms", latency.Milliseconds()))
	if res != nil {
		span.SetAttributes(attribute.Bool("tool.ok", res.OK))
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("tool.retryable", tools.IsRetryable(err)))
	}
	span.End()
}
