/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the Agent Kernel.
//
// Spans cover the execute loop's own stages — plan, step commit, validation,
// correction, governance — rather than the LLM call itself, which is opaque
// to the kernel behind the Planner boundary. Custom span attributes use the
// `legator.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "legator.io/kernel"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("legator-kernel"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for one Execute call draining a run.
func StartRunSpan(ctx context.Context, runID, projectID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kernel.run",
		trace.WithAttributes(
			attribute.String("legator.run_id", runID),
			attribute.String("legator.project_id", projectID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan enriches the run span with its terminal status.
func EndRunSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("legator.run_status", status))
	span.End()
}

// StartStepSpan creates a child span for one (stepIndex, attempt) step
// transaction: stage, validate, apply, commit.
func StartStepSpan(ctx context.Context, stepID, tool string, stepIndex, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kernel.step",
		trace.WithAttributes(
			attribute.String("legator.step_id", stepID),
			attribute.String("legator.tool", tool),
			attribute.Int("legator.step_index", stepIndex),
			attribute.Int("legator.attempt", attempt),
		),
	)
}

// EndStepSpan enriches the step span with its commit outcome.
func EndStepSpan(span trace.Span, commitHash string, failed bool) {
	span.SetAttributes(
		attribute.String("legator.commit_hash", commitHash),
		attribute.Bool("legator.step_failed", failed),
	)
	span.End()
}

// StartValidationSpan creates a child span for one Validation Pipeline run.
func StartValidationSpan(ctx context.Context, branch string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "validation.run",
		trace.WithAttributes(
			attribute.String("legator.branch", branch),
		),
	)
}

// EndValidationSpan enriches the validation span with the aggregate report.
func EndValidationSpan(span trace.Span, ok bool, blockingCount, warningCount int) {
	span.SetAttributes(
		attribute.Bool("legator.validation_ok", ok),
		attribute.Int("legator.blocking_count", blockingCount),
		attribute.Int("legator.warning_count", warningCount),
	)
	span.End()
}

// StartCorrectionSpan creates a child span for a failed step's classify →
// synthesize-constraint → re-plan corrective cycle.
func StartCorrectionSpan(ctx context.Context, failedStepID string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kernel.correct_step",
		trace.WithAttributes(
			attribute.String("legator.failed_step_id", failedStepID),
			attribute.Int("legator.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndCorrectionSpan enriches the correction span with the classifier's verdict.
func EndCorrectionSpan(span trace.Span, architectureCollapse bool, clusterCount, violationCount int) {
	span.SetAttributes(
		attribute.Bool("legator.architecture_collapse", architectureCollapse),
		attribute.Int("legator.cluster_count", clusterCount),
		attribute.Int("legator.policy_violation_count", violationCount),
	)
	span.End()
}

// StartGovernanceSpan creates a span for rendering a run's final decision.
func StartGovernanceSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "governance.decide",
		trace.WithAttributes(
			attribute.String("legator.run_id", runID),
		),
	)
}

// EndGovernanceSpan enriches the governance span with the rendered verdict.
func EndGovernanceSpan(span trace.Span, decision string, reasonCodeCount int) {
	span.SetAttributes(
		attribute.String("legator.decision", decision),
		attribute.Int("legator.reason_code_count", reasonCodeCount),
	)
	span.End()
}

// StartJobClaimSpan creates a span around a worker's attempt to claim the
// next run job off the queue.
func StartJobClaimSpan(ctx context.Context, nodeID, targetRole string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "runqueue.claim",
		trace.WithAttributes(
			attribute.String("legator.node_id", nodeID),
			attribute.String("legator.target_role", targetRole),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndJobClaimSpan enriches the claim span with the outcome.
func EndJobClaimSpan(span trace.Span, claimed bool, jobID string) {
	span.SetAttributes(attribute.Bool("legator.claimed", claimed))
	if claimed {
		span.SetAttributes(attribute.String("legator.job_id", jobID))
	}
	span.End()
}
