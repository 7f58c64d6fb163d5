/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartRunSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartRunSpan(ctx, "run-1", "proj-1")
	EndRunSpan(span, "complete")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "kernel.run" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "kernel.run")
	}

	foundRunID := false
	foundStatus := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "legator.run_id" && a.Value.AsString() == "run-1" {
			foundRunID = true
		}
		if string(a.Key) == "legator.run_status" && a.Value.AsString() == "complete" {
			foundStatus = true
		}
	}
	if !foundRunID {
		t.Error("missing legator.run_id attribute")
	}
	if !foundStatus {
		t.Error("missing legator.run_status attribute")
	}
}

func TestStartStepSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartStepSpan(ctx, "s0", "fs_write", 0, 1)
	EndStepSpan(span, "abc123", false)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "kernel.step" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "kernel.step")
	}

	foundCommit := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "legator.commit_hash" && a.Value.AsString() == "abc123" {
			foundCommit = true
		}
	}
	if !foundCommit {
		t.Error("missing legator.commit_hash attribute")
	}
}

func TestValidationSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartValidationSpan(ctx, "run/run-1")
	EndValidationSpan(span, false, 2, 1)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "validation.run" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "validation.run")
	}

	foundBlocking := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "legator.blocking_count" && a.Value.AsInt64() == 2 {
			foundBlocking = true
		}
	}
	if !foundBlocking {
		t.Error("missing legator.blocking_count attribute")
	}
}

func TestCorrectionSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartCorrectionSpan(ctx, "s0", 2)
	EndCorrectionSpan(span, true, 3, 1)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "kernel.correct_step" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "kernel.correct_step")
	}

	foundCollapse := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "legator.architecture_collapse" && a.Value.AsBool() {
			foundCollapse = true
		}
	}
	if !foundCollapse {
		t.Error("missing legator.architecture_collapse attribute")
	}
}

func TestGovernanceSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartGovernanceSpan(ctx, "run-1")
	EndGovernanceSpan(span, "PASS", 0)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "governance.decide" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "governance.decide")
	}
}

func TestJobClaimSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartJobClaimSpan(ctx, "worker-1", "worker")
	EndJobClaimSpan(span, true, "job-1")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "runqueue.claim" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "runqueue.claim")
	}

	foundJobID := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "legator.job_id" && a.Value.AsString() == "job-1" {
			foundJobID = true
		}
	}
	if !foundJobID {
		t.Error("missing legator.job_id attribute")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, runSpan := StartRunSpan(ctx, "run-1", "proj-1")
	_, stepSpan := StartStepSpan(ctx, "s0", "fs_write", 0, 1)
	EndStepSpan(stepSpan, "abc123", false)
	EndRunSpan(runSpan, "running")

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	stepStub := spans[0] // step span ends first
	runStub := spans[1]

	if stepStub.Parent.TraceID() != runStub.SpanContext.TraceID() {
		t.Error("step span should share trace ID with run span")
	}
	if !stepStub.Parent.SpanID().IsValid() {
		t.Error("step span should have a valid parent span ID")
	}
}
