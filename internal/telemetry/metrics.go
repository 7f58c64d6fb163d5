/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry also defines the Prometheus metrics for the Agent
// Kernel, registered against the default registry so they are served
// wherever the embedding process already exposes /metrics.
//
// Metric naming follows Prometheus conventions:
//   - legator_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts runs by terminal status (complete, failed, cancelled).
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_runs_total",
			Help: "Total number of runs by terminal status.",
		},
		[]string{"status"},
	)

	// StepsTotal counts steps by terminal status (completed, failed).
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_steps_total",
			Help: "Total number of steps by terminal status.",
		},
		[]string{"status"},
	)

	// JobClaimDurationSeconds is a histogram of how long a worker waited
	// between polling and successfully claiming a run job.
	JobClaimDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "legator_job_claim_duration_seconds",
			Help:    "Duration between a worker's claim attempt and a successful claim.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target_role"},
	)

	// CorrectionAttemptsTotal counts correction cycles by the classifier's
	// architecture-collapse verdict.
	CorrectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_correction_attempts_total",
			Help: "Total correction cycles attempted, split by whether the classifier flagged an architecture collapse.",
		},
		[]string{"architecture_collapse"},
	)

	// ConvergenceStalledTotal counts runs whose correction budget was
	// exhausted without the run converging to a passing step.
	ConvergenceStalledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legator_convergence_stalled_total",
			Help: "Total runs that failed after exhausting their correction attempt budget.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		StepsTotal,
		JobClaimDurationSeconds,
		CorrectionAttemptsTotal,
		ConvergenceStalledTotal,
	)
}

// RecordRunTerminal records a run reaching a terminal status.
func RecordRunTerminal(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}

// RecordStepTerminal records a step reaching a terminal status.
func RecordStepTerminal(status string) {
	StepsTotal.WithLabelValues(status).Inc()
}

// RecordJobClaim records how long a worker's claim attempt took to resolve.
func RecordJobClaim(targetRole string, wait time.Duration) {
	JobClaimDurationSeconds.WithLabelValues(targetRole).Observe(wait.Seconds())
}

// RecordCorrectionAttempt records one classify/re-plan cycle.
func RecordCorrectionAttempt(architectureCollapse bool) {
	label := "false"
	if architectureCollapse {
		label = "true"
	}
	CorrectionAttemptsTotal.WithLabelValues(label).Inc()
}

// RecordConvergenceStalled records a run failing after exhausting its
// correction attempt budget.
func RecordConvergenceStalled() {
	ConvergenceStalledTotal.Inc()
}
