// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the signal triage
// control plane.
//
// # Description
//
// Metrics cover the full signal path:
//   - Admission counters (enqueued, dropped, rate deferrals)
//   - Batch counters and savings gauges
//   - Cache hit/miss counters for both tiers
//   - Pipeline stage latency histograms and escalation counters
//   - Review and publication outcome counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "sentinel"

// Metrics holds all Prometheus metrics for the triage pipeline.
//
// # Description
//
// Initialize once at startup via InitMetrics(); the handlers and the
// orchestrator record into the DefaultMetrics singleton.
type Metrics struct {
	// SignalsTotal counts signals by source and admission outcome.
	// Labels: source (gmail, slack, sheets), outcome (enqueued, dropped)
	SignalsTotal *prometheus.CounterVec

	// BatchesTotal counts dispatched batches by trigger reason.
	// Labels: reason (timer, empty_queue, urgency, queue_full, shutdown)
	BatchesTotal *prometheus.CounterVec

	// OracleCallsSaved counts oracle calls avoided by batching.
	OracleCallsSaved prometheus.Counter

	// CacheRequestsTotal counts cache lookups by tier and outcome.
	// Labels: tier (classification, response), outcome (hit, miss)
	CacheRequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage pipeline latency.
	// Labels: stage (preprocess, classify, decide, extract, build_parameters)
	StageDurationSeconds *prometheus.HistogramVec

	// PipelineOutcomesTotal counts terminal pipeline outcomes.
	// Labels: outcome (completed, escalated)
	PipelineOutcomesTotal *prometheus.CounterVec

	// ReviewsTotal counts review resolutions.
	// Labels: outcome (approved, rejected, timeout)
	ReviewsTotal *prometheus.CounterVec

	// PendingReviews tracks reviews currently awaiting sign-off.
	PendingReviews prometheus.Gauge

	// PublicationsTotal counts publication outcomes.
	// Labels: status (published, pending_approval, rejected, failed)
	PublicationsTotal *prometheus.CounterVec

	// QueueDepth tracks the admission queue depth.
	QueueDepth prometheus.Gauge
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics creates and registers all metrics. Call once at startup.
func InitMetrics() *Metrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}
	DefaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// newMetrics registers against reg; split out so tests can use a private
// registry.
func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signals_total",
			Help:      "Signals by source and admission outcome.",
		}, []string{"source", "outcome"}),

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Dispatched batches by trigger reason.",
		}, []string{"reason"}),

		OracleCallsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oracle_calls_saved_total",
			Help:      "Oracle calls avoided by batching.",
		}),

		CacheRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),

		StageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Per-stage pipeline latency.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),

		PipelineOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Terminal pipeline outcomes.",
		}, []string{"outcome"}),

		ReviewsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reviews_total",
			Help:      "Review resolutions by outcome.",
		}, []string{"outcome"}),

		PendingReviews: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_reviews",
			Help:      "Reviews currently awaiting sign-off.",
		}),

		PublicationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publications_total",
			Help:      "Publication outcomes by status.",
		}, []string{"status"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Current admission queue depth.",
		}),
	}
}
