/*
Copyright 2026 FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes FlakeGuard's Prometheus instrumentation as
// package-level collectors plus small Record/Set helpers, so every layer
// of the service reports through the same vocabulary without passing a
// registry handle around.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flakeguard"

var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Inbound webhook deliveries by event type and outcome.",
	}, []string{"event", "outcome"})

	WebhookVerificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_verification_failures_total",
		Help:      "Webhook deliveries rejected for an invalid HMAC signature.",
	})

	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs enqueued onto the broker by kind.",
	}, []string{"kind"})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Jobs completed by the executor, by kind and outcome (ack, retry, dropped).",
	}, []string{"kind", "outcome"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_processing_duration_seconds",
		Help:      "Wall-clock time spent executing one reserved job.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	ArtifactsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifacts_fetched_total",
		Help:      "Workflow run artifacts streamed and parsed, by outcome (parsed, skipped_expired, failed).",
	}, []string{"outcome"})

	ParseWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_warnings_total",
		Help:      "Malformed test report files tolerated during a single run's ingestion.",
	})

	FlakeScoresComputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flake_scores_computed_total",
		Help:      "Flakiness scores computed across all scored test cases.",
	})

	CheckRunsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "check_runs_published_total",
		Help:      "Check runs created or updated by the decision publisher, by conclusion.",
	}, []string{"conclusion"})

	CheckRunCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "check_run_callbacks_total",
		Help:      "Check run action button callbacks handled, by action and outcome.",
	}, []string{"action", "outcome"})

	PlatformRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "platform_requests_total",
		Help:      "Outbound platform API calls, by endpoint and result code.",
	}, []string{"endpoint", "code"})

	PlatformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "platform_request_duration_seconds",
		Help:      "Latency of outbound platform API calls, by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state per endpoint: 0=closed, 1=half-open, 2=open.",
	}, []string{"endpoint"})

	OccurrencesPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "occurrences_pruned_total",
		Help:      "Occurrence rows deleted by the retention job.",
	})

	RetentionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_runs_total",
		Help:      "Retention sweeps completed, by outcome.",
	}, []string{"outcome"})
)

// RecordWebhookDelivery records one inbound webhook delivery outcome
// (spec §4.1): "accepted", "duplicate", "invalid_signature", "unsupported_event",
// "enqueue_failed".
func RecordWebhookDelivery(event, outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(event, outcome).Inc()
	if outcome == "invalid_signature" {
		WebhookVerificationFailuresTotal.Inc()
	}
}

// RecordJobEnqueued records one job handed to the broker.
func RecordJobEnqueued(kind string) {
	JobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordJobProcessed records one reserved job reaching a terminal outcome
// for this attempt: "ack" (succeeded), "retry"
// (released back to the broker), or "dropped" (acked after a
// non-retryable failure, per the executor's propagation policy).
func RecordJobProcessed(kind, outcome string, duration time.Duration) {
	JobsProcessedTotal.WithLabelValues(kind, outcome).Inc()
	JobProcessingDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordArtifactOutcome records one artifact's fetch/parse result.
func RecordArtifactOutcome(outcome string) {
	ArtifactsFetchedTotal.WithLabelValues(outcome).Inc()
}

// RecordParseWarnings adds n tolerated parse warnings to the running total.
func RecordParseWarnings(n int) {
	if n <= 0 {
		return
	}
	ParseWarningsTotal.Add(float64(n))
}

// RecordFlakeScoresComputed adds n newly computed flake scores.
func RecordFlakeScoresComputed(n int) {
	if n <= 0 {
		return
	}
	FlakeScoresComputedTotal.Add(float64(n))
}

// RecordCheckRunPublished records one check run create/update, keyed by
// its final conclusion ("success", "neutral", "action_required").
func RecordCheckRunPublished(conclusion string) {
	CheckRunsPublishedTotal.WithLabelValues(conclusion).Inc()
}

// RecordCheckRunCallback records one action-button callback, keyed by its
// action identifier and whether the platform call it triggered succeeded.
func RecordCheckRunCallback(action, outcome string) {
	CheckRunCallbacksTotal.WithLabelValues(action, outcome).Inc()
}

// RecordPlatformRequest records one completed outbound platform call.
func RecordPlatformRequest(endpoint, code string, duration time.Duration) {
	PlatformRequestsTotal.WithLabelValues(endpoint, code).Inc()
	PlatformRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// circuitStateValue mirrors gobreaker.State's own ordering (closed=0,
// half-open=1, open=2) without importing gobreaker here.
var circuitStateValue = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// SetCircuitBreakerState records a named breaker's new state after a
// transition observed via circuitbreaker.Manager.Observe.
func SetCircuitBreakerState(endpoint, state string) {
	CircuitBreakerState.WithLabelValues(endpoint).Set(circuitStateValue[state])
}

// RecordRetentionRun records one completed retention sweep and the
// occurrence rows it deleted.
func RecordRetentionRun(outcome string, pruned int64) {
	RetentionRunsTotal.WithLabelValues(outcome).Inc()
	if pruned > 0 {
		OccurrencesPrunedTotal.Add(float64(pruned))
	}
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
