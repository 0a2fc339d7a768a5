// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Prometheus counters backing GET /metrics
// and the dispatcher's per-outcome instrumentation.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acteon_dispatched_total",
			Help: "Total dispatch calls received, by namespace and tenant.",
		},
		[]string{"namespace", "tenant"},
	)

	outcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acteon_outcome_total",
			Help: "Total dispatch outcomes by outcome tag, namespace, and provider.",
		},
		[]string{"outcome", "namespace", "provider"},
	)

	circuitFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acteon_circuit_fallbacks_total",
			Help: "Total reroutes taken because a circuit breaker was open with a fallback configured.",
		},
		[]string{"from_provider", "to_provider"},
	)

	providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acteon_provider_call_duration_seconds",
			Help:    "Provider call latency, as observed by the executor.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	auditSinkFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "acteon_audit_sink_failures_total",
			Help: "Total audit Submit calls that returned an error (logged, never propagated to the dispatch path).",
		},
	)

	ruleEvaluationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acteon_rule_evaluation_errors_total",
			Help: "Total rule condition evaluation errors, by rule name.",
		},
		[]string{"rule"},
	)

	timerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acteon_timer_tick_duration_seconds",
			Help:    "Duration of one background timer-loop tick.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordDispatched increments the total dispatch counter.
func RecordDispatched(namespace, tenant string) {
	dispatchedTotal.WithLabelValues(namespace, tenant).Inc()
	atomic.AddInt64(&snapDispatched, 1)
}

// RecordOutcome increments the per-outcome counter. provider may be
// empty for outcomes not tied to a specific provider (Suppressed,
// Deduplicated, Throttled, Grouped, StateChanged, PendingApproval,
// ChainStarted).
func RecordOutcome(outcome, namespace, provider string) {
	outcomeTotal.WithLabelValues(outcome, namespace, provider).Inc()
	bumpSnapshot(outcome)
}

// RecordCircuitFallback increments the reroute-on-open-breaker counter.
func RecordCircuitFallback(fromProvider, toProvider string) {
	circuitFallbacksTotal.WithLabelValues(fromProvider, toProvider).Inc()
}

// ObserveProviderCall records one provider call's wall-clock duration.
func ObserveProviderCall(provider string, seconds float64) {
	providerCallDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordAuditSinkFailure increments the audit-sink-error counter.
func RecordAuditSinkFailure() {
	auditSinkFailuresTotal.Inc()
}

// RecordRuleEvaluationError increments the per-rule evaluation-error
// counter.
func RecordRuleEvaluationError(rule string) {
	ruleEvaluationErrorsTotal.WithLabelValues(rule).Inc()
}

// ObserveTimerTick records one timer-loop tick's duration.
func ObserveTimerTick(seconds float64) {
	timerTickDuration.Observe(seconds)
}
