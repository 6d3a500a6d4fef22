// ABOUTME: Prometheus instrumentation for the inbound pipeline and router
// ABOUTME: Nil-safe: a nil *Metrics disables collection without branching at call sites

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the roomkit collectors. Construct with New against the
// host's registry; a nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsProcessed   *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	hookErrors        prometheus.Counter
	transcodeFailures prometheus.Counter
	reentryBlocked    prometheus.Counter
	pipelineDuration  prometheus.Histogram
}

// New registers the roomkit collectors with reg. Pass
// prometheus.DefaultRegisterer to use the process-global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomkit_events_processed_total",
			Help: "Inbound events processed, by outcome (delivered, blocked, duplicate, failed).",
		}, []string{"outcome"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomkit_deliveries_total",
			Help: "Transport delivery attempts, by outcome (succeeded, failed, circuit_open).",
		}, []string{"outcome"}),
		hookErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomkit_hook_errors_total",
			Help: "Hook executions that errored or timed out.",
		}),
		transcodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomkit_transcode_failures_total",
			Help: "Broadcast targets skipped because content was not transcodable.",
		}),
		reentryBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomkit_reentry_blocked_total",
			Help: "Reentry events blocked by the chain depth limit.",
		}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomkit_pipeline_duration_seconds",
			Help:    "End-to-end inbound pipeline duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// EventProcessed records an inbound pipeline outcome.
func (m *Metrics) EventProcessed(outcome string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(outcome).Inc()
}

// Delivery records a transport delivery outcome.
func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// HookError counts a hook failure.
func (m *Metrics) HookError() {
	if m == nil {
		return
	}
	m.hookErrors.Inc()
}

// TranscodeFailure counts a skipped broadcast target.
func (m *Metrics) TranscodeFailure() {
	if m == nil {
		return
	}
	m.transcodeFailures.Inc()
}

// ReentryBlocked counts a chain-depth block.
func (m *Metrics) ReentryBlocked() {
	if m == nil {
		return
	}
	m.reentryBlocked.Inc()
}

// ObservePipeline records a pipeline run's duration.
func (m *Metrics) ObservePipeline(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.Observe(d.Seconds())
}
