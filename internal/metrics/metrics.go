// Package metrics records Prometheus counters and histograms for the
// compaction engine, integrity checker, and retrieval engine, adapted from
// the teacher's pkg/agent/middleware/metrics/prometheus.go PrometheusRecorder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the interface compaction/integrity/retrieval depend on, so
// tests can substitute a no-op implementation without pulling in a registry.
type Recorder interface {
	ObserveCompaction(conversationID string, tier string, compacted bool, duration time.Duration)
	ObserveIntegrityViolation(code string, fixable bool)
	ObserveIntegrityRepair(applied int)
	ObserveRetrieval(op string, truncated bool, duration time.Duration)
}

// PrometheusRecorder is the production Recorder backed by promauto-registered
// collectors in the default registry.
type PrometheusRecorder struct {
	compactionsTotal   *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
	integrityViolation *prometheus.CounterVec
	integrityRepaired  prometheus.Counter
	retrievalTotal     *prometheus.CounterVec
	retrievalDuration  *prometheus.HistogramVec
}

// NewPrometheusRecorder registers and returns the LCM metric collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		compactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lcm_compactions_total",
				Help: "Total number of compaction passes by conversation, tier, and outcome",
			},
			[]string{"conversation_id", "tier", "outcome"},
		),
		compactionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lcm_compaction_duration_seconds",
				Help:    "Duration of compaction passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		integrityViolation: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lcm_integrity_violations_total",
				Help: "Total integrity violations found, by code and fixability",
			},
			[]string{"code", "fixable"},
		),
		integrityRepaired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lcm_integrity_repairs_applied_total",
				Help: "Total number of fixable violations repaired",
			},
		),
		retrievalTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lcm_retrieval_calls_total",
				Help: "Total retrieval calls by operation and truncation outcome",
			},
			[]string{"op", "truncated"},
		),
		retrievalDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lcm_retrieval_duration_seconds",
				Help:    "Duration of retrieval calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
}

func (r *PrometheusRecorder) ObserveCompaction(conversationID, tier string, compacted bool, duration time.Duration) {
	outcome := "no_change"
	if compacted {
		outcome = "compacted"
	}
	r.compactionsTotal.WithLabelValues(conversationID, tier, outcome).Inc()
	r.compactionDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) ObserveIntegrityViolation(code string, fixable bool) {
	label := "false"
	if fixable {
		label = "true"
	}
	r.integrityViolation.WithLabelValues(code, label).Inc()
}

func (r *PrometheusRecorder) ObserveIntegrityRepair(applied int) {
	r.integrityRepaired.Add(float64(applied))
}

func (r *PrometheusRecorder) ObserveRetrieval(op string, truncated bool, duration time.Duration) {
	label := "false"
	if truncated {
		label = "true"
	}
	r.retrievalTotal.WithLabelValues(op, label).Inc()
	r.retrievalDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Noop satisfies Recorder without touching any global registry; used by
// default and in tests so repeated test-process runs don't panic on
// duplicate promauto registration.
type Noop struct{}

func (Noop) ObserveCompaction(string, string, bool, time.Duration) {}
func (Noop) ObserveIntegrityViolation(string, bool)                {}
func (Noop) ObserveIntegrityRepair(int)                            {}
func (Noop) ObserveRetrieval(string, bool, time.Duration)          {}
