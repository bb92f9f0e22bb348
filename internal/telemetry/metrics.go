package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// #region collectors
// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Queries          *prometheus.CounterVec
	ProviderAttempts *prometheus.CounterVec
	Faithfulness     prometheus.Histogram
	QueryDuration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsgate",
			Name:      "queries_total",
			Help:      "Answered queries by gate decision and reason.",
		}, []string{"decision", "reason"}),
		ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsgate",
			Name:      "provider_attempts_total",
			Help:      "Provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		Faithfulness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "newsgate",
			Name:      "faithfulness_score",
			Help:      "Aggregated faithfulness score of scored answers.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "newsgate",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency by decision.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"decision"}),
	}
	if reg != nil {
		reg.MustRegister(m.Queries, m.ProviderAttempts, m.Faithfulness, m.QueryDuration)
	}
	return m
}

// #endregion collectors

// #region observe
// ObserveQuery counts one finished query. score is nil when none was computed.
func (m *Metrics) ObserveQuery(decision, reason string, score *float64, latency time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(decision, reason).Inc()
	m.QueryDuration.WithLabelValues(decision).Observe(latency.Seconds())
	if score != nil {
		m.Faithfulness.Observe(*score)
	}
}

// ObserveAttempt counts one provider call. outcome is "ok" or an error kind.
func (m *Metrics) ObserveAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderAttempts.WithLabelValues(provider, outcome).Inc()
}

// #endregion observe
