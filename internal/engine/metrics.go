package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "defisim"

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	attempts     prometheus.Counter
	infraRetries prometheus.Counter
	fallbacks    prometheus.Counter
	corrections  *prometheus.CounterVec
	results      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		attempts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attempts_total",
				Help:      "Simulation attempts started, including retries.",
			}),
		infraRetries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "infrastructure_retries_total",
				Help:      "Attempts repeated unchanged after a fork or network failure.",
			}),
		fallbacks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "venue_fallbacks_total",
				Help:      "Actions re-built on an alternative venue after a failed call.",
			}),
		corrections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "corrections_total",
				Help:      "Plan corrections applied, by kind.",
			}, []string{"kind"}),
		results: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "results_total",
				Help:      "Terminal results, by outcome class.",
			}, []string{"outcome"}),
	}
}

func (m *Metrics) incAttempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) incInfraRetry() {
	if m != nil {
		m.infraRetries.Inc()
	}
}

func (m *Metrics) incFallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) incCorrection(kind CorrectionKind) {
	if m != nil {
		m.corrections.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incResult(outcome string) {
	if m != nil {
		m.results.WithLabelValues(outcome).Inc()
	}
}
