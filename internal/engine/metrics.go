package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: общее время решения и разбивка по стадиям конвейера
	DecisionDuration *prometheus.HistogramVec
	StageDuration    *prometheus.HistogramVec

	// Traffic: вердикты по типам
	DecisionsTotal *prometheus.CounterVec

	// Errors: классификация отказов конвейера
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker долговременных хранилищ
	CircuitBreakerState *prometheus.GaugeVec

	// Evidence: заполненность буфера (backpressure) и потери при переполнении
	EvidenceBufferFill prometheus.Gauge
	EvidenceDropped    prometheus.Counter

	// Режим деградации (0 — штатный, 1 — safe mode)
	SafeModeActive prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fraudgate_decision_duration_seconds",
			Help:    "End-to-end decision latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .15, .2, .25, .5, 1},
		}, []string{"decision"}),

		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fraudgate_stage_duration_seconds",
			Help:    "Per-stage latency of the decision pipeline.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .2},
		}, []string{"stage"}), // стадии: features, detect, scoring, policy

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fraudgate_decisions_total",
			Help: "Total number of decisions by verdict.",
		}, []string{"decision", "source"}), // source: pipeline, cache, safe_mode, timeout

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fraudgate_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: invalid_event, idempotency_down, timeout, rate_limit

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fraudgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"store"}),

		EvidenceBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fraudgate_evidence_buffer_utilization",
			Help: "Current number of records in evidence buffer.",
		}),

		EvidenceDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fraudgate_evidence_dropped_total",
			Help: "Evidence records dropped due to buffer overflow.",
		}),

		SafeModeActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fraudgate_safe_mode_active",
			Help: "Whether the gateway is in degraded safe mode.",
		}),
	}
}
