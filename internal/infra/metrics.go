package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Ingest: исход каждого показания (accepted, stale, duplicate, unknown_node, invalid)
	ReadingsTotal *prometheus.CounterVec

	// Ingest: сколько векторов отдано скорингу и по какому триггеру
	WindowsEmitted *prometheus.CounterVec

	// Latency скоринга одного окна
	ScoringDuration prometheus.Histogram

	// Результаты скоринга по severity и признаку деградации
	ScoresTotal *prometheus.CounterVec

	// Lifecycle
	AnomaliesCreated    *prometheus.CounterVec
	AnomaliesResolved   prometheus.Counter
	AnomaliesSuppressed prometheus.Counter
	OpenAnomalies       prometheus.Gauge

	// HTTP
	RequestDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Журнал событий: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ReadingsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_readings_total",
			Help: "Telemetry readings by ingest outcome.",
		}, []string{"result"}),

		WindowsEmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_windows_emitted_total",
			Help: "Feature vectors handed to scoring, by trigger.",
		}, []string{"trigger"}),

		ScoringDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_scoring_duration_seconds",
			Help:    "Histogram of per-window scoring latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		ScoresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_scores_total",
			Help: "Score results by severity and degradation flag.",
		}, []string{"severity", "degraded"}),

		AnomaliesCreated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_anomalies_created_total",
			Help: "Anomalies opened, by attack type.",
		}, []string{"attack_type"}),

		AnomaliesResolved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentinel_anomalies_resolved_total",
			Help: "Anomalies transitioned to resolved.",
		}),

		AnomaliesSuppressed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentinel_anomalies_suppressed_total",
			Help: "Detections suppressed by the per-node cooldown.",
		}),

		OpenAnomalies: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_open_anomalies",
			Help: "Current number of unresolved anomalies.",
		}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 0.5=half-open).",
		}, []string{"name"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_journal_buffer_utilization",
			Help: "Current number of events in the anomaly journal buffer.",
		}),
	}
}
