// Package metrics defines the Prometheus metrics exposed by the prediction
// engine: cycle throughput and skips, attestation health, ledger
// submissions, risk state and classifier performance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the prediction engine.
type Metrics struct {
	// Prediction pipeline metrics
	PredictionsTotal     prometheus.Counter     // Predictions emitted
	CyclesSkipped        *prometheus.CounterVec // Skipped cycles by reason
	ManualOverrides      prometheus.Counter     // Manual override predictions served
	CycleDuration        prometheus.Histogram   // End-to-end cycle duration
	PredictionConfidence prometheus.Histogram   // Confidence of emitted predictions

	// Attestation and ledger metrics
	AttestationFallbacks prometheus.Counter // Degraded attestations
	LedgerSubmitFailures prometheus.Counter // Failed round submissions
	UnknownRoundOutcomes prometheus.Counter // Outcome updates for unknown rounds

	// Risk metrics
	OutcomesTotal     *prometheus.CounterVec // Settled outcomes by result
	EmergencyStop     prometheus.Gauge       // 1 while halted
	Accuracy          prometheus.Gauge       // Lifetime accuracy
	ConsecutiveLosses prometheus.Gauge       // Current loss streak

	// Classifier metrics
	ClassifierLatency prometheus.Histogram // Inference latency
	ModelAge          prometheus.Gauge     // Model file age in seconds

	// Data feed metrics
	WSReconnects  prometheus.Counter // Tick stream reconnections
	TicksReceived prometheus.Counter // Tick messages received
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for
// testing, where the global registry would collide across cases).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions emitted",
		}),
		CyclesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prediction_cycles_skipped_total",
			Help: "Prediction cycles skipped, by reason",
		}, []string{"reason"}),
		ManualOverrides: factory.NewCounter(prometheus.CounterOpts{
			Name: "manual_overrides_total",
			Help: "Manual override predictions served",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_cycle_duration_seconds",
			Help:    "End-to-end prediction cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PredictionConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_confidence",
			Help:    "Confidence of emitted predictions",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 11),
		}),
		AttestationFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "attestation_fallbacks_total",
			Help: "Attestations that degraded to the message hash",
		}),
		LedgerSubmitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_submit_failures_total",
			Help: "Failed ledger round submissions",
		}),
		UnknownRoundOutcomes: factory.NewCounter(prometheus.CounterOpts{
			Name: "unknown_round_outcomes_total",
			Help: "Outcome updates referencing rounds not in history",
		}),
		OutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prediction_outcomes_total",
			Help: "Settled prediction outcomes, by result",
		}, []string{"result"}),
		EmergencyStop: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emergency_stop_active",
			Help: "1 while the emergency stop is active, 0 otherwise",
		}),
		Accuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prediction_accuracy",
			Help: "Lifetime prediction accuracy",
		}),
		ConsecutiveLosses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consecutive_losses",
			Help: "Current run of incorrect predictions",
		}),
		ClassifierLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "classifier_latency_seconds",
			Help:    "Classifier inference latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_age_seconds",
			Help: "Age of the loaded model file in seconds",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of tick stream reconnections",
		}),
		TicksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticks_received_total",
			Help: "Total number of tick messages received",
		}),
	}
}
