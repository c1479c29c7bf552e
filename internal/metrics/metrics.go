// Package metrics centralizes Prometheus instrumentation for the
// advisory engine. Collectors are created against an explicit registry
// so tests can run with isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	Registry *prometheus.Registry

	AnalysesTotal prometheus.Counter
	RuleOnlyTotal prometheus.Counter
	FinalScores   prometheus.Histogram

	MLPredictions      prometheus.Counter
	MLFailures         prometheus.Counter
	MLLatency          prometheus.Histogram
	MLPredictionScores prometheus.Histogram

	FeedbackAccepted prometheus.Counter
	FeedbackRejected prometheus.Counter

	TrainingCycles   prometheus.Counter
	TrainingFailures prometheus.Counter
	Promotions       prometheus.Counter
	Rejections       prometheus.Counter

	ActiveModelMetric prometheus.Gauge
	BufferSize        prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates the collectors on the given registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		AnalysesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_analyses_total",
			Help: "Total stroke analyses performed",
		}),
		RuleOnlyTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_rule_only_analyses_total",
			Help: "Analyses that degraded to rule-only scoring",
		}),
		FinalScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_final_scores",
			Help:    "Distribution of fused final scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		MLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_ml_predictions_total",
			Help: "Total quality predictor inference calls",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_ml_failures_total",
			Help: "Predictor calls that failed",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_ml_latency_seconds",
			Help:    "Predictor inference latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		MLPredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_ml_confidence",
			Help:    "Distribution of predictor confidence values",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		FeedbackAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_feedback_accepted_total",
			Help: "Feedback records accepted into the training buffer",
		}),
		FeedbackRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_feedback_rejected_total",
			Help: "Feedback records rejected by validation",
		}),

		TrainingCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_training_cycles_total",
			Help: "Retraining cycles started",
		}),
		TrainingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_training_failures_total",
			Help: "Retraining cycles that failed",
		}),
		Promotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_model_promotions_total",
			Help: "Candidate models promoted to active",
		}),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_model_rejections_total",
			Help: "Candidate models rejected during validation",
		}),

		ActiveModelMetric: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coach_active_model_metric",
			Help: "Validation metric of the active model",
		}),
		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coach_feedback_buffer_size",
			Help: "Pending training examples in the feedback buffer",
		}),
	}
}
