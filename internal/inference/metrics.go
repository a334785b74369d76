package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airq_predictions_total",
		Help: "Predictions served by mode and outcome",
	}, []string{"mode", "outcome"})

	predictionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airq_prediction_duration_seconds",
		Help:    "Prediction latency including history lookup",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"mode"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airq_prediction_cache_lookups_total",
		Help: "Prediction cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	predictedAQI = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airq_predicted_aqi",
		Help:    "Composite AQI of served predictions",
		Buckets: []float64{50, 100, 150, 200, 300, 500},
	}, []string{"city"})
)
