package experiment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cellsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airq_experiment_cells_total",
		Help: "Experiment matrix cells completed, by outcome",
	}, []string{"mode", "algorithm", "status"})

	cellDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airq_experiment_cell_duration_seconds",
		Help:    "Wall time to build, fit and score one matrix cell",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"algorithm"})

	validationRMSE = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airq_experiment_validation_rmse",
		Help: "Validation RMSE of the latest succeeded cell",
	}, []string{"mode", "algorithm"})
)

func observeCell(r Run) {
	cellsTotal.WithLabelValues(r.Mode, string(r.Algorithm), string(r.Status)).Inc()
	cellDuration.WithLabelValues(string(r.Algorithm)).Observe(float64(r.DurationMS) / 1000)
	if r.Succeeded() {
		validationRMSE.WithLabelValues(r.Mode, string(r.Algorithm)).Set(r.Validation.RMSE)
	}
}
