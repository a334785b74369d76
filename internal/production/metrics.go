package production

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trainDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "airq_production_train_duration_seconds",
		Help:    "Wall time to refit and publish a production version",
		Buckets: prometheus.ExponentialBuckets(0.5, 4, 8),
	}, []string{"mode"})

	versionsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airq_production_versions_published_total",
		Help: "Production model versions committed to the artifact store",
	})

	promotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airq_production_promotions_total",
		Help: "Promotions recorded",
	})
)
