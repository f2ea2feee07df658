package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the prediction service
type Metrics struct {
	Predictions       prometheus.Counter
	PredictionErrors  *prometheus.CounterVec
	PredictionLatency prometheus.Histogram
	Reloads           *prometheus.CounterVec
	ModelLoaded       prometheus.Gauge
}

// NewMetrics creates prediction metrics registered on reg; a nil reg leaves them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Predictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "prediction",
			Name:      "predictions_total",
			Help:      "Total number of deployments scored",
		}),
		PredictionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "prediction",
			Name:      "errors_total",
			Help:      "Prediction failures by error code",
		}, []string{"code"}),
		PredictionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "riskrank",
			Subsystem: "prediction",
			Name:      "latency_seconds",
			Help:      "Time spent scoring one deployment",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		Reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "prediction",
			Name:      "reloads_total",
			Help:      "Model reload attempts by outcome",
		}, []string{"outcome"}),
		ModelLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "riskrank",
			Subsystem: "prediction",
			Name:      "model_loaded",
			Help:      "1 when a model is loaded and serving",
		}),
	}
}
