package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for record streaming
type Metrics struct {
	RecordsTotal    *prometheus.CounterVec
	RecordsFailed   *prometheus.CounterVec
	RecordsFiltered prometheus.Counter
	LinesSkipped    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPRetries     prometheus.Counter
	AlertsCached    prometheus.Gauge
}

// NewMetrics creates stream metrics registered on reg; a nil reg leaves them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Total number of records turned into training samples",
		}, []string{"source"}),
		RecordsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "records_failed_total",
			Help:      "Total number of records skipped because processing failed",
		}, []string{"source"}),
		RecordsFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "records_filtered_total",
			Help:      "Total number of records dropped by the record filter",
		}),
		LinesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "lines_skipped_total",
			Help:      "Total number of input lines skipped by reason",
		}, []string{"reason"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "http_requests_total",
			Help:      "Export requests by endpoint and status code",
		}, []string{"endpoint", "code"}),
		HTTPRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "http_retries_total",
			Help:      "Total number of retried export requests",
		}),
		AlertsCached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "riskrank",
			Subsystem: "stream",
			Name:      "alerts_cached",
			Help:      "Number of deployments with cached alerts",
		}),
	}
}
