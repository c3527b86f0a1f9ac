// Package metrics provides Prometheus metrics for the dispensing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine metrics.
type Metrics struct {
	DispensingsCompleted prometheus.Counter
	DispensingsRejected  *prometheus.CounterVec
	DispenseDuration     prometheus.Histogram
	OutboxPending        prometheus.Gauge
	PDMPReportsConfirmed prometheus.Counter
	PDMPReportsFailed    prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		DispensingsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensings_completed_total",
			Help: "Total dispensings committed",
		}),
		DispensingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispensings_rejected_total",
			Help: "Total dispensings rejected, by reason",
		}, []string{"reason"}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispense_duration_seconds",
			Help:    "End-to-end dispensing pipeline duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		PDMPReportsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdmp_reports_confirmed_total",
			Help: "Controlled-substance logs confirmed reported to PDMP",
		}),
		PDMPReportsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdmp_reports_failed_total",
			Help: "PDMP report submissions that failed",
		}),
	}

	prometheus.MustRegister(
		m.DispensingsCompleted,
		m.DispensingsRejected,
		m.DispenseDuration,
		m.OutboxPending,
		m.PDMPReportsConfirmed,
		m.PDMPReportsFailed,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
