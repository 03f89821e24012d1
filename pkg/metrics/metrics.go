// Package metrics exposes Prometheus collectors for both daemons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submission metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailabber_submissions_total",
			Help: "Total number of task submissions by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ailabber_tasks_active",
			Help: "Number of non-terminal tasks seen by the last reconcile cycle",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailabber_reconcile_cycles_total",
			Help: "Total number of reconcile cycles",
		},
	)

	ReconcileTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailabber_reconcile_transitions_total",
			Help: "Total number of state transitions committed by the reconciler",
		},
		[]string{"status"},
	)

	ReconcileErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ailabber_reconcile_errors_total",
			Help: "Total number of per-task poll errors",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ailabber_reconcile_duration_seconds",
			Help:    "Reconcile cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailabber_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	// Rsync metrics
	StagingPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ailabber_staging_pushes_total",
			Help: "Total number of rsync pushes by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileTransitionsTotal)
	prometheus.MustRegister(ReconcileErrorsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(StagingPushesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
