// Package metrics exposes Prometheus collectors for bootstrap runs.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerboot",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Submitted transactions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgerboot",
			Subsystem: "ledger",
			Name:      "transaction_duration_seconds",
			Help:      "Time from submission to receipt in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)
	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerboot",
			Subsystem: "deployer",
			Name:      "resolutions_total",
			Help:      "Contract resolutions by outcome (deployed, cached, abstract, failed).",
		},
		[]string{"outcome"},
	)
	deploymentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledgerboot",
			Subsystem: "deployer",
			Name:      "in_flight",
			Help:      "Deployments currently running in the DeployAll batch.",
		},
	)
	stateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgerboot",
			Subsystem: "bootstrap",
			Name:      "state_duration_seconds",
			Help:      "Bootstrap state duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state", "status"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerboot",
			Subsystem: "bootstrap",
			Name:      "runs_total",
			Help:      "Bootstrap runs by status.",
		},
		[]string{"status"},
	)
)

// RegisterMetrics registers every collector with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transactions, transactionDuration, deployments, deploymentsInFlight, stateDuration, runs)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// RecordTransaction counts one transaction and observes how long it took.
func RecordTransaction(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	transactions.WithLabelValues(kind, outcome).Inc()
	transactionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordResolution counts one contract resolution by outcome. Failed
// resolutions are counted as "failed".
func RecordResolution(outcome string, failed bool) {
	RegisterMetrics()
	if failed {
		outcome = "failed"
	}
	deployments.WithLabelValues(outcome).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement.
func TrackInFlight() func() {
	RegisterMetrics()
	deploymentsInFlight.Inc()
	return deploymentsInFlight.Dec
}

// RecordState observes the duration of a finished bootstrap state.
func RecordState(state string, err error, duration time.Duration) {
	RegisterMetrics()
	stateDuration.WithLabelValues(state, status(err)).Observe(duration.Seconds())
}

// RecordRun counts a finished run by status.
func RecordRun(err error) {
	RegisterMetrics()
	runs.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
