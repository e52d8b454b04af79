package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the reconciliation module.
type Metrics struct {
	// Admission outcomes by transaction status and source
	AdmitOutcome *prometheus.CounterVec

	// Overall admission latency including matching and decision
	AdmitLatency prometheus.Histogram

	// Candidate pool size observed per matching run
	MatchCandidates prometheus.Histogram

	// Manual queue actions by action name
	ManualAction *prometheus.CounterVec

	// Uniqueness-constraint conflicts converted into idempotent retries
	ConflictRetries prometheus.Counter

	// Open review exceptions
	OpenExceptions prometheus.Gauge
}

// New creates a new Metrics instance with all reconciliation metrics registered.
func New() *Metrics {
	return &Metrics{
		AdmitOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_reconcile_outcomes_total",
			Help: "Total admission outcomes by resulting status and source",
		}, []string{"status", "source"}),

		AdmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_reconcile_admit_duration_seconds",
			Help:    "Duration of full candidate admission including matching and decision",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		MatchCandidates: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_reconcile_match_candidates",
			Help:    "Scored candidate count per matching run",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25, 50},
		}),

		ManualAction: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_reconcile_manual_actions_total",
			Help: "Total manual queue actions by action name",
		}, []string{"action"}),

		ConflictRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tally_reconcile_conflict_retries_total",
			Help: "Admissions that hit a uniqueness conflict and re-ran as duplicate checks",
		}),

		OpenExceptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tally_reconcile_open_exceptions",
			Help: "Review queue depth",
		}),
	}
}

// IncrementOutcome records one admission outcome.
func (m *Metrics) IncrementOutcome(status, source string) {
	if m != nil {
		m.AdmitOutcome.WithLabelValues(status, source).Inc()
	}
}

// ObserveAdmitLatency records the total admission duration.
func (m *Metrics) ObserveAdmitLatency(d time.Duration) {
	if m != nil {
		m.AdmitLatency.Observe(d.Seconds())
	}
}

// ObserveCandidates records the scored candidate count for one matching run.
func (m *Metrics) ObserveCandidates(n int) {
	if m != nil {
		m.MatchCandidates.Observe(float64(n))
	}
}

// IncrementManualAction records one queue action.
func (m *Metrics) IncrementManualAction(action string) {
	if m != nil {
		m.ManualAction.WithLabelValues(action).Inc()
	}
}

// IncrementConflictRetry records one constraint-conflict retry.
func (m *Metrics) IncrementConflictRetry() {
	if m != nil {
		m.ConflictRetries.Inc()
	}
}

// ExceptionOpened records one new review item.
func (m *Metrics) ExceptionOpened() {
	if m != nil {
		m.OpenExceptions.Inc()
	}
}

// ExceptionClosed records one resolved review item.
func (m *Metrics) ExceptionClosed() {
	if m != nil {
		m.OpenExceptions.Dec()
	}
}
