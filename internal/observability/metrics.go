package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values for AllocationsTotal.
const (
	OutcomeAssigned = "assigned"
	OutcomeEmpty    = "empty"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	// AllocationsTotal counts engine operations by op (allocate, claim,
	// manager_allocate, reassign, resolve, deallocate, move) and outcome.
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_allocations_total",
			Help: "Conversation routing operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// ReclaimedTotal counts conversations returned to the queue by the
	// grace-period sweep.
	ReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_reclaimed_total",
			Help: "Conversations released back to the queue after their hold expired.",
		},
	)

	// SweepDuration records how long each grace-period sweep took.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_sweep_duration_seconds",
			Help:    "Duration of grace-period sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EventsTotal counts lifecycle notifications by sink and outcome
	// (sent, failed).
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_events_total",
			Help: "Lifecycle notifications delivered to the event sink.",
		},
		[]string{"sink", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(AllocationsTotal, ReclaimedTotal, SweepDuration, EventsTotal)
}

// ObserveOp records one engine operation. err == nil with assigned == false
// counts as an empty result.
func ObserveOp(op string, assigned bool, err error, rejected func(error) bool) {
	outcome := OutcomeAssigned
	switch {
	case err != nil && rejected != nil && rejected(err):
		outcome = OutcomeRejected
	case err != nil:
		outcome = OutcomeError
	case !assigned:
		outcome = OutcomeEmpty
	}
	AllocationsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveSweep records a finished sweep that released n conversations.
func ObserveSweep(start time.Time, n int) {
	SweepDuration.Observe(time.Since(start).Seconds())
	ReclaimedTotal.Add(float64(n))
}
