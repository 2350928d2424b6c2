// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors
type Metrics struct {
	Spins             *prometheus.CounterVec
	Verifications     *prometheus.CounterVec
	TransferAttempts  *prometheus.CounterVec
	TransferDuration  prometheus.Histogram
	BalanceLookups    *prometheus.CounterVec
	PendingPrizeTotal prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil registerer leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Spins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microslot",
			Name:      "spins_total",
			Help:      "Spin requests by outcome.",
		}, []string{"outcome"}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microslot",
			Name:      "credential_verifications_total",
			Help:      "Payment credential verifications by result code.",
		}, []string{"result"}),
		TransferAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microslot",
			Name:      "transfer_attempts_total",
			Help:      "Ledger transfer submissions by kind and result.",
		}, []string{"kind", "result"}),
		TransferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "microslot",
			Name:      "transfer_duration_seconds",
			Help:      "Time from lock acquisition to confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		BalanceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microslot",
			Name:      "balance_lookups_total",
			Help:      "Balance lookups by source.",
		}, []string{"source"}),
		PendingPrizeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "microslot",
			Name:      "pending_prizes_total",
			Help:      "Prize credits that failed and were queued for a later claim.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Spins,
			m.Verifications,
			m.TransferAttempts,
			m.TransferDuration,
			m.BalanceLookups,
			m.PendingPrizeTotal,
		)
	}

	return m
}
