// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package director

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "nodeplane_waitlist"

// metrics instruments the director's sweeps.
type metrics struct {
	sweeps        prometheus.Counter
	sweepDuration prometheus.Histogram
	promotions    prometheus.Counter
	expirations   prometheus.Counter
	conflicts     prometheus.Counter
	liveTickets   prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		sweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sweeps_total",
				Help:      "The number of sweeps the director has completed.",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_duration_seconds",
				Help:      "The time taken by a single sweep.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		promotions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "promotions_total",
				Help:      "The number of tickets promoted to active.",
			},
		),
		expirations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "expirations_total",
				Help:      "The number of tickets moved to expired.",
			},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "conflicts_total",
				Help:      "The number of transitions lost to concurrent writers.",
			},
		),
		liveTickets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "live_tickets",
				Help:      "The number of queued or active tickets at the last sweep.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.sweeps.Describe(ch)
	m.sweepDuration.Describe(ch)
	m.promotions.Describe(ch)
	m.expirations.Describe(ch)
	m.conflicts.Describe(ch)
	m.liveTickets.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.sweeps.Collect(ch)
	m.sweepDuration.Collect(ch)
	m.promotions.Collect(ch)
	m.expirations.Collect(ch)
	m.conflicts.Collect(ch)
	m.liveTickets.Collect(ch)
}
