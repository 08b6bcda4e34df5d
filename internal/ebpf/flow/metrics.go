// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the flow table's occupancy and throughput counters.
// Each Manager instance registers its own metric set labeled by instance
// ID so multiple engines in one process don't collide.
type Metrics struct {
	memuse    prometheus.Gauge
	count     prometheus.Gauge
	emergency prometheus.Gauge

	created     prometheus.Counter
	evicted     prometheus.Counter
	allocFailed prometheus.Counter
}

// NewMetrics builds and registers a Metrics set labeled with instance. It
// registers against the default registerer; a collision (the same
// instance ID registered twice) is non-fatal: the already-registered
// collector is reused. Any other registration error is ignored and the
// unregistered metric is returned.
func NewMetrics(instance string) *Metrics {
	labels := prometheus.Labels{"instance": instance}

	m := &Metrics{
		memuse: mustRegisterGauge(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowguard",
			Subsystem:   "flow",
			Name:        "memuse_bytes",
			Help:        "Current flow table memory usage in bytes.",
			ConstLabels: labels,
		})),
		count: mustRegisterGauge(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowguard",
			Subsystem:   "flow",
			Name:        "live_count",
			Help:        "Number of flows currently resident in the table.",
			ConstLabels: labels,
		})),
		emergency: mustRegisterGauge(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowguard",
			Subsystem:   "flow",
			Name:        "emergency",
			Help:        "1 when the flow table is in emergency mode, 0 otherwise.",
			ConstLabels: labels,
		})),
		created: mustRegisterCounter(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "flowguard",
			Subsystem:   "flow",
			Name:        "created_total",
			Help:        "Total flows created.",
			ConstLabels: labels,
		})),
		evicted: mustRegisterCounter(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "flowguard",
			Subsystem:   "flow",
			Name:        "evicted_total",
			Help:        "Total flows evicted by the reclaimer.",
			ConstLabels: labels,
		})),
		allocFailed: mustRegisterCounter(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "flowguard",
			Subsystem:   "flow",
			Name:        "alloc_failed_total",
			Help:        "Total flow allocation failures due to the memory cap.",
			ConstLabels: labels,
		})),
	}
	return m
}

func mustRegisterGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

func mustRegisterCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func (m *Metrics) observePacket(t *Table) {
	if m == nil {
		return
	}
	m.memuse.Set(float64(t.MemUse()))
	m.count.Set(float64(t.LiveCount()))
	if t.Emergency() {
		m.emergency.Set(1)
	} else {
		m.emergency.Set(0)
	}
}

func (m *Metrics) observeReclaim(evicted int, t *Table) {
	if m == nil {
		return
	}
	if evicted > 0 {
		m.evicted.Add(float64(evicted))
	}
	m.memuse.Set(float64(t.MemUse()))
	m.count.Set(float64(t.LiveCount()))
}

func (m *Metrics) observeAllocFailure() {
	if m == nil {
		return
	}
	m.allocFailed.Add(1)
}

func (m *Metrics) observeCreated() {
	if m == nil {
		return
	}
	m.created.Add(1)
}
