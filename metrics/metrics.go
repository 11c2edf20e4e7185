// Package metrics exposes the control core's Prometheus counters and
// gauges: capacity pressure, cache evictions, shadow divergences, and
// a live snapshot of RadixCache block accounting.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cpucore"

func newCounterVec(subsystem, name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, nil)
}

func newGaugeVec(subsystem, name, help string, labelNames ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
}

var (
	// CapacityPressure counts steps where admission stopped early for
	// lack of evictable blocks (spec.md §7's Capacity error kind,
	// which never reaches the request and is reported here instead).
	CapacityPressure = newCounterVec("admission", "capacity_pressure_total", "steps where prefill admission stalled for lack of free blocks")

	// CacheEvictions counts RadixCache leaves evicted.
	CacheEvictions = newCounterVec("cache", "evictions_total", "radix cache leaf nodes evicted under capacity pressure")

	// ShadowDivergences counts element-wise mismatches recorded by the
	// shadow comparator.
	ShadowDivergences = newCounterVec("shadow", "divergences_total", "element-wise mismatches between primary and shadow batch builders")

	// CacheBlocks reports the live total/evictable/protected block
	// counts, one gauge per kind label.
	CacheBlocks = newGaugeVec("cache", "blocks", "radix cache block accounting by kind", "kind")
)

func init() {
	prometheus.MustRegister(CapacityPressure, CacheEvictions, ShadowDivergences, CacheBlocks)
}
