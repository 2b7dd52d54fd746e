package collection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for the registry, the committers and the query executor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheEntries  *prometheus.GaugeVec
	evictions     *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	committedRows *prometheus.CounterVec
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

// NewMetrics creates the collection metrics and registers them
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcol_registry_cache_entries",
			Help: "Number of cached entity instances",
		},
		[]string{"kind"},
	)

	m.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcol_registry_evictions_total",
			Help: "Total number of cache entries removed by sweeps",
		},
		[]string{"kind"},
	)

	m.sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcol_registry_sweeps_total",
			Help: "Total number of cache sweeps",
		},
		[]string{"status"}, // status: run, scanning, contended
	)

	m.flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcol_registry_flushes_total",
			Help: "Total number of dirty set flushes",
		},
		[]string{"status"}, // status: success, error
	)

	m.committedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcol_committer_rows_total",
			Help: "Total number of rows written by the table committers",
		},
		[]string{"table", "op"}, // op: insert, update
	)

	m.queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcol_queries_total",
			Help: "Total number of executed collection queries",
		},
		[]string{"type", "outcome"}, // outcome: success, error, aborted
	)

	m.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcol_query_duration_seconds",
			Help:    "Time taken to execute and materialize a query",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"type"},
	)
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.cacheEntries.Describe(ch)
	m.evictions.Describe(ch)
	m.sweeps.Describe(ch)
	m.flushes.Describe(ch)
	m.committedRows.Describe(ch)
	m.queries.Describe(ch)
	m.queryDuration.Describe(ch)
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.cacheEntries.Collect(ch)
	m.evictions.Collect(ch)
	m.sweeps.Collect(ch)
	m.flushes.Collect(ch)
	m.committedRows.Collect(ch)
	m.queries.Collect(ch)
	m.queryDuration.Collect(ch)
}

func (m *Metrics) setCacheEntries(kind string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) recordEvictions(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) recordSweep(status string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(status).Inc()
}

func (m *Metrics) recordFlush(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.flushes.WithLabelValues(status).Inc()
}

func (m *Metrics) recordRows(table, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.committedRows.WithLabelValues(table, op).Add(float64(n))
}

func (m *Metrics) recordQuery(queryType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(queryType, outcome).Inc()
	m.queryDuration.WithLabelValues(queryType).Observe(elapsed.Seconds())
}
