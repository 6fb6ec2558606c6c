// Package metrics provides Prometheus metrics for the mining pool
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pool Prometheus metrics
type Metrics struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsCurrent prometheus.Gauge

	// Stratum request metrics
	RequestsTotal  *prometheus.CounterVec
	RequestErrors  prometheus.Counter
	RequestLatency *prometheus.HistogramVec

	// Share metrics
	SharesTotal      *prometheus.CounterVec
	SharesLatency    prometheus.Histogram
	SharesDifficulty prometheus.Histogram

	// Block metrics
	BlocksFound prometheus.Counter

	// Job metrics
	JobsTotal prometheus.Counter

	// Payout metrics
	PayoutsTotal  prometheus.Counter
	PayoutsAmount prometheus.Counter

	// Pool metrics
	PoolHashrate prometheus.Gauge
	MinersActive prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new metrics instance
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "starkpool"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Connection metrics
	m.ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total number of miner connections",
	})

	m.ConnectionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_current",
		Help:      "Current number of active connections",
	})

	// Stratum request metrics
	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total stratum requests by method",
	}, []string{"method"})

	m.RequestErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_errors_total",
		Help:      "Total stratum requests answered with an error",
	})

	m.RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_latency_seconds",
		Help:      "Stratum request handling latency",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"method"})

	// Share metrics
	m.SharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_total",
		Help:      "Total shares submitted",
	}, []string{"status"}) // valid, invalid, duplicate

	m.SharesLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "shares_latency_seconds",
		Help:      "Share processing latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	m.SharesDifficulty = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "shares_difficulty",
		Help:      "Distribution of share difficulties",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	})

	// Block metrics
	m.BlocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_found_total",
		Help:      "Total blocks found by the pool",
	})

	// Job metrics
	m.JobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total job templates issued",
	})

	// Payout metrics
	m.PayoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payouts_total",
		Help:      "Total payouts released",
	})

	m.PayoutsAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payouts_amount_total",
		Help:      "Total amount paid out in base units",
	})

	// Pool metrics
	m.PoolHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_hashrate",
		Help:      "Estimated pool hashrate from the share window",
	})

	m.MinersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "miners_active",
		Help:      "Miners in the active set",
	})

	// Register all metrics
	m.registry.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsCurrent,
		m.RequestsTotal,
		m.RequestErrors,
		m.RequestLatency,
		m.SharesTotal,
		m.SharesLatency,
		m.SharesDifficulty,
		m.BlocksFound,
		m.JobsTotal,
		m.PayoutsTotal,
		m.PayoutsAmount,
		m.PoolHashrate,
		m.MinersActive,
	)

	return m
}

// Handler returns the HTTP handler for metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordShare records a share submission outcome
func (m *Metrics) RecordShare(status string, difficulty float64, latency float64) {
	m.SharesTotal.WithLabelValues(status).Inc()
	m.SharesLatency.Observe(latency)
	if difficulty > 0 {
		m.SharesDifficulty.Observe(difficulty)
	}
}

// RecordBlock records a found block
func (m *Metrics) RecordBlock() {
	m.BlocksFound.Inc()
}

// RecordJob records an issued job template
func (m *Metrics) RecordJob() {
	m.JobsTotal.Inc()
}

// RecordConnection records an accepted connection
func (m *Metrics) RecordConnection() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsCurrent.Inc()
}

// RecordDisconnection records a closed connection
func (m *Metrics) RecordDisconnection() {
	m.ConnectionsCurrent.Dec()
}

// RecordRequest records one stratum request
func (m *Metrics) RecordRequest(method string, latency float64, err error) {
	m.RequestsTotal.WithLabelValues(method).Inc()
	m.RequestLatency.WithLabelValues(method).Observe(latency)
	if err != nil {
		m.RequestErrors.Inc()
	}
}

// RecordPayouts records a payout release batch
func (m *Metrics) RecordPayouts(count int, amount uint64) {
	m.PayoutsTotal.Add(float64(count))
	m.PayoutsAmount.Add(float64(amount))
}

// UpdatePoolStats updates pool-level gauges
func (m *Metrics) UpdatePoolStats(hashrate float64, miners int64) {
	m.PoolHashrate.Set(hashrate)
	m.MinersActive.Set(float64(miners))
}
