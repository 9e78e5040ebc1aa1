// Package metrics provides Prometheus metrics for bulk transfers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tunnel.
type Metrics struct {
	// Block metrics
	BlocksProcessed *prometheus.CounterVec
	BlocksSkipped   *prometheus.CounterVec
	BlocksFailed    *prometheus.CounterVec
	BlockDuration   *prometheus.HistogramVec

	// Record metrics
	Records    *prometheus.CounterVec
	BadRecords *prometheus.CounterVec
	Bytes      *prometheus.CounterVec

	// Pipeline metrics
	InFlightBlocks prometheus.Gauge
	QueueDepth     prometheus.Gauge

	// Error metrics
	RetryAttempts *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	Sessions      *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bulk_tunnel"
	}
	f := promauto.With(reg)
	labels := []string{"direction", "table"}

	return &Metrics{
		BlocksProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_processed_total",
				Help:      "Total number of blocks transferred",
			},
			labels,
		),
		BlocksSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_skipped_total",
				Help:      "Total number of blocks skipped (finished by an earlier run)",
			},
			labels,
		),
		BlocksFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_failed_total",
				Help:      "Total number of blocks that failed after all attempts",
			},
			labels,
		),
		BlockDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_duration_seconds",
				Help:      "Time to transfer one block",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			labels,
		),
		Records: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Total number of records transferred",
			},
			labels,
		),
		BadRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bad_records_total",
				Help:      "Total number of records discarded as bad",
			},
			labels,
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of local file bytes covered by finished blocks",
			},
			labels,
		),
		InFlightBlocks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_blocks",
				Help:      "Number of blocks currently being transferred",
			},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of blocks waiting for a worker",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of block retry attempts",
			},
			labels,
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of remote storage errors",
			},
			[]string{"backend", "operation"},
		),
		Sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions by final status",
			},
			[]string{"direction", "status"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels identifies the transfer a metric belongs to.
type Labels struct {
	Direction string
	Table     string
}

// IncBlocksProcessed counts a finished block.
func (m *Metrics) IncBlocksProcessed(l Labels) {
	m.BlocksProcessed.WithLabelValues(l.Direction, l.Table).Inc()
}

// IncBlocksSkipped counts a block skipped on resume.
func (m *Metrics) IncBlocksSkipped(l Labels) {
	m.BlocksSkipped.WithLabelValues(l.Direction, l.Table).Inc()
}

// IncBlocksFailed counts a block that gave up.
func (m *Metrics) IncBlocksFailed(l Labels) {
	m.BlocksFailed.WithLabelValues(l.Direction, l.Table).Inc()
}

// ObserveBlockDuration records the time one block took.
func (m *Metrics) ObserveBlockDuration(l Labels, seconds float64) {
	m.BlockDuration.WithLabelValues(l.Direction, l.Table).Observe(seconds)
}

// AddRecords adds to the transferred records counter.
func (m *Metrics) AddRecords(l Labels, n float64) {
	m.Records.WithLabelValues(l.Direction, l.Table).Add(n)
}

// AddBadRecords adds to the bad records counter.
func (m *Metrics) AddBadRecords(l Labels, n float64) {
	m.BadRecords.WithLabelValues(l.Direction, l.Table).Add(n)
}

// AddBytes adds to the transferred bytes counter.
func (m *Metrics) AddBytes(l Labels, n float64) {
	m.Bytes.WithLabelValues(l.Direction, l.Table).Add(n)
}

// IncRetryAttempts counts one retry of a block.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Direction, l.Table).Inc()
}

// IncStorageErrors counts a failed storage call.
func (m *Metrics) IncStorageErrors(backend, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

// IncSessions counts a session that ended with status.
func (m *Metrics) IncSessions(direction, status string) {
	m.Sessions.WithLabelValues(direction, status).Inc()
}

// AddInFlightBlocks moves the in-flight gauge by delta.
func (m *Metrics) AddInFlightBlocks(delta float64) {
	m.InFlightBlocks.Add(delta)
}

// SetQueueDepth sets the number of queued blocks.
func (m *Metrics) SetQueueDepth(depth float64) {
	m.QueueDepth.Set(depth)
}
