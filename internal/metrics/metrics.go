// Package metrics provides Prometheus metrics for pipeline clients and
// fleet workers.
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/biostream/internal/timing"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// File metrics
	FilesProcessed *prometheus.CounterVec
	FilesFailed    *prometheus.CounterVec
	FilesSkipped   *prometheus.CounterVec
	UnitsProcessed *prometheus.CounterVec

	// Timing metrics
	StageDuration *prometheus.HistogramVec
	SubDuration   *prometheus.HistogramVec
	FileDuration  *prometheus.HistogramVec

	// Pipeline metrics
	InFlightFiles    prometheus.Gauge
	SequencerPending prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	CatalogErrors prometheus.Counter
	RetryAttempts *prometheus.CounterVec

	// Worker metrics
	ServerCalls    *prometheus.CounterVec
	ServerInFlight prometheus.Gauge
	ServerRejected prometheus.Counter
	RemoteDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
	// WorkerBasePort, when set, gives each fleet worker its own metrics
	// port: base + worker slot index.
	WorkerBasePort int `yaml:"worker_base_port"`
}

var defaultMetrics *Metrics

// Init initializes the package-level metrics, registering them with reg
// (the default registry when nil). Call this once at startup.
func Init(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "biostream"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		FilesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of files that completed processing",
			},
			[]string{"operation"},
		),
		FilesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_failed_total",
				Help:      "Total number of files that failed, by failure kind",
			},
			[]string{"operation", "reason"},
		),
		FilesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_skipped_total",
				Help:      "Total number of inputs skipped (unsupported or already done)",
			},
			[]string{"operation"},
		),
		UnitsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_processed_total",
				Help:      "Total number of media units that received a reply",
			},
			[]string{"operation"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Per-unit duration of each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
			},
			[]string{"operation", "stage"},
		),
		SubDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_sub_duration_seconds",
				Help:      "Named sub-durations reported by the remote service",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"operation", "name"},
		),
		FileDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_duration_seconds",
				Help:      "End-to-end time to process one file",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"operation"},
		),
		InFlightFiles: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_files",
				Help:      "Number of files currently streaming",
			},
		),
		SequencerPending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sequencer_pending",
				Help:      "Number of finished files waiting to be committed in order",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of result storage errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of metadata catalog errors",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of file retry attempts",
			},
			[]string{"operation"},
		),
		ServerCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_calls_total",
				Help:      "Total number of calls admitted by this worker",
			},
			[]string{"operation"},
		),
		ServerInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_in_flight_calls",
				Help:      "Number of calls currently admitted by this worker",
			},
		),
		ServerRejected: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_rejected_calls_total",
				Help:      "Total number of calls rejected at the concurrency ceiling",
			},
		),
		RemoteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "server_unit_duration_seconds",
				Help:      "Worker-side processing time per unit",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// NewRouter returns the /metrics and /health routes for g (the default
// gatherer when nil).
func NewRouter(g prometheus.Gatherer) *mux.Router {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, NewRouter(nil))
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Operation string
	Reason    string
	Backend   string
}

// IncFilesProcessed increments the files processed counter.
func (m *Metrics) IncFilesProcessed(l Labels) {
	m.FilesProcessed.WithLabelValues(l.Operation).Inc()
}

// IncFilesFailed increments the files failed counter.
func (m *Metrics) IncFilesFailed(l Labels) {
	m.FilesFailed.WithLabelValues(l.Operation, l.Reason).Inc()
}

// IncFilesSkipped increments the files skipped counter.
func (m *Metrics) IncFilesSkipped(l Labels) {
	m.FilesSkipped.WithLabelValues(l.Operation).Inc()
}

// ObserveUnit records every complete stage and sub-duration of a unit.
func (m *Metrics) ObserveUnit(l Labels, rec timing.Record) {
	m.UnitsProcessed.WithLabelValues(l.Operation).Inc()
	for _, name := range timing.StageNames {
		if iv := rec.Stage(name); iv.Complete() {
			m.StageDuration.WithLabelValues(l.Operation, name).Observe(iv.Duration().Seconds())
		}
	}
	for name, d := range rec.Sub {
		m.SubDuration.WithLabelValues(l.Operation, name).Observe(d.Seconds())
	}
}

// ObserveFileDuration records the end-to-end time of a file.
func (m *Metrics) ObserveFileDuration(l Labels, seconds float64) {
	m.FileDuration.WithLabelValues(l.Operation).Observe(seconds)
}

// SetInFlightFiles sets the number of in-flight files.
func (m *Metrics) SetInFlightFiles(count float64) {
	m.InFlightFiles.Set(count)
}

// SetSequencerPending sets the number of pending sequencer commits.
func (m *Metrics) SetSequencerPending(pending float64) {
	m.SequencerPending.Set(pending)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors() {
	m.CatalogErrors.Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// IncServerCalls counts an admitted worker call.
func (m *Metrics) IncServerCalls(l Labels) {
	m.ServerCalls.WithLabelValues(l.Operation).Inc()
}

// AddServerInFlight adjusts the worker in-flight gauge.
func (m *Metrics) AddServerInFlight(delta float64) {
	m.ServerInFlight.Add(delta)
}

// IncServerRejected counts a call rejected at the concurrency ceiling.
func (m *Metrics) IncServerRejected() {
	m.ServerRejected.Inc()
}

// ObserveRemote records worker-side processing time of one unit.
func (m *Metrics) ObserveRemote(l Labels, seconds float64) {
	m.RemoteDuration.WithLabelValues(l.Operation).Observe(seconds)
}
