package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus instrument of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Ingestion
	snapshotsReceived *prometheus.CounterVec
	snapshotsRejected *prometheus.CounterVec
	batchLatency      prometheus.Histogram

	// Persistence
	lapsRecorded       prometheus.Counter
	lapsDuplicate      prometheus.Counter
	versionConflicts   prometheus.Counter
	retriesExhausted   prometheus.Counter
	benignCreations    prometheus.Counter
	driverFailures     prometheus.Counter
	persistLatency     prometheus.Histogram
	differStateEntries prometheus.Gauge

	// Identity
	identityResolutions *prometheus.CounterVec
	identityFailures    prometheus.Counter

	// Leaderboards
	leaderboardUpdates *prometheus.CounterVec
	leaderboardErrors  prometheus.Counter
	leaderboardSize    *prometheus.GaugeVec

	// Queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueueErrors      prometheus.Counter
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Kafka
	kafkaRecords *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrors          *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its instruments.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "pitwall",
		subsystem:        "ingest",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.snapshotsReceived = m.counterVec("snapshots_received_total", "Driver snapshots received by transport", "transport")
	m.snapshotsRejected = m.counterVec("snapshots_rejected_total", "Snapshots rejected as malformed", "reason")
	m.batchLatency = m.histogram("batch_latency_milliseconds", "End to end batch processing latency in milliseconds")

	m.lapsRecorded = m.counter("laps_recorded_total", "Laps appended to a session document")
	m.lapsDuplicate = m.counter("laps_duplicate_total", "Lap appends skipped by the lap-number dedup gate")
	m.versionConflicts = m.counter("version_conflicts_total", "Optimistic concurrency conflicts on session documents")
	m.retriesExhausted = m.counter("retries_exhausted_total", "Lap appends that exhausted the conflict retry budget")
	m.benignCreations = m.counter("benign_creations_total", "Concurrent session creations resolved as success")
	m.driverFailures = m.counter("driver_failures_total", "Per-driver processing failures isolated from their batch")
	m.persistLatency = m.histogram("persist_latency_milliseconds", "Lap append latency in milliseconds including retries")
	m.differStateEntries = m.gauge("differ_state_entries", "Driver slots held by the snapshot differencer")

	m.identityResolutions = m.counterVec("identity_resolutions_total", "Identity resolutions by matching tier", "tier")
	m.identityFailures = m.counter("identity_failures_total", "Identity resolutions that failed and were skipped")

	m.leaderboardUpdates = m.counterVec("leaderboard_updates_total", "Leaderboard records improved", "board")
	m.leaderboardErrors = m.counter("leaderboard_errors_total", "Leaderboard update failures")
	m.leaderboardSize = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "leaderboard_entries", Help: "Entries currently held per leaderboard",
	}, []string{"board"})

	m.queueSize = m.gauge("queue_size", "Batches waiting in the ingestion queue")
	m.queueCapacity = m.gauge("queue_capacity", "Capacity of the ingestion queue")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Batches refused because the queue was full or closed")
	m.workerCount = m.gauge("worker_count", "Workers draining the ingestion queue")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Worker batch processing latency in milliseconds")
	m.workerErrors = m.counter("worker_errors_total", "Batches whose processing returned an error")

	m.kafkaRecords = m.counterVec("kafka_records_total", "Kafka records consumed by outcome", "outcome")

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "http_requests_total", Help: "HTTP requests by endpoint, method and status",
	}, []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "http_request_duration_milliseconds", Help: "HTTP request duration in milliseconds",
		Buckets: m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})
	m.httpErrors = m.counterVec("http_errors_total", "HTTP error responses by endpoint and error type", "endpoint", "error_type")
}

// RecordSnapshotsReceived counts snapshots arriving over a transport.
func RecordSnapshotsReceived(transport string, n int) {
	globalManager.snapshotsReceived.WithLabelValues(transport).Add(float64(n))
}

// RecordSnapshotRejected counts a rejected snapshot.
func RecordSnapshotRejected(reason string) {
	globalManager.snapshotsRejected.WithLabelValues(reason).Inc()
}

// RecordBatchLatency observes batch processing latency.
func RecordBatchLatency(latencyMs float64) { globalManager.batchLatency.Observe(latencyMs) }

// RecordLapRecorded counts an appended lap.
func RecordLapRecorded() { globalManager.lapsRecorded.Inc() }

// RecordLapDuplicate counts a lap rejected by the dedup gate.
func RecordLapDuplicate() { globalManager.lapsDuplicate.Inc() }

// RecordVersionConflict counts an optimistic concurrency conflict.
func RecordVersionConflict() { globalManager.versionConflicts.Inc() }

// RecordRetriesExhausted counts an append that gave up after retrying.
func RecordRetriesExhausted() { globalManager.retriesExhausted.Inc() }

// RecordBenignCreation counts a lost-but-harmless creation race.
func RecordBenignCreation() { globalManager.benignCreations.Inc() }

// RecordDriverFailure counts an isolated per-driver failure.
func RecordDriverFailure() { globalManager.driverFailures.Inc() }

// RecordPersistLatency observes lap append latency.
func RecordPersistLatency(latencyMs float64) { globalManager.persistLatency.Observe(latencyMs) }

// UpdateDifferStateEntries sets the number of differencer slots.
func UpdateDifferStateEntries(n int) { globalManager.differStateEntries.Set(float64(n)) }

// RecordIdentityResolution counts a resolution by tier.
func RecordIdentityResolution(tier string) {
	globalManager.identityResolutions.WithLabelValues(tier).Inc()
}

// RecordIdentityFailure counts a failed resolution.
func RecordIdentityFailure() { globalManager.identityFailures.Inc() }

// RecordLeaderboardUpdate counts an improved record on a board.
func RecordLeaderboardUpdate(board string) {
	globalManager.leaderboardUpdates.WithLabelValues(board).Inc()
}

// RecordLeaderboardError counts a failed leaderboard update.
func RecordLeaderboardError() { globalManager.leaderboardErrors.Inc() }

// UpdateLeaderboardSize sets the entry count of a board.
func UpdateLeaderboardSize(board string, n int) {
	globalManager.leaderboardSize.WithLabelValues(board).Set(float64(n))
}

// UpdateQueueSize sets the current queue depth.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueueError counts a refused enqueue.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// UpdateWorkerCount sets the worker count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// RecordWorkerProcessingLatency observes worker latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed batch.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordKafkaRecord counts a consumed Kafka record by outcome.
func RecordKafkaRecord(outcome string) {
	globalManager.kafkaRecords.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// GetRegistry returns the registry backing the package-level recorders.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// RecordHTTPError records an error response by endpoint and error type.
func RecordHTTPError(endpoint, errorType string) {
	globalManager.httpErrors.WithLabelValues(endpoint, errorType).Inc()
}
