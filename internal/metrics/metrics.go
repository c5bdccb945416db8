// Package metrics defines custom Prometheus metrics for bleepfs.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage metrics.
var (
	// StorageOperationsTotal counts storage context operations by name and status.
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_storage_operations_total",
			Help: "Storage operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	// StorageOperationDuration observes storage operation latency in seconds.
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_storage_operation_duration_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// CacheLookupsTotal counts metadata cache lookups by result (hit, miss).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_cache_lookups_total",
			Help: "Metadata cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	// UploadSessionsActive tracks live chunked upload sessions.
	UploadSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleepfs_upload_sessions_active",
			Help: "Chunked upload sessions currently open",
		},
	)

	// UploadSessionsAbandonedTotal counts sessions dropped by the reaper or by cancel.
	UploadSessionsAbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_upload_sessions_abandoned_total",
			Help: "Chunked upload sessions abandoned",
		},
		[]string{"reason"},
	)

	// ChunksReceivedTotal counts accepted upload chunks.
	ChunksReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_chunks_received_total",
			Help: "Upload chunks accepted",
		},
	)

	// BulkObjectsTotal counts per-object outcomes of folder copy, move and delete.
	BulkObjectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_bulk_objects_total",
			Help: "Objects processed by bulk folder operations",
		},
		[]string{"operation", "status"},
	)

	// BytesReceivedTotal counts bytes written through the storage context.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_bytes_written_total",
			Help: "Total bytes written to the backend",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			StorageOperationsTotal,
			StorageOperationDuration,
			CacheLookupsTotal,
			UploadSessionsActive,
			UploadSessionsAbandonedTotal,
			ChunksReceivedTotal,
			BulkObjectsTotal,
			BytesReceivedTotal,
		)
	})
}

// ObserveOperation records the outcome and latency of one storage operation.
func ObserveOperation(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperationsTotal.WithLabelValues(op, status).Inc()
	StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. Upload ids and chunk indexes
// are replaced so labels stay low-cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) >= 3 && segs[0] == "v1" && segs[1] == "uploads" {
		segs[2] = "{uploadId}"
		if len(segs) >= 5 && segs[3] == "chunks" {
			segs[4] = "{index}"
		}
		if len(segs) > 5 {
			segs = segs[:5]
		}
	}
	if len(segs) > 0 && segs[0] != "v1" {
		return "/{other}"
	}
	return "/" + strings.Join(segs, "/")
}
