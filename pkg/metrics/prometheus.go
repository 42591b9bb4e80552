package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the vault service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database Metrics
	dbConnectionsActive prometheus.Gauge
	dbConnectionsIdle   prometheus.Gauge

	// Ephemeral Store Metrics
	storeDegraded    prometheus.Gauge
	storeHealthCheck prometheus.Counter

	// Crypto Metrics
	cryptoOpsTotal      *prometheus.CounterVec
	cryptoBytesTotal    *prometheus.CounterVec
	tamperDetectedTotal prometheus.Counter

	// Share Link Metrics
	shareIssuedTotal      prometheus.Counter
	shareValidationsTotal *prometheus.CounterVec
	shareConsumesTotal    *prometheus.CounterVec
	shareRevokedTotal     prometheus.Counter

	// Archive Metrics
	archiveBuildsTotal  *prometheus.CounterVec
	archiveFilesTotal   *prometheus.CounterVec
	archiveBuildSeconds prometheus.Histogram

	// Cleanup Metrics
	cleanupRemovedTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := newMetrics(serviceName, reg)
	m.registry = reg
	return m
}

// NewMetricsWith registers the metrics on reg
func NewMetricsWith(serviceName string, reg prometheus.Registerer) *Metrics {
	return newMetrics(serviceName, reg)
}

func newMetrics(serviceName string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being processed",
			ConstLabels: labels,
		}),

		dbConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name:        "db_connections_active",
			Help:        "Number of acquired database connections",
			ConstLabels: labels,
		}),
		dbConnectionsIdle: f.NewGauge(prometheus.GaugeOpts{
			Name:        "db_connections_idle",
			Help:        "Number of idle database connections",
			ConstLabels: labels,
		}),

		storeDegraded: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ephemeral_store_degraded",
			Help:        "1 when the ephemeral store failed its last health check",
			ConstLabels: labels,
		}),
		storeHealthCheck: f.NewCounter(prometheus.CounterOpts{
			Name:        "ephemeral_store_health_checks_total",
			Help:        "Total number of ephemeral store health checks",
			ConstLabels: labels,
		}),

		cryptoOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_crypto_operations_total",
			Help:        "Encrypt and decrypt operations by outcome",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
		cryptoBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_crypto_bytes_total",
			Help:        "Plaintext bytes processed",
			ConstLabels: labels,
		}, []string{"operation"}),
		tamperDetectedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "vault_tamper_detected_total",
			Help:        "Containers that failed authentication",
			ConstLabels: labels,
		}),

		shareIssuedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "vault_share_links_issued_total",
			Help:        "Share links issued",
			ConstLabels: labels,
		}),
		shareValidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_share_validations_total",
			Help:        "Share link validations by reason, empty reason means valid",
			ConstLabels: labels,
		}, []string{"reason"}),
		shareConsumesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_share_consumes_total",
			Help:        "Share link download slot reservations by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		shareRevokedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "vault_share_links_revoked_total",
			Help:        "Share links revoked",
			ConstLabels: labels,
		}),

		archiveBuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_archive_builds_total",
			Help:        "Bulk archive builds by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		archiveFilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_archive_files_total",
			Help:        "Files considered for bulk archives",
			ConstLabels: labels,
		}, []string{"result"}),
		archiveBuildSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "vault_archive_build_duration_seconds",
			Help:        "Bulk archive build latency",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		cleanupRemovedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "vault_cleanup_removed_total",
			Help:        "Items removed by cleanup jobs",
			ConstLabels: labels,
		}, []string{"job"}),
	}
}

// Registry returns the private registry, nil when registered elsewhere
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// SetDBConnections sets database pool gauges
func (m *Metrics) SetDBConnections(active, idle int) {
	if m == nil {
		return
	}
	m.dbConnectionsActive.Set(float64(active))
	m.dbConnectionsIdle.Set(float64(idle))
}

// RecordStoreHealth records an ephemeral store health check result
func (m *Metrics) RecordStoreHealth(degraded bool) {
	if m == nil {
		return
	}
	m.storeHealthCheck.Inc()
	if degraded {
		m.storeDegraded.Set(1)
	} else {
		m.storeDegraded.Set(0)
	}
}

// RecordCrypto records an encrypt or decrypt outcome and the plaintext bytes it moved
func (m *Metrics) RecordCrypto(operation, outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.cryptoOpsTotal.WithLabelValues(operation, outcome).Inc()
	if bytes > 0 {
		m.cryptoBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordTamper records a failed container authentication
func (m *Metrics) RecordTamper() {
	if m == nil {
		return
	}
	m.tamperDetectedTotal.Inc()
}

// RecordShareIssued records a new share link
func (m *Metrics) RecordShareIssued() {
	if m == nil {
		return
	}
	m.shareIssuedTotal.Inc()
}

// RecordShareValidation records a validation result
func (m *Metrics) RecordShareValidation(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "valid"
	}
	m.shareValidationsTotal.WithLabelValues(reason).Inc()
}

// RecordShareConsume records a slot reservation outcome
func (m *Metrics) RecordShareConsume(outcome string) {
	if m == nil {
		return
	}
	m.shareConsumesTotal.WithLabelValues(outcome).Inc()
}

// RecordShareRevoked records a revocation
func (m *Metrics) RecordShareRevoked() {
	if m == nil {
		return
	}
	m.shareRevokedTotal.Inc()
}

// RecordArchive records a bulk archive build
func (m *Metrics) RecordArchive(outcome string, added, skipped int, duration time.Duration) {
	if m == nil {
		return
	}
	m.archiveBuildsTotal.WithLabelValues(outcome).Inc()
	m.archiveFilesTotal.WithLabelValues("added").Add(float64(added))
	m.archiveFilesTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.archiveBuildSeconds.Observe(duration.Seconds())
}

// RecordCleanup records items removed by a cleanup job
func (m *Metrics) RecordCleanup(job string, removed int) {
	if m == nil {
		return
	}
	m.cleanupRemovedTotal.WithLabelValues(job).Add(float64(removed))
}
