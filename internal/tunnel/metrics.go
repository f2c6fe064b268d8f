package tunnel

import (
	"crypto/x509"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder defines the interface for recording tunnel metrics.
type MetricsRecorder interface {
	RecordHandshake(version uint16, cipherSuite uint16, role Role)
	RecordHandshakeDuration(duration time.Duration, role Role)
	RecordHandshakeError(reason string)
	RecordPeerValidation(success bool, reason string)
	RecordBytes(role Role, read, written int)
	RecordStreamClosed(role Role)
	UpdateCertificateExpiry(cert *x509.Certificate, certType string)
}

// Metrics holds Prometheus metrics for tunnel operations.
type Metrics struct {
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	handshakeErrors   *prometheus.CounterVec
	peerValidation    *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	streamsClosed     *prometheus.CounterVec
	certificateExpiry *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.RWMutex
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "tunnel"
	}

	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshakes_total",
			Help:      "Total number of completed handshakes by version, cipher suite, and role",
		},
		[]string{"version", "cipher", "role"},
	)

	m.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_duration_seconds",
			Help:      "Handshake duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"role"},
	)

	m.handshakeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_errors_total",
			Help:      "Total number of handshake errors by reason",
		},
		[]string{"reason"},
	)

	m.peerValidation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "peer_validation_total",
			Help:      "Total number of peer certificate validations by result",
		},
		[]string{"result"},
	)

	m.bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "bytes_total",
			Help:      "Total plaintext bytes moved through tunnels by role and direction",
		},
		[]string{"role", "direction"},
	)

	m.streamsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "streams_closed_total",
			Help:      "Total number of finalized tunnel streams by role",
		},
		[]string{"role"},
	)

	m.certificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificate_expiry_seconds",
			Help:      "Time until certificate expiry in seconds",
		},
		[]string{"subject", "type"},
	)

	m.registry.MustRegister(
		m.handshakesTotal,
		m.handshakeDuration,
		m.handshakeErrors,
		m.peerValidation,
		m.bytesTotal,
		m.streamsClosed,
		m.certificateExpiry,
	)

	return m
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(version uint16, cipherSuite uint16, role Role) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versionName := TLSVersionName(version)
	cipherName := CipherSuiteName(cipherSuite)
	m.handshakesTotal.WithLabelValues(versionName, cipherName, role.String()).Inc()
}

// RecordHandshakeDuration records the duration of a handshake.
func (m *Metrics) RecordHandshakeDuration(duration time.Duration, role Role) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.handshakeDuration.WithLabelValues(role.String()).Observe(duration.Seconds())
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.handshakeErrors.WithLabelValues(reason).Inc()
}

// RecordPeerValidation records a peer certificate validation result.
func (m *Metrics) RecordPeerValidation(success bool, reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := "success"
	if !success {
		result = reason
	}
	m.peerValidation.WithLabelValues(result).Inc()
}

// RecordBytes records plaintext bytes moved through a tunnel.
func (m *Metrics) RecordBytes(role Role, read, written int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if read > 0 {
		m.bytesTotal.WithLabelValues(role.String(), "read").Add(float64(read))
	}
	if written > 0 {
		m.bytesTotal.WithLabelValues(role.String(), "write").Add(float64(written))
	}
}

// RecordStreamClosed records a finalized tunnel stream.
func (m *Metrics) RecordStreamClosed(role Role) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.streamsClosed.WithLabelValues(role.String()).Inc()
}

// UpdateCertificateExpiry updates the certificate expiry metric.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate, certType string) {
	if cert == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	expirySeconds := time.Until(cert.NotAfter).Seconds()
	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}

	m.certificateExpiry.WithLabelValues(subject, certType).Set(expirySeconds)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.handshakesTotal.Describe(ch)
	m.handshakeDuration.Describe(ch)
	m.handshakeErrors.Describe(ch)
	m.peerValidation.Describe(ch)
	m.bytesTotal.Describe(ch)
	m.streamsClosed.Describe(ch)
	m.certificateExpiry.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.handshakesTotal.Collect(ch)
	m.handshakeDuration.Collect(ch)
	m.handshakeErrors.Collect(ch)
	m.peerValidation.Collect(ch)
	m.bytesTotal.Collect(ch)
	m.streamsClosed.Collect(ch)
	m.certificateExpiry.Collect(ch)
}

// NopMetrics is a no-op implementation of metrics for testing.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordHandshake is a no-op.
func (m *NopMetrics) RecordHandshake(_ uint16, _ uint16, _ Role) {}

// RecordHandshakeDuration is a no-op.
func (m *NopMetrics) RecordHandshakeDuration(_ time.Duration, _ Role) {}

// RecordHandshakeError is a no-op.
func (m *NopMetrics) RecordHandshakeError(_ string) {}

// RecordPeerValidation is a no-op.
func (m *NopMetrics) RecordPeerValidation(_ bool, _ string) {}

// RecordBytes is a no-op.
func (m *NopMetrics) RecordBytes(_ Role, _, _ int) {}

// RecordStreamClosed is a no-op.
func (m *NopMetrics) RecordStreamClosed(_ Role) {}

// UpdateCertificateExpiry is a no-op.
func (m *NopMetrics) UpdateCertificateExpiry(_ *x509.Certificate, _ string) {}

// Ensure implementations satisfy the interface.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
