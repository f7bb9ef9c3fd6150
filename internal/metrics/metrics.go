// Package metrics exposes the hub's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "gohub").
	Namespace string

	// Buckets are the histogram buckets for invocation duration.
	Buckets []float64

	// Registry receives the collectors (default: prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// WithBuckets sets the invocation duration buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// Metrics holds the hub collectors.
type Metrics struct {
	activeSessions     prometheus.Gauge
	sessionsOpened     prometheus.Counter
	sessionsClosed     prometheus.Counter
	handshakeFailures  *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	framesSent         prometheus.Counter
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	deliveryFailures   *prometheus.CounterVec
	broadcasts         *prometheus.CounterVec
}

// New creates and registers the hub collectors.
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "gohub",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	ns := config.Namespace

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_sessions",
			Help:      "Number of sessions currently registered.",
		}),
		sessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sessions_opened_total",
			Help:      "Sessions that completed the handshake.",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sessions_closed_total",
			Help:      "Sessions removed from the registry.",
		}),
		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "handshake_failures_total",
			Help:      "Handshakes that did not establish a session, by reason code.",
		}, []string{"code"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_received_total",
			Help:      "Inbound frames by frame type.",
		}, []string{"type"}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_sent_total",
			Help:      "Frames written to transports.",
		}),
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "invocations_total",
			Help:      "Dispatched invocations by method and outcome.",
		}, []string{"method", "status"}),
		invocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "invocation_duration_seconds",
			Help:      "Handler execution time in seconds.",
			Buckets:   config.Buckets,
		}, []string{"method"}),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be enqueued to a session, by reason.",
		}, []string{"reason"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "broadcasts_total",
			Help:      "Dispatcher calls by scope.",
		}, []string{"scope"}),
	}
}

// SetActiveSessions records the registry size.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SessionOpened records a completed handshake.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.activeSessions.Inc()
}

// SessionClosed records a session leaving the registry.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.activeSessions.Dec()
}

// HandshakeFailed records a refused or abandoned handshake.
func (m *Metrics) HandshakeFailed(code string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(code).Inc()
}

// FrameReceived records one inbound frame of the given type.
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// FramesSent records frames written to a transport.
func (m *Metrics) FramesSent(n int) {
	if m == nil {
		return
	}
	m.framesSent.Add(float64(n))
}

// InvocationObserved records a dispatched invocation.
func (m *Metrics) InvocationObserved(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(method, status).Inc()
	m.invocationDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// DeliveryFailed records a frame that could not be enqueued.
func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

// Broadcast records one dispatcher call.
func (m *Metrics) Broadcast(scope string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(scope).Inc()
}
