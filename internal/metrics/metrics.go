// Package metrics provides Prometheus metrics for campuslink.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "campuslink"
)

// Handshake roles.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Handshake outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Profile transfer directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec

	// Handshake metrics
	Handshakes       *prometheus.CounterVec
	HandshakeLatency *prometheus.HistogramVec

	// Pending request metrics
	PendingRequests  prometheus.Gauge
	RequestsReceived prometheus.Counter
	RequestsDropped  *prometheus.CounterVec

	// Event metrics
	EventsEmitted *prometheus.CounterVec

	// Discovery metrics
	PeersDiscovered  prometheus.Counter
	DiscoveryRunning prometheus.Gauge

	// Data transfer metrics
	ProfileBytes *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of friend-protocol connections in progress",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total friend-protocol connections by role",
		}, []string{"role"}),

		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total friend handshakes by role and outcome",
		}, []string{"role", "outcome"}),
		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Histogram of friend handshake duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of incoming friend requests awaiting a decision",
		}),
		RequestsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_received_total",
			Help:      "Total friend requests received",
		}),
		RequestsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dropped_total",
			Help:      "Total inbound connections dropped before registration by reason",
		}, []string{"reason"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total events by type and delivery result",
		}, []string{"type", "result"}),

		PeersDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_discovered_total",
			Help:      "Total peer sightings reported by discovery",
		}),
		DiscoveryRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovery_running",
			Help:      "1 while a discovery task is running",
		}),

		ProfileBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_bytes_total",
			Help:      "Total profile payload bytes by direction",
		}, []string{"direction"}),
	}
}

// RecordConnOpen records a friend-protocol connection starting.
func (m *Metrics) RecordConnOpen(role string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordConnClose records a friend-protocol connection ending.
func (m *Metrics) RecordConnClose() {
	m.ConnectionsActive.Dec()
}

// RecordHandshake records a completed handshake.
func (m *Metrics) RecordHandshake(role, outcome string, latencySeconds float64) {
	m.Handshakes.WithLabelValues(role, outcome).Inc()
	m.HandshakeLatency.WithLabelValues(role).Observe(latencySeconds)
}

// SetPendingRequests sets the pending request gauge.
func (m *Metrics) SetPendingRequests(count int) {
	m.PendingRequests.Set(float64(count))
}

// RecordRequestReceived records a registered incoming request.
func (m *Metrics) RecordRequestReceived() {
	m.RequestsReceived.Inc()
}

// RecordRequestDropped records an inbound connection dropped before
// registration.
func (m *Metrics) RecordRequestDropped(reason string) {
	m.RequestsDropped.WithLabelValues(reason).Inc()
}

// RecordEvent records an event emission. result is "delivered",
// "buffered" or "failed".
func (m *Metrics) RecordEvent(eventType, result string) {
	m.EventsEmitted.WithLabelValues(eventType, result).Inc()
}

// RecordPeerDiscovered records a discovery sighting.
func (m *Metrics) RecordPeerDiscovered() {
	m.PeersDiscovered.Inc()
}

// SetDiscoveryRunning flips the discovery gauge.
func (m *Metrics) SetDiscoveryRunning(running bool) {
	if running {
		m.DiscoveryRunning.Set(1)
		return
	}
	m.DiscoveryRunning.Set(0)
}

// RecordProfileBytes records profile bytes moved in direction.
func (m *Metrics) RecordProfileBytes(direction string, bytes int) {
	m.ProfileBytes.WithLabelValues(direction).Add(float64(bytes))
}
