package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.PendingRequests == nil {
		t.Error("PendingRequests metric is nil")
	}
	if m.Handshakes == nil {
		t.Error("Handshakes metric is nil")
	}
	if m.ProfileBytes == nil {
		t.Error("ProfileBytes metric is nil")
	}
}

func TestRecordConn(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnOpen(RoleInitiator)
	m.RecordConnOpen(RoleResponder)
	m.RecordConnOpen(RoleResponder)
	m.RecordConnClose()

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 2 {
		t.Errorf("ConnectionsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(RoleResponder)); got != 2 {
		t.Errorf("ConnectionsTotal{responder} = %v, want 2", got)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(RoleInitiator, OutcomeAccepted, 0.05)
	m.RecordHandshake(RoleInitiator, OutcomeRejected, 0.01)
	m.RecordHandshake(RoleResponder, OutcomeAccepted, 0.2)

	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues(RoleInitiator, OutcomeAccepted)); got != 1 {
		t.Errorf("Handshakes{initiator,accepted} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.HandshakeLatency); got != 2 {
		t.Errorf("HandshakeLatency series = %d, want 2", got)
	}
}

func TestPendingAndDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRequestReceived()
	m.RecordRequestReceived()
	m.SetPendingRequests(2)
	m.SetPendingRequests(1)
	m.RecordRequestDropped("busy")
	m.RecordRequestDropped("malformed")
	m.RecordRequestDropped("busy")

	if got := testutil.ToFloat64(m.RequestsReceived); got != 2 {
		t.Errorf("RequestsReceived = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PendingRequests); got != 1 {
		t.Errorf("PendingRequests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsDropped.WithLabelValues("busy")); got != 2 {
		t.Errorf("RequestsDropped{busy} = %v, want 2", got)
	}
}

func TestEventsAndDiscovery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordEvent("PeerDiscovered", "delivered")
	m.RecordEvent("PeerDiscovered", "buffered")
	m.RecordPeerDiscovered()
	m.SetDiscoveryRunning(true)

	if got := testutil.ToFloat64(m.EventsEmitted.WithLabelValues("PeerDiscovered", "delivered")); got != 1 {
		t.Errorf("EventsEmitted{delivered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DiscoveryRunning); got != 1 {
		t.Errorf("DiscoveryRunning = %v, want 1", got)
	}
	m.SetDiscoveryRunning(false)
	if got := testutil.ToFloat64(m.DiscoveryRunning); got != 0 {
		t.Errorf("DiscoveryRunning = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.PeersDiscovered); got != 1 {
		t.Errorf("PeersDiscovered = %v, want 1", got)
	}
}

func TestRecordProfileBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordProfileBytes(DirectionSent, 100)
	m.RecordProfileBytes(DirectionSent, 50)
	m.RecordProfileBytes(DirectionReceived, 10)

	if got := testutil.ToFloat64(m.ProfileBytes.WithLabelValues(DirectionSent)); got != 150 {
		t.Errorf("ProfileBytes{sent} = %v, want 150", got)
	}
}

func TestDefault(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
}
