package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/crypto/bcrypt"

	"github.com/campuslink/campuslink/internal/discovery"
	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/profile"
	"github.com/campuslink/campuslink/internal/protocol"
	"github.com/campuslink/campuslink/internal/transport"
)

// fakeNode implements Node for testing.
type fakeNode struct {
	id identity.EndpointID

	mu           sync.Mutex
	profile      *profile.ShareData
	discovering  bool
	discoveryErr error
	peers        []discovery.Sighting
	requests     []friend.RequestInfo
	sendErr      error
	acceptErr    error
	rejectErr    error
	lastPeer     string
	lastAccepted identity.EndpointID
	rejected     []identity.EndpointID
}

func (n *fakeNode) ID() identity.EndpointID { return n.id }

func (n *fakeNode) NodeAddr() transport.NodeAddr {
	return transport.NodeAddr{ID: n.id, Addrs: []netip.AddrPort{netip.MustParseAddrPort("192.168.1.5:4242")}}
}

func (n *fakeNode) Profile() *profile.ShareData {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.profile.Clone()
}

func (n *fakeNode) SetProfile(sd *profile.ShareData) error {
	if err := sd.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	n.profile = sd.Clone()
	n.mu.Unlock()
	return nil
}

func (n *fakeNode) Started() bool { return true }

func (n *fakeNode) StartDiscovery() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.discoveryErr != nil {
		return n.discoveryErr
	}
	n.discovering = true
	return nil
}

func (n *fakeNode) StopDiscovery() {
	n.mu.Lock()
	n.discovering = false
	n.mu.Unlock()
}

func (n *fakeNode) DiscoveryRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.discovering
}

func (n *fakeNode) Peers() []discovery.Sighting         { return n.peers }
func (n *fakeNode) PendingRequests() []friend.RequestInfo { return n.requests }

func (n *fakeNode) SendFriendRequest(_ context.Context, peer string, _ *profile.ShareData) (*profile.ShareData, error) {
	n.mu.Lock()
	n.lastPeer = peer
	n.mu.Unlock()
	if _, err := transport.ParseNodeAddr(peer); err != nil {
		return nil, err
	}
	if n.sendErr != nil {
		return nil, n.sendErr
	}
	return testProfile("bob"), nil
}

func (n *fakeNode) AcceptFriendRequest(_ context.Context, remote identity.EndpointID, _ *profile.ShareData) (*profile.ShareData, error) {
	if n.acceptErr != nil {
		return nil, n.acceptErr
	}
	n.mu.Lock()
	n.lastAccepted = remote
	n.mu.Unlock()
	return testProfile("carol"), nil
}

func (n *fakeNode) RejectFriendRequest(_ context.Context, remote identity.EndpointID) error {
	if n.rejectErr != nil {
		return n.rejectErr
	}
	n.mu.Lock()
	n.rejected = append(n.rejected, remote)
	n.mu.Unlock()
	return nil
}

func testID(t *testing.T) identity.EndpointID {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	return kp.ID()
}

func testProfile(name string) *profile.ShareData {
	return &profile.ShareData{
		Name:         name,
		Registration: name + "_reg",
		Semester:     3,
		Hobbies:      []string{"chess"},
		Quotes:       []string{},
		Timestamp:    "2024-01-01T00:00:00Z",
		Slots:        []profile.Slot{{Day: 1, Kind: profile.KindTheory, Period: 2, Label: "Math"}},
	}
}

func newTestServer(t *testing.T, cfg ServerConfig) (*fakeNode, *Hub, *httptest.Server) {
	t.Helper()
	node := &fakeNode{id: testID(t)}
	hub := NewHub(nil)
	s := NewServer(cfg, node, hub)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return node, hub, ts
}

func TestServer_ID(t *testing.T) {
	node, _, ts := newTestServer(t, DefaultServerConfig())
	c := NewClient(ts.URL, "")

	resp, err := c.ID(context.Background())
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}
	if resp.EndpointID != node.id.String() {
		t.Errorf("EndpointID = %s, want %s", resp.EndpointID, node.id)
	}
	if !strings.HasPrefix(resp.Ticket, node.id.String()+"@") {
		t.Errorf("Ticket = %q, want ticket form", resp.Ticket)
	}
	if !resp.Started {
		t.Error("Started = false")
	}
}

func TestServer_Auth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Token = "s3cret"
	_, _, ts := newTestServer(t, cfg)

	_, err := NewClient(ts.URL, "").ID(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("ID() without token error = %v, want 401", err)
	}

	if _, err := NewClient(ts.URL, "wrong").ID(context.Background()); err == nil {
		t.Error("ID() with wrong token succeeded")
	}
	if _, err := NewClient(ts.URL, "s3cret").ID(context.Background()); err != nil {
		t.Errorf("ID() with token error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200 without token", resp.StatusCode)
	}
}

func TestServer_TokenHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	cfg := DefaultServerConfig()
	cfg.TokenHash = string(hash)
	_, _, ts := newTestServer(t, cfg)

	if _, err := NewClient(ts.URL, "wrong").ID(context.Background()); err == nil {
		t.Error("ID() with wrong token succeeded")
	}
	for i := 0; i < 2; i++ {
		if _, err := NewClient(ts.URL, "hunter2").ID(context.Background()); err != nil {
			t.Errorf("ID() with token (attempt %d) error = %v", i+1, err)
		}
	}
	if _, err := NewClient(ts.URL, "").ID(context.Background()); err == nil {
		t.Error("ID() without token succeeded")
	}
}

func TestServer_Profile(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultServerConfig())
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	_, err := c.Profile(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("Profile() before set error = %v, want 404", err)
	}

	if err := c.SetProfile(ctx, testProfile("alice")); err != nil {
		t.Fatalf("SetProfile() error = %v", err)
	}
	got, err := c.Profile(ctx)
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if !got.Equal(testProfile("alice")) {
		t.Errorf("Profile() = %+v, want alice", got)
	}

	bad := testProfile("alice")
	bad.Slots = []profile.Slot{{Day: 9, Kind: profile.KindLab, Period: 1, Label: "x"}}
	err = c.SetProfile(ctx, bad)
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Errorf("SetProfile(invalid) error = %v, want 400", err)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/profile", strings.NewReader(`{"u":"x"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT partial profile status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_Discovery(t *testing.T) {
	node, _, ts := newTestServer(t, DefaultServerConfig())
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	if err := c.StartDiscovery(ctx); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}
	if !node.DiscoveryRunning() {
		t.Error("discovery not running after start")
	}
	if err := c.StopDiscovery(ctx); err != nil {
		t.Fatalf("StopDiscovery() error = %v", err)
	}
	if node.DiscoveryRunning() {
		t.Error("discovery running after stop")
	}

	node.discoveryErr = friend.ErrNoDiscovery
	err := c.StartDiscovery(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusPreconditionFailed {
		t.Errorf("StartDiscovery() disabled error = %v, want 412", err)
	}
}

func TestServer_PeersAndRequests(t *testing.T) {
	node, _, ts := newTestServer(t, DefaultServerConfig())
	peer := testID(t)
	seen := time.Unix(1700000000, 0).UTC()
	node.peers = []discovery.Sighting{{
		ID:     peer,
		Addrs:  []netip.AddrPort{netip.MustParseAddrPort("10.0.0.2:5000")},
		SeenAt: seen,
	}}
	node.requests = []friend.RequestInfo{{
		ID:         "r1",
		Request:    friend.IncomingRequest{From: "bob_reg", Name: "bob", RemoteID: peer},
		ReceivedAt: seen,
	}}
	c := NewClient(ts.URL, "")
	ctx := context.Background()

	peers, err := c.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers() error = %v", err)
	}
	if len(peers.Peers) != 1 || peers.Peers[0].EndpointID != peer.String() {
		t.Fatalf("Peers() = %+v", peers)
	}
	if got := peers.Peers[0].Addrs; len(got) != 1 || got[0] != "10.0.0.2:5000" {
		t.Errorf("Addrs = %v", got)
	}
	if !peers.Peers[0].SeenAt.Equal(seen) {
		t.Errorf("SeenAt = %v, want %v", peers.Peers[0].SeenAt, seen)
	}

	reqs, err := c.Requests(ctx)
	if err != nil {
		t.Fatalf("Requests() error = %v", err)
	}
	if len(reqs.Requests) != 1 || reqs.Requests[0].Request.RemoteID != peer {
		t.Errorf("Requests() = %+v", reqs)
	}

	node.requests = nil
	resp, err := http.Get(ts.URL + "/v1/requests")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"requests":[]`) {
		t.Errorf("empty requests body = %s, want an empty array", body)
	}
}

func TestServer_SendAcceptReject(t *testing.T) {
	node, _, ts := newTestServer(t, DefaultServerConfig())
	c := NewClient(ts.URL, "")
	ctx := context.Background()
	remote := testID(t)

	ticket := remote.String() + "@127.0.0.1:9000"
	resp, err := c.Send(ctx, ticket, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.RemoteID != remote.String() || resp.ShareData.Name != "bob" {
		t.Errorf("Send() = %+v", resp)
	}
	if node.lastPeer != ticket {
		t.Errorf("peer passed through = %q, want %q", node.lastPeer, ticket)
	}

	acc, err := c.Accept(ctx, remote, nil)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if acc.ShareData.Name != "carol" || node.lastAccepted != remote {
		t.Errorf("Accept() = %+v, accepted %s", acc, node.lastAccepted)
	}

	if err := c.Reject(ctx, remote); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if len(node.rejected) != 1 || node.rejected[0] != remote {
		t.Errorf("rejected = %v", node.rejected)
	}
}

func TestServer_ErrorStatus(t *testing.T) {
	node, _, ts := newTestServer(t, DefaultServerConfig())
	c := NewClient(ts.URL, "")
	ctx := context.Background()
	remote := testID(t)

	status := func(err error) int {
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("error %v is not a StatusError", err)
		}
		return se.Status
	}

	if got := status(func() error { _, err := c.Send(ctx, "not-an-id", nil); return err }()); got != http.StatusBadRequest {
		t.Errorf("Send(invalid) status = %d, want 400", got)
	}

	node.sendErr = fmt.Errorf("exchange: %w", friend.ErrRejected)
	if got := status(func() error { _, err := c.Send(ctx, remote.String(), nil); return err }()); got != http.StatusConflict {
		t.Errorf("Send(rejected) status = %d, want 409", got)
	}

	node.acceptErr = friend.ErrNotFound
	if got := status(func() error { _, err := c.Accept(ctx, remote, nil); return err }()); got != http.StatusNotFound {
		t.Errorf("Accept(unknown) status = %d, want 404", got)
	}

	resp, err := http.Post(ts.URL+"/v1/requests/garbage/accept", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("accept with bad id status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/requests/send", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("send without peer status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{friend.ErrNotFound, http.StatusNotFound},
		{transport.ErrAddressNotFound, http.StatusNotFound},
		{fmt.Errorf("parse: %w", transport.ErrInvalidAddress), http.StatusBadRequest},
		{profile.ErrInvalid, http.StatusBadRequest},
		{friend.ErrRejected, http.StatusConflict},
		{friend.ErrNotStarted, http.StatusPreconditionFailed},
		{friend.ErrNoProfile, http.StatusPreconditionFailed},
		{protocol.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{friend.ErrShutdown, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("dial: %w", transport.ErrConnect), http.StatusBadGateway},
		{transport.ErrClosed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestServer_Events(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Token = "tok"
	_, hub, ts := newTestServer(t, cfg)
	c := NewClient(ts.URL, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remote := testID(t)
	got := make(chan friend.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Events(ctx, func(ev friend.Event) error {
			got <- ev
			if len(got) == 2 {
				return io.EOF
			}
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Emit(ctx, friend.IncomingRequestEvent{Request: friend.IncomingRequest{From: "a_reg", Name: "a", RemoteID: remote}}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := hub.Emit(ctx, friend.RequestRejectedEvent{Peer: remote, Reason: "declined"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Events() error = %v, want io.EOF from callback", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for events")
	}

	first, second := <-got, <-got
	if first.Type() != friend.EventIncomingRequest || second.Type() != friend.EventRequestRejected {
		t.Errorf("event order = %s, %s", first.Type(), second.Type())
	}
	if first.(friend.IncomingRequestEvent).Request.RemoteID != remote {
		t.Error("remote ID lost in transit")
	}
}

func TestHub_CloseRejectsEmits(t *testing.T) {
	hub := NewHub(nil)
	if err := hub.Emit(context.Background(), friend.ErrorEvent{Message: "x"}); err != nil {
		t.Errorf("Emit() with no clients error = %v", err)
	}
	hub.Close()
	if err := hub.Emit(context.Background(), friend.ErrorEvent{Message: "x"}); !errors.Is(err, friend.ErrSinkClosed) {
		t.Errorf("Emit() after Close error = %v, want ErrSinkClosed", err)
	}
	if _, ok := hub.register(); ok {
		t.Error("register() succeeded after Close")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub(nil)
	c, _ := hub.register()
	for i := 0; i <= clientBuffer; i++ {
		hub.Emit(context.Background(), friend.ErrorEvent{Message: "x"})
	}
	select {
	case <-c.gone:
	default:
		t.Fatal("slow client not dropped")
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", hub.Clients())
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordRequestReceived()

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	_, _, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		t.Fatalf("parse metrics: %v", err)
	}
	mf, ok := families["campuslink_requests_received_total"]
	if !ok {
		t.Fatalf("metrics output missing request counter; got %d families", len(families))
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("requests_received_total = %v, want 1", got)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, &fakeNode{id: testID(t)}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Address() == nil {
		t.Fatal("Address() = nil after Start")
	}
	c := NewClient(s.Address().String(), "")
	if _, err := c.ID(context.Background()); err != nil {
		t.Errorf("ID() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
