package transport

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/campuslink/campuslink/internal/identity"
)

const testALPN = "campuslink/test/1"

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	ep, err := New(Config{
		Keypair:          kp,
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: 3 * time.Second,
		ShutdownCode:     4,
		UnsupportedCode:  5,
		InternalCode:     6,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

type handlerFunc func(ctx context.Context, conn Conn) error

func (f handlerFunc) HandleConn(ctx context.Context, conn Conn) error { return f(ctx, conn) }

// echoHandler echoes the first stream back and reports the remote identity.
func echoHandler(seen chan<- identity.EndpointID) ProtocolHandler {
	return handlerFunc(func(ctx context.Context, conn Conn) error {
		seen <- conn.RemoteID()
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(stream)
		if err != nil {
			return err
		}
		if _, err := stream.Write(append([]byte("echo:"), data...)); err != nil {
			return err
		}
		stream.CloseWrite()
		<-conn.Done()
		return nil
	})
}

func TestParseNodeAddr(t *testing.T) {
	kp, _ := identity.GenerateKeypair()
	id := kp.ID().String()

	tests := []struct {
		name      string
		input     string
		wantAddrs int
		wantErr   bool
	}{
		{"bare id", id, 0, false},
		{"ticket one addr", id + "@192.168.1.10:4433", 1, false},
		{"ticket two addrs", id + "@192.168.1.10:4433,[fe80::1]:4433", 2, false},
		{"trailing comma", id + "@10.0.0.1:1,", 1, false},
		{"bad id", "nope@10.0.0.1:1", 0, true},
		{"empty ticket", id + "@", 0, true},
		{"hostname not allowed", id + "@localhost:4433", 0, true},
		{"zero port", id + "@10.0.0.1:0", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			na, err := ParseNodeAddr(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNodeAddr() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParseNodeAddr() error = %v, want ErrInvalidAddress", err)
				}
				return
			}
			if na.ID != kp.ID() {
				t.Errorf("ParseNodeAddr() ID = %s, want %s", na.ID, kp.ID())
			}
			if len(na.Addrs) != tt.wantAddrs {
				t.Errorf("ParseNodeAddr() addrs = %v, want %d", na.Addrs, tt.wantAddrs)
			}
		})
	}
}

func TestNodeAddr_StringRoundTrip(t *testing.T) {
	kp, _ := identity.GenerateKeypair()
	na := NodeAddr{
		ID:    kp.ID(),
		Addrs: []netip.AddrPort{netip.MustParseAddrPort("10.1.2.3:5000")},
	}
	parsed, err := ParseNodeAddr(na.String())
	if err != nil {
		t.Fatalf("ParseNodeAddr() error = %v", err)
	}
	if parsed.String() != na.String() {
		t.Errorf("round-trip = %s, want %s", parsed, na)
	}
	if (NodeAddr{ID: kp.ID()}).String() != kp.ID().String() {
		t.Error("String() without addrs should be the bare ID")
	}
}

func TestGenerateIdentityCert(t *testing.T) {
	kp, _ := identity.GenerateKeypair()
	cert, err := GenerateIdentityCert(kp)
	if err != nil {
		t.Fatalf("GenerateIdentityCert() error = %v", err)
	}

	got, err := PeerIDFromCerts(cert.Certificate)
	if err != nil {
		t.Fatalf("PeerIDFromCerts() error = %v", err)
	}
	if got != kp.ID() {
		t.Errorf("PeerIDFromCerts() = %s, want %s", got, kp.ID())
	}

	if _, err := PeerIDFromCerts(nil); err == nil {
		t.Error("PeerIDFromCerts(nil) should fail")
	}
	if _, err := PeerIDFromCerts([][]byte{[]byte("junk")}); err == nil {
		t.Error("PeerIDFromCerts(junk) should fail")
	}
}

func TestPeerIDFromCerts_Signature(t *testing.T) {
	kp, _ := identity.GenerateKeypair()
	other, _ := identity.GenerateKeypair()

	own, err := GenerateIdentityCert(kp)
	if err != nil {
		t.Fatalf("GenerateIdentityCert() error = %v", err)
	}
	leaf, err := x509.ParseCertificate(own.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	if leaf.IsCA {
		t.Fatal("identity certificate should not be a CA")
	}

	// Claims kp's key but is signed by other.
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: kp.ID().String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	forged, err := x509.CreateCertificate(rand.Reader, template, template, kp.PrivateKey().Public(), other.PrivateKey())
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	if _, err := PeerIDFromCerts([][]byte{forged}); err == nil {
		t.Error("PeerIDFromCerts() accepted a certificate not signed by its own key")
	}
}

func TestEndpoint_DialAndEcho(t *testing.T) {
	server := newTestEndpoint(t)
	client := newTestEndpoint(t)

	seen := make(chan identity.EndpointID, 1)
	server.Handle(testALPN, echoHandler(seen))
	if err := server.Serve(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, server.NodeAddr(), testALPN)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseWithError(0, "done")

	if conn.RemoteID() != server.ID() {
		t.Errorf("RemoteID() = %s, want %s", conn.RemoteID(), server.ID())
	}
	if conn.Protocol() != testALPN {
		t.Errorf("Protocol() = %q, want %q", conn.Protocol(), testALPN)
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	stream.CloseWrite()

	reply, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(reply) != "echo:ping" {
		t.Errorf("reply = %q, want %q", reply, "echo:ping")
	}

	select {
	case id := <-seen:
		if id != client.ID() {
			t.Errorf("server saw %s, want %s", id, client.ID())
		}
	case <-ctx.Done():
		t.Fatal("handler never ran")
	}
}

func TestEndpoint_IdentityMismatch(t *testing.T) {
	server := newTestEndpoint(t)
	client := newTestEndpoint(t)
	server.Handle(testALPN, echoHandler(make(chan identity.EndpointID, 1)))
	server.Serve()

	other, _ := identity.GenerateKeypair()
	wrong := NodeAddr{ID: other.ID(), Addrs: server.LocalAddrs()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, wrong, testALPN); !errors.Is(err, ErrConnect) {
		t.Fatalf("Dial() error = %v, want ErrConnect", err)
	}
	if n := client.ConnCount(); n != 0 {
		t.Errorf("ConnCount() = %d after failed dial, want 0", n)
	}
}

func TestEndpoint_UnknownALPN(t *testing.T) {
	server := newTestEndpoint(t)
	client := newTestEndpoint(t)
	server.Handle(testALPN, echoHandler(make(chan identity.EndpointID, 1)))
	server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, server.NodeAddr(), "other/1"); !errors.Is(err, ErrConnect) {
		t.Fatalf("Dial() with unknown ALPN error = %v, want ErrConnect", err)
	}
}

type staticResolver map[identity.EndpointID][]netip.AddrPort

func (r staticResolver) Resolve(_ context.Context, id identity.EndpointID) ([]netip.AddrPort, error) {
	if addrs, ok := r[id]; ok {
		return addrs, nil
	}
	return nil, errors.New("unknown")
}

func TestEndpoint_DialViaResolver(t *testing.T) {
	server := newTestEndpoint(t)
	client := newTestEndpoint(t)
	server.Handle(testALPN, echoHandler(make(chan identity.EndpointID, 1)))
	server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Dial(ctx, NodeAddr{ID: server.ID()}, testALPN); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("Dial() without resolver error = %v, want ErrAddressNotFound", err)
	}

	client.AddResolver(staticResolver{server.ID(): server.LocalAddrs()})
	conn, err := client.Dial(ctx, NodeAddr{ID: server.ID()}, testALPN)
	if err != nil {
		t.Fatalf("Dial() via resolver error = %v", err)
	}
	conn.CloseWithError(0, "")
}

func TestEndpoint_CloseNotifiesPeers(t *testing.T) {
	server := newTestEndpoint(t)
	client := newTestEndpoint(t)

	accepted := make(chan Conn, 1)
	server.Handle(testALPN, handlerFunc(func(ctx context.Context, conn Conn) error {
		accepted <- conn
		<-conn.Done()
		return nil
	}))
	server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, server.NodeAddr(), testALPN)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	// Streams become visible to the peer once data is sent.
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	stream.Write([]byte("x"))

	select {
	case <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted the connection")
	}
	if n := server.ConnCount(); n != 1 {
		t.Errorf("ConnCount() = %d, want 1", n)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("client connection not closed after server shutdown")
	}

	_, err = conn.AcceptStream(ctx)
	code, remote, ok := CloseCode(err)
	if !ok || code != 4 || !remote {
		t.Errorf("CloseCode(%v) = %d, %v, %v; want 4, true, true", err, code, remote, ok)
	}

	if _, err := server.Dial(ctx, client.NodeAddr(), testALPN); !errors.Is(err, ErrClosed) {
		t.Errorf("Dial() after Close error = %v, want ErrClosed", err)
	}
	if err := server.Serve(); !errors.Is(err, ErrClosed) {
		t.Errorf("Serve() after Close error = %v, want ErrClosed", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestEndpoint_HandlerPanicClosesConn(t *testing.T) {
	server := newTestEndpoint(t)
	client := newTestEndpoint(t)

	server.Handle(testALPN, handlerFunc(func(ctx context.Context, conn Conn) error {
		if _, err := conn.AcceptStream(ctx); err != nil {
			return err
		}
		panic("handler bug")
	}))
	server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, server.NodeAddr(), testALPN)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	stream.Write([]byte("x"))

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("connection left open after handler panic")
	}
	code, remote, ok := CloseCode(conn.Err())
	if !ok || !remote || code != 6 {
		t.Errorf("CloseCode() = %d, %v, %v; want 6 from remote", code, remote, ok)
	}

	// The endpoint keeps serving after a panic.
	server.Handle(testALPN, echoHandler(make(chan identity.EndpointID, 1)))
	again, err := client.Dial(ctx, server.NodeAddr(), testALPN)
	if err != nil {
		t.Fatalf("Dial() after panic error = %v", err)
	}
	again.CloseWithError(0, "")
}

func TestEndpoint_LocalAddrs(t *testing.T) {
	ep := newTestEndpoint(t)
	addrs := ep.LocalAddrs()
	if len(addrs) != 1 {
		t.Fatalf("LocalAddrs() = %v, want one address", addrs)
	}
	if addrs[0].Addr() != netip.MustParseAddr("127.0.0.1") || addrs[0].Port() == 0 {
		t.Errorf("LocalAddrs() = %v, want 127.0.0.1 with a port", addrs)
	}
}

func TestNew_RequiresKeypair(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without keypair should fail")
	}
}
