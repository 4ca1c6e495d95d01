package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/recovery"
)

// Default QUIC configuration values
const (
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultMaxIdleTimeout     = 30 * time.Second
	DefaultKeepAlivePeriod    = 10 * time.Second
	DefaultMaxIncomingStreams = 8
	DefaultListenAddr         = "0.0.0.0:0"
)

// Config configures an Endpoint.
type Config struct {
	// Keypair is the endpoint identity. Required.
	Keypair *identity.Keypair

	// ListenAddr is the UDP address to bind ("0.0.0.0:0" picks a port).
	ListenAddr string

	HandshakeTimeout   time.Duration
	MaxIdleTimeout     time.Duration
	KeepAlivePeriod    time.Duration
	MaxIncomingStreams int64

	// ShutdownCode is sent to open connections when the endpoint closes.
	ShutdownCode uint64

	// UnsupportedCode closes connections whose ALPN lost its handler.
	UnsupportedCode uint64

	// InternalCode closes a connection whose handler panicked.
	InternalCode uint64

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.MaxIncomingStreams <= 0 {
		c.MaxIncomingStreams = DefaultMaxIncomingStreams
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

// Endpoint is a bound QUIC endpoint that dials peers by identity and
// routes inbound connections to protocol handlers.
type Endpoint struct {
	cfg    Config
	cert   tls.Certificate
	logger *slog.Logger

	udpConn  *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	handlers  map[string]ProtocolHandler
	resolvers []Resolver
	conns     map[*quicConn]struct{}
	serving   bool
	closed    bool

	wg sync.WaitGroup
}

// New binds the UDP socket and starts listening for QUIC handshakes.
// Connections are queued until Serve is called.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("transport: keypair is required")
	}
	cfg.applyDefaults()

	cert, err := GenerateIdentityCert(cfg.Keypair)
	if err != nil {
		return nil, err
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", cfg.ListenAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:      cfg,
		cert:     cert,
		logger:   logging.Component(cfg.Logger, "transport"),
		udpConn:  udpConn,
		tr:       &quic.Transport{Conn: udpConn},
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]ProtocolHandler),
		conns:    make(map[*quicConn]struct{}),
	}

	listener, err := e.tr.Listen(serverTLSConfig(cert, e.protocols), e.quicConfig())
	if err != nil {
		cancel()
		e.tr.Close()
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}
	e.listener = listener

	e.logger.Debug("endpoint bound",
		logging.KeyEndpointID, cfg.Keypair.ID().ShortString(),
		logging.KeyLocalAddr, udpConn.LocalAddr().String())
	return e, nil
}

func (e *Endpoint) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:  e.cfg.HandshakeTimeout,
		MaxIdleTimeout:        e.cfg.MaxIdleTimeout,
		KeepAlivePeriod:       e.cfg.KeepAlivePeriod,
		MaxIncomingStreams:    e.cfg.MaxIncomingStreams,
		MaxIncomingUniStreams: -1, // We don't use uni streams
	}
}

// ID returns the local endpoint identity.
func (e *Endpoint) ID() identity.EndpointID {
	return e.cfg.Keypair.ID()
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	ap := e.udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// LocalAddrs returns the addresses peers can use to reach this endpoint.
// A wildcard bind expands to every non-loopback interface address.
func (e *Endpoint) LocalAddrs() []netip.AddrPort {
	bound := e.LocalAddr()
	if !bound.Addr().IsUnspecified() {
		return []netip.AddrPort{bound}
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []netip.AddrPort{netip.AddrPortFrom(netip.IPv6Loopback(), bound.Port())}
	}

	var out []netip.AddrPort
	for _, a := range ifaceAddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr().Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		if bound.Addr().Is4() && !ip.Is4() {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip, bound.Port()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr().Less(out[j].Addr()) })
	if len(out) == 0 {
		out = append(out, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), bound.Port()))
	}
	return out
}

// NodeAddr returns this endpoint's ticket.
func (e *Endpoint) NodeAddr() NodeAddr {
	return NodeAddr{ID: e.ID(), Addrs: e.LocalAddrs()}
}

// Handle registers h for connections negotiating alpn. Registering the
// same ALPN again replaces the handler.
func (e *Endpoint) Handle(alpn string, h ProtocolHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[alpn] = h
}

// AddResolver registers an address source consulted by Dial.
func (e *Endpoint) AddResolver(r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers = append(e.resolvers, r)
}

func (e *Endpoint) protocols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	protos := make([]string, 0, len(e.handlers))
	for p := range e.handlers {
		protos = append(protos, p)
	}
	sort.Strings(protos)
	return protos
}

func (e *Endpoint) handler(alpn string) ProtocolHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[alpn]
}

// Serve starts the accept loop. Calls after the first are no-ops.
func (e *Endpoint) Serve() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.serving {
		return nil
	}
	e.serving = true
	recovery.Go(&e.wg, e.logger, "acceptLoop", e.acceptLoop)
	return nil
}

func (e *Endpoint) acceptLoop() {
	for {
		qc, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("accept failed", logging.KeyError, err)
			}
			return
		}

		conn, err := e.track(qc)
		if err != nil {
			e.logger.Debug("rejecting connection",
				logging.KeyRemoteAddr, qc.RemoteAddr().String(),
				logging.KeyError, err)
			qc.CloseWithError(quic.ApplicationErrorCode(e.cfg.UnsupportedCode), err.Error())
			continue
		}

		h := e.handler(conn.Protocol())
		if h == nil {
			conn.CloseWithError(e.cfg.UnsupportedCode, "unsupported protocol")
			continue
		}

		e.wg.Add(1)
		go e.serveConn(h, conn)
	}
}

// serveConn runs h for conn. A panicking handler is logged and its
// connection closed with InternalCode so the peer is not left waiting.
func (e *Endpoint) serveConn(h ProtocolHandler, conn *quicConn) {
	defer e.wg.Done()
	defer recovery.RecoverWithCallback(e.logger, "protocolHandler", func(any) {
		conn.CloseWithError(e.cfg.InternalCode, "internal error")
	})

	if err := h.HandleConn(e.ctx, conn); err != nil {
		e.logger.Debug("handler finished with error",
			logging.KeyPeerID, conn.RemoteID().ShortString(),
			logging.KeyALPN, conn.Protocol(),
			logging.KeyError, err)
	}
}

// Dial connects to addr under alpn. Addresses in addr are tried first;
// otherwise the registered resolvers are consulted.
func (e *Endpoint) Dial(ctx context.Context, addr NodeAddr, alpn string) (Conn, error) {
	e.mu.RLock()
	closed := e.closed
	resolvers := append([]Resolver(nil), e.resolvers...)
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if addr.ID.IsZero() {
		return nil, fmt.Errorf("%w: empty endpoint ID", ErrInvalidAddress)
	}

	candidates := addr.Addrs
	if len(candidates) == 0 {
		for _, r := range resolvers {
			found, err := r.Resolve(ctx, addr.ID)
			if err != nil {
				continue
			}
			candidates = append(candidates, found...)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, addr.ID.ShortString())
	}

	tlsConf := clientTLSConfig(e.cert, addr.ID, alpn)
	var errs error
	for _, ap := range candidates {
		conn, err := e.dialOne(ctx, ap, tlsConf)
		if err == nil {
			return conn, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", ap, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnect, errs)
}

func (e *Endpoint) dialOne(ctx context.Context, ap netip.AddrPort, tlsConf *tls.Config) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	if e.LocalAddr().Addr().Is4() && ap.Addr().Is6() && !ap.Addr().Is4In6() {
		return nil, errors.New("IPv6 address unreachable from IPv4 socket")
	}
	udpAddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))

	qc, err := e.tr.Dial(ctx, udpAddr, tlsConf, e.quicConfig())
	if err != nil {
		return nil, err
	}
	conn, err := e.track(qc)
	if err != nil {
		qc.CloseWithError(0, err.Error())
		return nil, err
	}
	return conn, nil
}

// track wraps qc and records it so Close can tear it down.
func (e *Endpoint) track(qc quic.Connection) (*quicConn, error) {
	state := qc.ConnectionState().TLS
	remote, err := peerIDFromState(state)
	if err != nil {
		return nil, err
	}

	c := &quicConn{conn: qc, remoteID: remote, protocol: state.NegotiatedProtocol}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	context.AfterFunc(qc.Context(), func() {
		e.mu.Lock()
		delete(e.conns, c)
		e.mu.Unlock()
	})
	return c, nil
}

func peerIDFromState(state tls.ConnectionState) (identity.EndpointID, error) {
	if len(state.PeerCertificates) == 0 {
		return identity.ZeroID, errNoPeerCert
	}
	return peerIDFromCert(state.PeerCertificates[0])
}

// ConnCount returns the number of open connections.
func (e *Endpoint) ConnCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Close closes every open connection with the shutdown code, stops the
// accept loop and releases the socket.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*quicConn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	var errs error
	for _, c := range conns {
		errs = multierr.Append(errs, ignoreClosed(c.CloseWithError(e.cfg.ShutdownCode, "endpoint shutting down")))
	}

	e.cancel()
	errs = multierr.Append(errs, e.listener.Close())
	errs = multierr.Append(errs, e.tr.Close())
	errs = multierr.Append(errs, ignoreClosed(e.udpConn.Close()))
	e.wg.Wait()
	return errs
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return nil
	}
	return err
}

// CloseCode reports the application error code that closed a connection,
// as observed by an operation that failed because of it. remote is true
// when the peer closed.
func CloseCode(err error) (code uint64, remote bool, ok bool) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return uint64(appErr.ErrorCode), appErr.Remote, true
	}
	return 0, false, false
}

// quicConn implements Conn for QUIC.
type quicConn struct {
	conn     quic.Connection
	remoteID identity.EndpointID
	protocol string
}

// OpenStream creates a new outgoing QUIC stream.
func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	return &quicStream{stream: stream}, nil
}

// AcceptStream waits for an incoming QUIC stream.
func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) RemoteID() identity.EndpointID { return c.remoteID }
func (c *quicConn) Protocol() string              { return c.protocol }
func (c *quicConn) LocalAddr() net.Addr           { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr          { return c.conn.RemoteAddr() }
func (c *quicConn) Done() <-chan struct{}         { return c.conn.Context().Done() }

// Err returns the close cause once the connection is done.
func (c *quicConn) Err() error {
	ctx := c.conn.Context()
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// CloseWithError terminates the QUIC connection.
func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// quicStream implements Stream for QUIC.
type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends a half-close (FIN) on the write side.
func (s *quicStream) CloseWrite() error {
	return s.stream.Close()
}

// Close fully closes the stream.
func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

func (s *quicStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
