// Package friend implements the friend-exchange engine: the protocol
// handler, the pending request registry, the event bus and the Service
// that ties them to a transport endpoint and a discovery source.
package friend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/campuslink/campuslink/internal/discovery"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/profile"
	"github.com/campuslink/campuslink/internal/protocol"
	"github.com/campuslink/campuslink/internal/recovery"
	"github.com/campuslink/campuslink/internal/transport"
)

// DefaultRejectLinger is how long a rejecting responder waits for the
// initiator to hang up before closing the connection itself.
const DefaultRejectLinger = 2 * time.Second

var (
	// ErrNotFound is returned when no pending request matches.
	ErrNotFound = errors.New("no pending request from peer")

	// ErrRejected is returned when the peer declined the request.
	ErrRejected = errors.New("friend request rejected")

	// ErrNotStarted is returned by operations that need Start first.
	ErrNotStarted = errors.New("service not started")

	// ErrShutdown is returned by every operation after Shutdown.
	ErrShutdown = errors.New("service shut down")

	// ErrNoProfile is returned when no profile was given or set.
	ErrNoProfile = errors.New("no local profile set")

	// ErrNoDiscovery is returned by StartDiscovery when discovery is disabled.
	ErrNoDiscovery = errors.New("discovery disabled")
)

// Discovery is the discovery source the service consumes.
type Discovery interface {
	transport.Resolver
	Subscribe(ctx context.Context) (<-chan discovery.Sighting, error)
	Peers() []discovery.Sighting
	Close() error
}

// DiscoveryFactory builds the discovery source once the endpoint is bound.
type DiscoveryFactory func(self identity.EndpointID, addrs []netip.AddrPort) (Discovery, error)

// Config configures a Service.
type Config struct {
	// Keypair is the node identity. Required.
	Keypair *identity.Keypair

	ListenAddr       string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	RejectLinger     time.Duration

	Limits       Limits
	InboundRate  float64
	InboundBurst int

	// NewDiscovery overrides the default mDNS discovery.
	NewDiscovery DiscoveryFactory

	// MDNS configures the default discovery.
	MDNS discovery.MDNSConfig

	// DisableDiscovery runs without discovery; peers must be dialed by
	// ticket.
	DisableDiscovery bool

	// Backlog bounds the events kept while no sink is attached.
	Backlog int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if c.RejectLinger <= 0 {
		c.RejectLinger = DefaultRejectLinger
	}
	if c.InboundRate == 0 {
		c.InboundRate = DefaultInboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = DefaultInboundBurst
	}
	c.Limits.applyDefaults()
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
}

// Service is the friend-exchange engine for one node.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	endpoint *transport.Endpoint
	disc     Discovery
	registry *Registry
	bus      *Bus
	handler  *Handler

	ctx    context.Context
	cancel context.CancelFunc

	profileMu sync.RWMutex
	profile   *profile.ShareData

	mu         sync.Mutex
	started    bool
	shutdown   bool
	discCancel context.CancelFunc
	discDone   chan struct{}
}

// New binds the endpoint and constructs discovery, registering it as the
// endpoint's resolver. The service does not accept connections until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("friend: keypair is required")
	}
	cfg.applyDefaults()

	ep, err := transport.New(transport.Config{
		Keypair:          cfg.Keypair,
		ListenAddr:       cfg.ListenAddr,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxIdleTimeout:   cfg.IdleTimeout,
		ShutdownCode:     uint64(protocol.CloseShutdown),
		UnsupportedCode:  uint64(protocol.CloseUnsupported),
		InternalCode:     uint64(protocol.CloseInternal),
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bind endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   logging.Component(cfg.Logger, "friend"),
		metrics:  cfg.Metrics,
		endpoint: ep,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.registry = NewRegistry(cfg.Metrics.SetPendingRequests)
	s.bus = NewBus(cfg.Backlog, cfg.Logger, cfg.Metrics)
	s.handler = NewHandler(HandlerConfig{
		Registry:     s.registry,
		Bus:          s.bus,
		Limits:       cfg.Limits,
		Timeout:      cfg.HandshakeTimeout,
		InboundRate:  cfg.InboundRate,
		InboundBurst: cfg.InboundBurst,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})

	if !cfg.DisableDiscovery {
		factory := cfg.NewDiscovery
		if factory == nil {
			factory = s.mdnsFactory
		}
		disc, err := factory(ep.ID(), ep.LocalAddrs())
		if err != nil {
			cancel()
			s.bus.Close()
			return nil, multierr.Append(fmt.Errorf("start discovery: %w", err), ep.Close())
		}
		s.disc = disc
		ep.AddResolver(disc)
	}

	s.logger.Info("service initialized",
		logging.KeyEndpointID, ep.ID().String(),
		logging.KeyLocalAddr, ep.LocalAddr().String())
	return s, nil
}

func (s *Service) mdnsFactory(self identity.EndpointID, addrs []netip.AddrPort) (Discovery, error) {
	mcfg := s.cfg.MDNS
	if mcfg.Logger == nil {
		mcfg.Logger = s.cfg.Logger
	}
	if mcfg.OnSighting == nil {
		mcfg.OnSighting = func(discovery.Sighting) { s.metrics.RecordPeerDiscovered() }
	}
	port := 0
	if len(addrs) > 0 {
		port = int(addrs[0].Port())
	}
	return discovery.NewMDNS(self, port, mcfg)
}

// ID returns the local endpoint identity.
func (s *Service) ID() identity.EndpointID {
	return s.endpoint.ID()
}

// NodeAddr returns the local identity with its dialable addresses.
func (s *Service) NodeAddr() transport.NodeAddr {
	return s.endpoint.NodeAddr()
}

// SetProfile validates sd and stores a copy as the local profile.
func (s *Service) SetProfile(sd *profile.ShareData) error {
	if sd == nil {
		return ErrNoProfile
	}
	if err := sd.Validate(); err != nil {
		return err
	}
	s.profileMu.Lock()
	s.profile = sd.Clone()
	s.profileMu.Unlock()
	return nil
}

// Profile returns a copy of the local profile, or nil.
func (s *Service) Profile() *profile.ShareData {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	if s.profile == nil {
		return nil
	}
	return s.profile.Clone()
}

// resolveProfile captures the profile an exchange will send.
func (s *Service) resolveProfile(mine *profile.ShareData) (*profile.ShareData, []byte, error) {
	if mine == nil {
		mine = s.Profile()
	} else {
		mine = mine.Clone()
	}
	if mine == nil {
		return nil, nil, ErrNoProfile
	}
	data, err := profile.Marshal(mine)
	if err != nil {
		return nil, nil, err
	}
	if len(data) > s.cfg.Limits.ProfileBytes {
		return nil, nil, fmt.Errorf("local profile: %w (%d > %d)",
			protocol.ErrPayloadTooLarge, len(data), s.cfg.Limits.ProfileBytes)
	}
	return mine, data, nil
}

func (s *Service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	return nil
}

// Start attaches sink and begins accepting friend requests. Calling it
// again only replaces the sink.
func (s *Service) Start(sink Sink) error {
	if sink == nil {
		return errors.New("friend: sink is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}

	s.bus.Attach(sink)
	if s.started {
		s.logger.Debug("event sink replaced")
		return nil
	}

	s.endpoint.Handle(protocol.ALPN, s.handler)
	if err := s.endpoint.Serve(); err != nil {
		return err
	}
	s.started = true
	s.logger.Info("service started", logging.KeyALPN, protocol.ALPN)
	return nil
}

// Started reports whether Start has succeeded.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// StartDiscovery runs the discovery task, replacing any running one.
func (s *Service) StartDiscovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	if !s.started {
		s.logger.Warn("discovery requested before start")
		return ErrNotStarted
	}
	if s.disc == nil {
		return ErrNoDiscovery
	}

	s.stopDiscoveryLocked()

	ctx, cancel := context.WithCancel(s.ctx)
	sightings, err := s.disc.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to discovery: %w", err)
	}

	done := make(chan struct{})
	s.discCancel = cancel
	s.discDone = done
	s.metrics.SetDiscoveryRunning(true)

	go func() {
		defer close(done)
		defer recovery.RecoverWithLog(s.logger, "discoveryTask")
		s.runDiscovery(ctx, sightings)
	}()

	s.logger.Info("discovery started")
	return nil
}

func (s *Service) runDiscovery(ctx context.Context, sightings <-chan discovery.Sighting) {
	self := s.ID()
	for sighting := range sightings {
		if sighting.ID == self {
			continue
		}
		ev := PeerDiscoveredEvent{Peer: DiscoveredPeer{
			EndpointID: sighting.ID,
			Timestamp:  sighting.SeenAt.Unix(),
		}}
		if err := s.bus.Publish(ctx, ev); err != nil && ctx.Err() == nil {
			s.logger.Debug("peer discovered event not delivered",
				logging.KeyPeerID, sighting.ID.ShortString(),
				logging.KeyError, err)
		}
	}
}

// StopDiscovery cancels the discovery task, if any.
func (s *Service) StopDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopDiscoveryLocked()
}

func (s *Service) stopDiscoveryLocked() {
	if s.discCancel == nil {
		return
	}
	s.discCancel()
	<-s.discDone
	s.discCancel = nil
	s.discDone = nil
	s.metrics.SetDiscoveryRunning(false)
	s.logger.Info("discovery stopped")
}

// DiscoveryRunning reports whether a discovery task is active.
func (s *Service) DiscoveryRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discCancel != nil
}

// Peers returns recently sighted peers, newest first.
func (s *Service) Peers() []discovery.Sighting {
	if s.disc == nil {
		return nil
	}
	return s.disc.Peers()
}

// PendingRequests lists requests awaiting a decision, oldest first.
func (s *Service) PendingRequests() []RequestInfo {
	return s.registry.Snapshot()
}

// SendFriendRequest asks peer (an endpoint ID or ticket) to be friends and,
// if accepted, exchanges profiles. mine defaults to the local profile.
func (s *Service) SendFriendRequest(ctx context.Context, peer string, mine *profile.ShareData) (*profile.ShareData, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	addr, err := transport.ParseNodeAddr(peer)
	if err != nil {
		return nil, err
	}
	if addr.ID == s.ID() {
		return nil, fmt.Errorf("%w: cannot send a request to ourselves", transport.ErrInvalidAddress)
	}
	mine, payload, err := s.resolveProfile(mine)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(logging.KeyPeerID, addr.ID.ShortString())
	start := time.Now()

	conn, err := s.endpoint.Dial(ctx, addr, protocol.ALPN)
	if err != nil {
		s.metrics.RecordHandshake(metrics.RoleInitiator, metrics.OutcomeFailed, time.Since(start).Seconds())
		return nil, err
	}
	s.metrics.RecordConnOpen(metrics.RoleInitiator)
	defer s.metrics.RecordConnClose()

	// Stream reads take no context; closing the connection unblocks them.
	stop := context.AfterFunc(ctx, func() {
		conn.CloseWithError(uint64(protocol.CloseDone), "cancelled")
	})
	defer stop()

	theirs, err := s.initiate(ctx, conn, mine, payload)
	if err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, ErrRejected) {
			outcome = metrics.OutcomeRejected
			if perr := s.bus.Publish(ctx, RequestRejectedEvent{Peer: addr.ID, Reason: "declined"}); perr != nil {
				logger.Debug("rejection event not delivered", logging.KeyError, perr)
			}
		}
		s.metrics.RecordHandshake(metrics.RoleInitiator, outcome, time.Since(start).Seconds())
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrRejected) {
			return nil, fmt.Errorf("friend request: %w", ctxErr)
		}
		return nil, err
	}

	conn.CloseWithError(uint64(protocol.CloseDone), "done")
	s.metrics.RecordHandshake(metrics.RoleInitiator, metrics.OutcomeAccepted, time.Since(start).Seconds())
	logger.Info("friend request accepted", "name", theirs.Name)

	if err := s.bus.Publish(ctx, DataReceivedEvent{Peer: addr.ID, ShareData: theirs.Clone()}); err != nil {
		logger.Debug("data received event not delivered", logging.KeyError, err)
	}
	return theirs, nil
}

// initiate runs the initiator side of the handshake on conn. conn is left
// open on success and closed on failure.
func (s *Service) initiate(ctx context.Context, conn transport.Conn, mine *profile.ShareData, payload []byte) (*profile.ShareData, error) {
	fail := func(code protocol.CloseCode, reason string, err error) (*profile.ShareData, error) {
		conn.CloseWithError(uint64(code), reason)
		return nil, err
	}

	reqStream, err := conn.OpenStream(ctx)
	if err != nil {
		return fail(protocol.CloseDone, "open failed", fmt.Errorf("open request stream: %w", err))
	}
	req := protocol.Request{From: mine.Registration, Name: mine.Name}
	if err := protocol.WriteRequest(reqStream, req); err != nil {
		return fail(protocol.CloseDone, "write failed", s.remoteErr("write request", err))
	}
	if err := reqStream.CloseWrite(); err != nil {
		return fail(protocol.CloseDone, "write failed", s.remoteErr("finish request", err))
	}

	// No deadline: the answer waits on a human.
	resp, err := protocol.ReadResponse(reqStream)
	if err != nil {
		if code, remote, ok := transport.CloseCode(err); ok && remote && code == uint64(protocol.CloseRejected) {
			return nil, ErrRejected
		}
		if errors.Is(err, protocol.ErrDecode) {
			return fail(protocol.CloseProtocolError, "bad response", err)
		}
		return fail(protocol.CloseProtocolError, "bad response", s.remoteErr("read response", err))
	}
	if !resp.Accepted {
		return fail(protocol.CloseRejected, "rejected", ErrRejected)
	}

	dataStream, err := conn.OpenStream(ctx)
	if err != nil {
		return fail(protocol.CloseDone, "open failed", fmt.Errorf("open data stream: %w", err))
	}
	dataStream.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	if err := protocol.WritePayload(dataStream, payload, s.cfg.Limits.ProfileBytes); err != nil {
		return fail(protocol.CloseDone, "write failed", s.remoteErr("write profile", err))
	}
	if err := dataStream.CloseWrite(); err != nil {
		return fail(protocol.CloseDone, "write failed", s.remoteErr("finish profile", err))
	}
	s.metrics.RecordProfileBytes(metrics.DirectionSent, len(payload))

	raw, err := protocol.ReadPayload(dataStream, s.cfg.Limits.ProfileBytes)
	if err != nil {
		return fail(protocol.CloseProtocolError, "bad profile", s.remoteErr("read profile", err))
	}
	theirs, err := profile.Unmarshal(raw)
	if err != nil {
		return fail(protocol.CloseProtocolError, "bad profile", fmt.Errorf("%w: %v", protocol.ErrDecode, err))
	}
	s.metrics.RecordProfileBytes(metrics.DirectionReceived, len(raw))
	return theirs, nil
}

// remoteErr wraps a stream error, mapping a remote shutdown or rejection
// close to the matching sentinel.
func (s *Service) remoteErr(op string, err error) error {
	if code, remote, ok := transport.CloseCode(err); ok && remote {
		switch protocol.CloseCode(code) {
		case protocol.CloseRejected:
			return ErrRejected
		case protocol.CloseShutdown:
			return fmt.Errorf("%s: peer shut down: %w", op, transport.ErrClosed)
		}
		return fmt.Errorf("%s: peer closed with %s: %w", op, protocol.CloseCode(code), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// take removes the oldest pending request for remote and claims its
// connection.
func (s *Service) take(remote identity.EndpointID) (*PendingRequest, transport.Conn, transport.Stream, error) {
	p, err := s.registry.Take(remote)
	if err != nil {
		return nil, nil, nil, err
	}
	conn, stream, err := p.claim()
	if err != nil {
		return nil, nil, nil, ErrNotFound
	}
	return p, conn, stream, nil
}

// AcceptFriendRequest accepts the oldest pending request from remote and
// exchanges profiles. mine defaults to the local profile.
func (s *Service) AcceptFriendRequest(ctx context.Context, remote identity.EndpointID, mine *profile.ShareData) (*profile.ShareData, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	_, payload, err := s.resolveProfile(mine)
	if err != nil {
		return nil, err
	}

	p, conn, respStream, err := s.take(remote)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		logging.KeyPeerID, remote.ShortString(),
		logging.KeyRequestID, p.ID.String())
	start := time.Now()

	stop := context.AfterFunc(ctx, func() {
		conn.CloseWithError(uint64(protocol.CloseDone), "cancelled")
	})
	defer stop()

	theirs, err := s.respond(ctx, conn, respStream, payload)
	if err != nil {
		s.metrics.RecordHandshake(metrics.RoleResponder, metrics.OutcomeFailed, time.Since(start).Seconds())
		logger.Warn("accept failed", logging.KeyError, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("accept: %w", ctxErr)
		}
		return nil, err
	}

	// The initiator hangs up once it has our profile.
	select {
	case <-conn.Done():
	case <-ctx.Done():
	case <-time.After(s.cfg.HandshakeTimeout):
		logger.Debug("initiator did not close; closing")
	}
	conn.CloseWithError(uint64(protocol.CloseDone), "done")

	s.metrics.RecordHandshake(metrics.RoleResponder, metrics.OutcomeAccepted, time.Since(start).Seconds())
	logger.Info("friend request accepted", "name", theirs.Name)

	if err := s.bus.Publish(ctx, RequestAcceptedEvent{Peer: remote, ShareData: theirs.Clone()}); err != nil {
		logger.Debug("accepted event not delivered", logging.KeyError, err)
	}
	return theirs, nil
}

// respond answers yes on stream #1 and runs the stream #2 exchange. Our
// write side stays open until the peer's profile is fully read, so the
// initiator seeing our FIN means we have everything.
func (s *Service) respond(ctx context.Context, conn transport.Conn, respStream transport.Stream, payload []byte) (*profile.ShareData, error) {
	fail := func(code protocol.CloseCode, reason string, err error) (*profile.ShareData, error) {
		conn.CloseWithError(uint64(code), reason)
		return nil, err
	}

	if err := protocol.WriteResponse(respStream, protocol.Response{Accepted: true}); err != nil {
		return fail(protocol.CloseDone, "write failed", s.remoteErr("write response", err))
	}
	if err := respStream.CloseWrite(); err != nil {
		return fail(protocol.CloseDone, "write failed", s.remoteErr("finish response", err))
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	dataStream, err := conn.AcceptStream(actx)
	if err != nil {
		return fail(protocol.CloseDone, "no data stream", s.remoteErr("accept data stream", err))
	}
	dataStream.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	var (
		theirs   *profile.ShareData
		readDone = make(chan struct{})
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(readDone)
		raw, err := protocol.ReadPayload(dataStream, s.cfg.Limits.ProfileBytes)
		if err != nil {
			return s.remoteErr("read profile", err)
		}
		sd, err := profile.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrDecode, err)
		}
		s.metrics.RecordProfileBytes(metrics.DirectionReceived, len(raw))
		theirs = sd
		return nil
	})
	g.Go(func() error {
		if err := protocol.WritePayload(dataStream, payload, s.cfg.Limits.ProfileBytes); err != nil {
			return s.remoteErr("write profile", err)
		}
		<-readDone
		if err := dataStream.CloseWrite(); err != nil {
			return s.remoteErr("finish profile", err)
		}
		s.metrics.RecordProfileBytes(metrics.DirectionSent, len(payload))
		return nil
	})

	if err := g.Wait(); err != nil {
		code := protocol.CloseDone
		if errors.Is(err, protocol.ErrDecode) || errors.Is(err, protocol.ErrPayloadTooLarge) {
			code = protocol.CloseProtocolError
		}
		return fail(code, "exchange failed", err)
	}
	return theirs, nil
}

// RejectFriendRequest declines the oldest pending request from remote. No
// profile data is exchanged.
func (s *Service) RejectFriendRequest(ctx context.Context, remote identity.EndpointID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	p, conn, respStream, err := s.take(remote)
	if err != nil {
		return err
	}
	start := time.Now()

	var errs error
	if err := protocol.WriteResponse(respStream, protocol.Response{Accepted: false}); err != nil {
		errs = multierr.Append(errs, s.remoteErr("write response", err))
	} else if err := respStream.CloseWrite(); err != nil {
		errs = multierr.Append(errs, s.remoteErr("finish response", err))
	}

	if errs == nil {
		select {
		case <-conn.Done():
		case <-ctx.Done():
		case <-time.After(s.cfg.RejectLinger):
		}
	}
	conn.CloseWithError(uint64(protocol.CloseRejected), "rejected")

	s.metrics.RecordHandshake(metrics.RoleResponder, metrics.OutcomeRejected, time.Since(start).Seconds())
	s.logger.Info("friend request rejected",
		logging.KeyPeerID, remote.ShortString(),
		logging.KeyRequestID, p.ID.String())
	return errs
}

// Shutdown stops discovery, turns away pending requests and closes the
// endpoint. Later calls to any operation return ErrShutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.stopDiscoveryLocked()
	s.mu.Unlock()

	for _, p := range s.registry.Drain() {
		if conn, _, err := p.claim(); err == nil {
			conn.CloseWithError(uint64(protocol.CloseShutdown), "shutting down")
		}
	}

	s.cancel()
	s.bus.Close()

	done := make(chan error, 1)
	go func() {
		var errs error
		errs = multierr.Append(errs, s.endpoint.Close())
		if s.disc != nil {
			errs = multierr.Append(errs, s.disc.Close())
		}
		done <- errs
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("shutdown finished with errors", logging.KeyError, err)
		} else {
			s.logger.Info("service shut down")
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
