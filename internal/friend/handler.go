package friend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/protocol"
	"github.com/campuslink/campuslink/internal/transport"
)

// Inbound rate defaults.
const (
	DefaultInboundRate  = 5.0
	DefaultInboundBurst = 10
)

// Limits bounds message sizes.
type Limits struct {
	RequestBytes int
	ProfileBytes int
}

func (l *Limits) applyDefaults() {
	if l.RequestBytes <= 0 || l.RequestBytes > protocol.MaxRequestSize {
		l.RequestBytes = protocol.MaxRequestSize
	}
	if l.ProfileBytes <= 0 || l.ProfileBytes > protocol.MaxProfileSize {
		l.ProfileBytes = protocol.MaxProfileSize
	}
}

// Handler runs the responder's first half of the handshake: read the
// request, park the connection in the registry and announce it.
type Handler struct {
	registry *Registry
	bus      *Bus
	limiter  *rate.Limiter
	limits   Limits
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Registry *Registry
	Bus      *Bus
	Limits   Limits

	// Timeout bounds the wait for the request stream and its payload.
	Timeout time.Duration

	// InboundRate is requests per second; <= 0 disables limiting.
	InboundRate  float64
	InboundBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	cfg.Limits.applyDefaults()
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultHandshakeTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	limit := rate.Inf
	if cfg.InboundRate > 0 {
		limit = rate.Limit(cfg.InboundRate)
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = DefaultInboundBurst
	}

	return &Handler{
		registry: cfg.Registry,
		bus:      cfg.Bus,
		limiter:  rate.NewLimiter(limit, cfg.InboundBurst),
		limits:   cfg.Limits,
		timeout:  cfg.Timeout,
		logger:   logging.Component(cfg.Logger, "handler"),
		metrics:  cfg.Metrics,
	}
}

// HandleConn implements transport.ProtocolHandler. It returns once the
// connection is closed, whether answered or not.
func (h *Handler) HandleConn(ctx context.Context, conn transport.Conn) error {
	remote := conn.RemoteID()
	logger := h.logger.With(logging.KeyPeerID, remote.ShortString())

	if !h.limiter.Allow() {
		h.metrics.RecordRequestDropped("busy")
		logger.Warn("inbound request rate exceeded")
		conn.CloseWithError(uint64(protocol.CloseBusy), "busy")
		return errors.New("inbound rate exceeded")
	}

	h.metrics.RecordConnOpen(metrics.RoleResponder)
	defer h.metrics.RecordConnClose()

	req, p, err := h.readRequest(ctx, conn)
	if err != nil {
		h.fail(ctx, conn, err)
		return err
	}

	h.registry.Insert(p)
	h.metrics.RecordRequestReceived()
	logger.Info("friend request received",
		logging.KeyRequestID, p.ID.String(),
		"name", req.Name,
		"from", req.From)

	if err := h.bus.Publish(ctx, IncomingRequestEvent{Request: p.Request}); err != nil {
		logger.Debug("incoming request not delivered", logging.KeyError, err)
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
	}

	// Still registered means nobody answered before the peer went away.
	if h.registry.Remove(p) {
		logger.Info("friend request withdrawn",
			logging.KeyRequestID, p.ID.String(),
			logging.KeyError, conn.Err())
	}
	return nil
}

func (h *Handler) readRequest(ctx context.Context, conn transport.Conn) (protocol.Request, *PendingRequest, error) {
	actx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	stream, err := conn.AcceptStream(actx)
	if err != nil {
		return protocol.Request{}, nil, fmt.Errorf("accept request stream: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(h.timeout))
	req, err := protocol.ReadRequest(stream, h.limits.RequestBytes)
	if err != nil {
		return protocol.Request{}, nil, fmt.Errorf("read request: %w", err)
	}
	stream.SetReadDeadline(time.Time{})

	in := IncomingRequest{From: req.From, Name: req.Name, RemoteID: conn.RemoteID()}
	return req, newPendingRequest(in, conn, stream), nil
}

// fail aborts conn. Malformed peer data is reported as an Error event since
// no caller is waiting on it.
func (h *Handler) fail(ctx context.Context, conn transport.Conn, err error) {
	code := protocol.CloseDone
	reason := "request failed"
	if errors.Is(err, protocol.ErrDecode) || errors.Is(err, protocol.ErrPayloadTooLarge) {
		code = protocol.CloseProtocolError
		reason = "malformed request"
		h.metrics.RecordRequestDropped("malformed")
	} else {
		h.metrics.RecordRequestDropped("transport")
	}
	conn.CloseWithError(uint64(code), reason)

	h.logger.Warn("inbound request failed",
		logging.KeyPeerID, conn.RemoteID().ShortString(),
		logging.KeyError, err)

	if code != protocol.CloseProtocolError {
		return
	}
	ev := ErrorEvent{
		Peer:    conn.RemoteID(),
		Message: fmt.Sprintf("malformed request from %s: %v", conn.RemoteID().ShortString(), err),
	}
	if perr := h.bus.Publish(ctx, ev); perr != nil {
		h.logger.Debug("error event not delivered", logging.KeyError, perr)
	}
}
