// Package api provides the local HTTP control surface of a campuslink node:
// JSON endpoints for the friend operations, a WebSocket event stream,
// health and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"

	"github.com/campuslink/campuslink/internal/discovery"
	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/profile"
	"github.com/campuslink/campuslink/internal/protocol"
	"github.com/campuslink/campuslink/internal/transport"
)

// maxBodySize bounds request bodies; a profile is the largest.
const maxBodySize = protocol.MaxProfileSize + 4096

// Node is the part of friend.Service the API drives.
type Node interface {
	ID() identity.EndpointID
	NodeAddr() transport.NodeAddr
	Profile() *profile.ShareData
	SetProfile(sd *profile.ShareData) error
	Started() bool
	StartDiscovery() error
	StopDiscovery()
	DiscoveryRunning() bool
	Peers() []discovery.Sighting
	PendingRequests() []friend.RequestInfo
	SendFriendRequest(ctx context.Context, peer string, mine *profile.ShareData) (*profile.ShareData, error)
	AcceptFriendRequest(ctx context.Context, remote identity.EndpointID, mine *profile.ShareData) (*profile.ShareData, error)
	RejectFriendRequest(ctx context.Context, remote identity.EndpointID) error
}

// IDResponse is the response for GET /v1/id.
type IDResponse struct {
	EndpointID       string `json:"endpoint_id"`
	Ticket           string `json:"ticket"`
	Started          bool   `json:"started"`
	DiscoveryRunning bool   `json:"discovery_running"`
}

// PeerInfo is one recently sighted peer.
type PeerInfo struct {
	EndpointID string    `json:"endpoint_id"`
	Addrs      []string  `json:"addrs"`
	SeenAt     time.Time `json:"seen_at"`
}

// PeersResponse is the response for GET /v1/peers.
type PeersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

// RequestsResponse is the response for GET /v1/requests.
type RequestsResponse struct {
	Requests []friend.RequestInfo `json:"requests"`
}

// SendRequest is the body of POST /v1/requests/send.
type SendRequest struct {
	Peer    string             `json:"peer"`
	Profile *profile.ShareData `json:"profile,omitempty"`
}

// AcceptRequest is the optional body of POST /v1/requests/{remote}/accept.
type AcceptRequest struct {
	Profile *profile.ShareData `json:"profile,omitempty"`
}

// ExchangeResponse carries the peer's profile after a completed exchange.
type ExchangeResponse struct {
	RemoteID  string             `json:"remote_id"`
	ShareData *profile.ShareData `json:"share_data"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains API server configuration.
type ServerConfig struct {
	// Address is the listen address (e.g., "127.0.0.1:7420").
	Address string

	// Token, when set, must be presented as "Authorization: Bearer <token>"
	// (or ?token= on the event stream).
	Token string

	// TokenHash is a bcrypt hash of the token, checked when Token is empty.
	TokenHash string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:7420",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the local API server.
type Server struct {
	cfg      ServerConfig
	node     Node
	hub      *Hub
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	// verified caches the last token that matched TokenHash.
	verified atomic.Pointer[string]
}

// NewServer creates an API server for node. Events reach WebSocket clients
// through hub, which the caller attaches to the service as a sink.
func NewServer(cfg ServerConfig, node Node, hub *Hub) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	s := &Server{
		cfg:    cfg,
		node:   node,
		hub:    hub,
		logger: logging.Component(logger, "api"),
	}

	metricsHandler := promhttp.Handler()
	if cfg.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metricsHandler)

	mux.HandleFunc("GET /v1/id", s.auth(s.handleID))
	mux.HandleFunc("GET /v1/profile", s.auth(s.handleGetProfile))
	mux.HandleFunc("PUT /v1/profile", s.auth(s.handlePutProfile))
	mux.HandleFunc("POST /v1/discovery/start", s.auth(s.handleDiscoveryStart))
	mux.HandleFunc("POST /v1/discovery/stop", s.auth(s.handleDiscoveryStop))
	mux.HandleFunc("GET /v1/peers", s.auth(s.handlePeers))
	mux.HandleFunc("GET /v1/requests", s.auth(s.handleRequests))
	mux.HandleFunc("POST /v1/requests/send", s.auth(s.handleSend))
	mux.HandleFunc("POST /v1/requests/{remote}/accept", s.auth(s.handleAccept))
	mux.HandleFunc("POST /v1/requests/{remote}/reject", s.auth(s.handleReject))
	mux.HandleFunc("GET /v1/events", s.auth(s.handleEvents))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the server in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("api listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop shuts the server down and disconnects event clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if !s.running.Swap(false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Token == "" && s.cfg.TokenHash == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); h != "" {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if !s.checkToken(got) {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) checkToken(got string) bool {
	if s.cfg.Token != "" {
		return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
	}
	if got == "" {
		return false
	}
	if v := s.verified.Load(); v != nil && subtle.ConstantTimeCompare([]byte(got), []byte(*v)) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(got)) != nil {
		return false
	}
	s.verified.Store(&got)
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":            "healthy",
		"started":           s.node.Started(),
		"discovery_running": s.node.DiscoveryRunning(),
		"pending_requests":  len(s.node.PendingRequests()),
		"event_clients":     s.hub.Clients(),
	}
	if !s.node.Started() {
		status = http.StatusServiceUnavailable
		body["status"] = "starting"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IDResponse{
		EndpointID:       s.node.ID().String(),
		Ticket:           s.node.NodeAddr().String(),
		Started:          s.node.Started(),
		DiscoveryRunning: s.node.DiscoveryRunning(),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	sd := s.node.Profile()
	if sd == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: friend.ErrNoProfile.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sd)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
		return
	}
	sd, err := profile.Unmarshal(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.node.SetProfile(sd); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.node.Profile())
}

func (s *Server) handleDiscoveryStart(w http.ResponseWriter, r *http.Request) {
	if err := s.node.StartDiscovery(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscoveryStop(w http.ResponseWriter, r *http.Request) {
	s.node.StopDiscovery()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	sightings := s.node.Peers()
	resp := PeersResponse{Peers: make([]PeerInfo, 0, len(sightings))}
	for _, p := range sightings {
		info := PeerInfo{
			EndpointID: p.ID.String(),
			Addrs:      make([]string, 0, len(p.Addrs)),
			SeenAt:     p.SeenAt,
		}
		for _, a := range p.Addrs {
			info.Addrs = append(info.Addrs, a.String())
		}
		resp.Peers = append(resp.Peers, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	reqs := s.node.PendingRequests()
	if reqs == nil {
		reqs = []friend.RequestInfo{}
	}
	writeJSON(w, http.StatusOK, RequestsResponse{Requests: reqs})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Peer == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "peer is required"})
		return
	}

	// The exchange waits for the remote user; only the client's context bounds it.
	s.clearDeadlines(w)

	sd, err := s.node.SendFriendRequest(r.Context(), req.Peer, req.Profile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	na, _ := transport.ParseNodeAddr(req.Peer)
	writeJSON(w, http.StatusOK, ExchangeResponse{RemoteID: na.ID.String(), ShareData: sd})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	remote, ok := s.remoteParam(w, r)
	if !ok {
		return
	}
	var req AcceptRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}

	s.clearDeadlines(w)

	sd, err := s.node.AcceptFriendRequest(r.Context(), remote, req.Profile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExchangeResponse{RemoteID: remote.String(), ShareData: sd})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	remote, ok := s.remoteParam(w, r)
	if !ok {
		return
	}
	if err := s.node.RejectFriendRequest(r.Context(), remote); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	client, ok := s.hub.register()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event stream closed"})
		return
	}
	defer s.hub.unregister(client)

	s.clearDeadlines(w)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", logging.KeyError, err)
		return
	}
	defer conn.CloseNow()

	s.logger.Debug("event client connected", logging.KeyRemoteAddr, r.RemoteAddr)

	// Inbound messages are ignored; CloseRead ends ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case data := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout())
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-client.gone:
			conn.Close(websocket.StatusGoingAway, "event stream closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) clearDeadlines(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
}

func (s *Server) remoteParam(w http.ResponseWriter, r *http.Request) (identity.EndpointID, bool) {
	remote, err := identity.ParseEndpointID(r.PathValue("remote"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return identity.EndpointID{}, false
	}
	return remote, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", logging.KeyError, err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// StatusFor maps an operation error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, friend.ErrNotFound),
		errors.Is(err, transport.ErrAddressNotFound):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrInvalidAddress),
		errors.Is(err, profile.ErrInvalid),
		errors.Is(err, profile.ErrMissingField):
		return http.StatusBadRequest
	case errors.Is(err, friend.ErrRejected):
		return http.StatusConflict
	case errors.Is(err, friend.ErrNotStarted),
		errors.Is(err, friend.ErrNoDiscovery),
		errors.Is(err, friend.ErrNoProfile):
		return http.StatusPreconditionFailed
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, friend.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
