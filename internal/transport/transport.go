// Package transport provides the encrypted point-to-point endpoint used by
// campuslink peers.
//
// An Endpoint is a single UDP socket speaking QUIC. Both sides of every
// connection present a self-signed certificate whose key is the endpoint's
// Ed25519 identity, so a dialer addresses peers by EndpointID and the TLS
// handshake proves who answered. Connections are routed to a
// ProtocolHandler by the ALPN they negotiated.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/campuslink/campuslink/internal/identity"
)

var (
	// ErrInvalidAddress is returned for a malformed peer address or ticket.
	ErrInvalidAddress = errors.New("invalid peer address")

	// ErrAddressNotFound is returned when no resolver knows the peer.
	ErrAddressNotFound = errors.New("no known address for peer")

	// ErrConnect wraps every dial failure (timeout, refusal, identity mismatch).
	ErrConnect = errors.New("connect to peer failed")

	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
)

// ProtocolHandler serves connections negotiated under one ALPN.
//
// HandleConn runs in its own goroutine and owns conn: it must close it
// (directly or by handing it to something that will).
type ProtocolHandler interface {
	HandleConn(ctx context.Context, conn Conn) error
}

// Resolver maps an EndpointID to candidate addresses.
type Resolver interface {
	Resolve(ctx context.Context, id identity.EndpointID) ([]netip.AddrPort, error)
}

// Conn is an authenticated connection to a remote endpoint.
type Conn interface {
	// OpenStream opens a new bidirectional stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the peer to open a bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteID returns the identity proven during the handshake.
	RemoteID() identity.EndpointID

	// Protocol returns the negotiated ALPN.
	Protocol() string

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// CloseWithError closes the connection with an application error code.
	CloseWithError(code uint64, reason string) error

	// Done is closed once the connection is closed by either side.
	Done() <-chan struct{}

	// Err returns the reason the connection closed, nil while it is open.
	Err() error
}

// Stream is a bidirectional byte stream with half-close support.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite sends a half-close (FIN) - signals done sending.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}
