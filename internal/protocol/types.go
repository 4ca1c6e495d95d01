// Package protocol defines the wire protocol spoken between two campuslink
// endpoints during a friend exchange.
//
// A handshake runs on one connection negotiated under ALPN:
//
//	stream #1 (initiator opens)  Request  ->   <- Response
//	stream #2 (initiator opens)  ShareData ->  <- ShareData   (accepted only)
//
// Every message is a single JSON document terminated by the sender closing
// its write side of the stream.
package protocol

import "fmt"

// ALPN is the protocol tag negotiated for friend-exchange connections.
const ALPN = "campuslink/friend/1"

// Payload bounds.
const (
	MaxRequestSize  = 1024
	MaxResponseSize = 1024
	MaxProfileSize  = 100 * 1024
)

// CloseCode is the application error code carried on connection close.
type CloseCode uint64

// Close codes
const (
	CloseDone          CloseCode = 0 // Exchange finished normally
	CloseRejected      CloseCode = 1 // Responder declined the request
	CloseProtocolError CloseCode = 2 // Malformed or oversized message
	CloseBusy          CloseCode = 3 // Inbound rate limit exceeded
	CloseShutdown      CloseCode = 4 // Endpoint shutting down
	CloseUnsupported   CloseCode = 5 // No handler for the negotiated ALPN
	CloseInternal      CloseCode = 6 // Local handler failed unexpectedly
)

// String returns a human-readable name for the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseDone:
		return "DONE"
	case CloseRejected:
		return "REJECTED"
	case CloseProtocolError:
		return "PROTOCOL_ERROR"
	case CloseBusy:
		return "BUSY"
	case CloseShutdown:
		return "SHUTDOWN"
	case CloseUnsupported:
		return "UNSUPPORTED_PROTOCOL"
	case CloseInternal:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint64(c))
	}
}
