package friend

import (
	"encoding/json"
	"fmt"

	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/profile"
)

// EventType names an Event variant.
type EventType string

// Event types
const (
	EventPeerDiscovered  EventType = "PeerDiscovered"
	EventIncomingRequest EventType = "IncomingRequest"
	EventRequestAccepted EventType = "RequestAccepted"
	EventRequestRejected EventType = "RequestRejected"
	EventDataReceived    EventType = "DataReceived"
	EventError           EventType = "Error"
)

// Event is one notification for the presentation layer. The set of
// variants is closed; switch on the concrete type.
type Event interface {
	Type() EventType
	isEvent()
}

// DiscoveredPeer is a peer reported by discovery.
type DiscoveredPeer struct {
	EndpointID identity.EndpointID `json:"endpoint_id"`
	Timestamp  int64               `json:"timestamp"` // unix seconds
}

// IncomingRequest is what a requester declared about itself, plus the
// identity its connection authenticated as.
type IncomingRequest struct {
	From     string              `json:"from"`
	Name     string              `json:"name"`
	RemoteID identity.EndpointID `json:"remote_id"`
}

// PeerDiscoveredEvent reports a discovery sighting.
type PeerDiscoveredEvent struct {
	Peer DiscoveredPeer
}

// IncomingRequestEvent reports a friend request awaiting a decision.
type IncomingRequestEvent struct {
	Request IncomingRequest
}

// RequestAcceptedEvent reports a completed exchange on the responder side.
type RequestAcceptedEvent struct {
	Peer      identity.EndpointID
	ShareData *profile.ShareData
}

// RequestRejectedEvent reports that a peer declined our request.
type RequestRejectedEvent struct {
	Peer   identity.EndpointID
	Reason string
}

// DataReceivedEvent reports a completed exchange on the initiator side.
type DataReceivedEvent struct {
	Peer      identity.EndpointID
	ShareData *profile.ShareData
}

// ErrorEvent reports a failure with no waiting caller. Peer is zero when
// the failure is not tied to a connection.
type ErrorEvent struct {
	Peer    identity.EndpointID
	Message string
}

func (PeerDiscoveredEvent) Type() EventType  { return EventPeerDiscovered }
func (IncomingRequestEvent) Type() EventType { return EventIncomingRequest }
func (RequestAcceptedEvent) Type() EventType { return EventRequestAccepted }
func (RequestRejectedEvent) Type() EventType { return EventRequestRejected }
func (DataReceivedEvent) Type() EventType    { return EventDataReceived }
func (ErrorEvent) Type() EventType           { return EventError }

func (PeerDiscoveredEvent) isEvent()  {}
func (IncomingRequestEvent) isEvent() {}
func (RequestAcceptedEvent) isEvent() {}
func (RequestRejectedEvent) isEvent() {}
func (DataReceivedEvent) isEvent()    {}
func (ErrorEvent) isEvent()           {}

// Envelope is the JSON form of an Event.
type Envelope struct {
	Type      EventType            `json:"type"`
	Peer      *DiscoveredPeer      `json:"peer,omitempty"`
	Request   *IncomingRequest     `json:"request,omitempty"`
	RemoteID  *identity.EndpointID `json:"remote_id,omitempty"`
	ShareData *profile.ShareData   `json:"share_data,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// NewEnvelope wraps ev for encoding.
func NewEnvelope(ev Event) Envelope {
	env := Envelope{Type: ev.Type()}
	remote := func(id identity.EndpointID) *identity.EndpointID {
		if id.IsZero() {
			return nil
		}
		return &id
	}

	switch e := ev.(type) {
	case PeerDiscoveredEvent:
		p := e.Peer
		env.Peer = &p
	case IncomingRequestEvent:
		r := e.Request
		env.Request = &r
	case RequestAcceptedEvent:
		env.RemoteID = remote(e.Peer)
		env.ShareData = e.ShareData
	case RequestRejectedEvent:
		env.RemoteID = remote(e.Peer)
		env.Reason = e.Reason
	case DataReceivedEvent:
		env.RemoteID = remote(e.Peer)
		env.ShareData = e.ShareData
	case ErrorEvent:
		env.RemoteID = remote(e.Peer)
		env.Message = e.Message
	}
	return env
}

// Event converts the envelope back to its variant.
func (env Envelope) Event() (Event, error) {
	var remote identity.EndpointID
	if env.RemoteID != nil {
		remote = *env.RemoteID
	}

	switch env.Type {
	case EventPeerDiscovered:
		if env.Peer == nil {
			return nil, fmt.Errorf("%s event without peer", env.Type)
		}
		return PeerDiscoveredEvent{Peer: *env.Peer}, nil
	case EventIncomingRequest:
		if env.Request == nil {
			return nil, fmt.Errorf("%s event without request", env.Type)
		}
		return IncomingRequestEvent{Request: *env.Request}, nil
	case EventRequestAccepted:
		return RequestAcceptedEvent{Peer: remote, ShareData: env.ShareData}, nil
	case EventRequestRejected:
		return RequestRejectedEvent{Peer: remote, Reason: env.Reason}, nil
	case EventDataReceived:
		return DataReceivedEvent{Peer: remote, ShareData: env.ShareData}, nil
	case EventError:
		return ErrorEvent{Peer: remote, Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// MarshalEvent encodes ev as a JSON envelope.
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(NewEnvelope(ev))
}

// UnmarshalEvent decodes a JSON envelope.
func UnmarshalEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return env.Event()
}
