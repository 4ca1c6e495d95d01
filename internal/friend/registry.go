package friend

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/transport"
)

var errAlreadyClaimed = errors.New("pending request already answered")

// PendingRequest is an inbound request waiting for a local decision. It
// owns the request's connection and the unused half of stream #1; claim
// hands them out exactly once.
type PendingRequest struct {
	ID         uuid.UUID
	Request    IncomingRequest
	ReceivedAt time.Time

	conn    transport.Conn
	stream  transport.Stream
	claimed atomic.Bool
}

func newPendingRequest(req IncomingRequest, conn transport.Conn, stream transport.Stream) *PendingRequest {
	return &PendingRequest{
		ID:         uuid.New(),
		Request:    req,
		ReceivedAt: time.Now(),
		conn:       conn,
		stream:     stream,
	}
}

// claim returns the connection and response stream. Only the first call
// succeeds.
func (p *PendingRequest) claim() (transport.Conn, transport.Stream, error) {
	if !p.claimed.CompareAndSwap(false, true) {
		return nil, nil, errAlreadyClaimed
	}
	conn, stream := p.conn, p.stream
	p.conn, p.stream = nil, nil
	return conn, stream, nil
}

// RequestInfo is a read-only view of a PendingRequest.
type RequestInfo struct {
	ID         string          `json:"id"`
	Request    IncomingRequest `json:"request"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Registry holds pending requests keyed by remote identity. Repeated
// requests from one remote are kept as separate entries, oldest first.
type Registry struct {
	mu       sync.Mutex
	entries  map[identity.EndpointID][]*PendingRequest
	count    int
	onChange func(count int)
}

// NewRegistry creates an empty registry. onChange, if set, is called with
// the new size after every mutation while the lock is held, so calls
// arrive in mutation order. It must not call back into the registry.
func NewRegistry(onChange func(count int)) *Registry {
	return &Registry{
		entries:  make(map[identity.EndpointID][]*PendingRequest),
		onChange: onChange,
	}
}

// changedLocked reports the current size. r.mu must be held.
func (r *Registry) changedLocked() {
	if r.onChange != nil {
		r.onChange(r.count)
	}
}

// Insert adds p.
func (r *Registry) Insert(p *PendingRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remote := p.Request.RemoteID
	r.entries[remote] = append(r.entries[remote], p)
	r.count++
	r.changedLocked()
}

// Take removes and returns the oldest entry for remote.
func (r *Registry) Take(remote identity.EndpointID) (*PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.entries[remote]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	p := list[0]
	if len(list) == 1 {
		delete(r.entries, remote)
	} else {
		r.entries[remote] = list[1:]
	}
	r.count--
	r.changedLocked()
	return p, nil
}

// Remove deletes p if it is still registered and reports whether it was.
func (r *Registry) Remove(p *PendingRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	remote := p.Request.RemoteID
	list := r.entries[remote]
	idx := -1
	for i, e := range list {
		if e == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(r.entries, remote)
	} else {
		r.entries[remote] = list
	}
	r.count--
	r.changedLocked()
	return true
}

// Drain removes and returns every entry.
func (r *Registry) Drain() []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingRequest
	for _, list := range r.entries {
		out = append(out, list...)
	}
	r.entries = make(map[identity.EndpointID][]*PendingRequest)
	r.count = 0
	if len(out) > 0 {
		r.changedLocked()
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Contains reports whether remote has at least one entry.
func (r *Registry) Contains(remote identity.EndpointID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[remote]) > 0
}

// Snapshot lists entries, oldest first.
func (r *Registry) Snapshot() []RequestInfo {
	r.mu.Lock()
	out := make([]RequestInfo, 0, r.count)
	for _, list := range r.entries {
		for _, p := range list {
			out = append(out, RequestInfo{
				ID:         p.ID.String(),
				Request:    p.Request,
				ReceivedAt: p.ReceivedAt,
			})
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
