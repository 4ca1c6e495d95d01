// Package discovery finds campuslink peers on the local network.
//
// Every implementation records what it sees in an AddressBook, so it can
// double as a transport.Resolver, and fans each sighting out to
// subscribers. Sightings repeat while a peer stays visible; consumers
// decide what counts as fresh.
package discovery

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/campuslink/campuslink/internal/identity"
)

// Defaults shared by the implementations.
const (
	DefaultPeerTTL         = 2 * time.Minute
	DefaultAddressBookSize = 256
	DefaultInterval        = 10 * time.Second

	subscriberBuffer = 32
)

var (
	// ErrUnknownPeer is returned by Resolve for peers never sighted (or expired).
	ErrUnknownPeer = errors.New("peer not discovered")

	// ErrClosed is returned by operations on a closed discovery service.
	ErrClosed = errors.New("discovery closed")
)

// Sighting is one observation of a remote endpoint.
type Sighting struct {
	ID     identity.EndpointID
	Addrs  []netip.AddrPort
	SeenAt time.Time
}

// AddressBook maps endpoint IDs to their last known addresses. Entries
// expire after the configured TTL.
type AddressBook struct {
	cache *expirable.LRU[identity.EndpointID, Sighting]
}

// NewAddressBook creates an address book holding at most size peers.
func NewAddressBook(size int, ttl time.Duration) *AddressBook {
	if size <= 0 {
		size = DefaultAddressBookSize
	}
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	return &AddressBook{cache: expirable.NewLRU[identity.EndpointID, Sighting](size, nil, ttl)}
}

// Add records a sighting, merging with addresses already known.
func (b *AddressBook) Add(s Sighting) {
	if prev, ok := b.cache.Peek(s.ID); ok {
		s.Addrs = mergeAddrs(s.Addrs, prev.Addrs)
	} else {
		s.Addrs = mergeAddrs(s.Addrs, nil)
	}
	b.cache.Add(s.ID, s)
}

// Lookup returns the last sighting of id.
func (b *AddressBook) Lookup(id identity.EndpointID) (Sighting, bool) {
	return b.cache.Get(id)
}

// Remove forgets id.
func (b *AddressBook) Remove(id identity.EndpointID) {
	b.cache.Remove(id)
}

// Peers returns the live entries, most recently seen first.
func (b *AddressBook) Peers() []Sighting {
	values := b.cache.Values()
	out := make([]Sighting, 0, len(values))
	for _, v := range values {
		// Values pads expired slots with zero entries.
		if v.ID.IsZero() {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SeenAt.After(out[j].SeenAt) })
	return out
}

// Len returns the number of entries, including not yet swept expired ones.
func (b *AddressBook) Len() int {
	return b.cache.Len()
}

// Resolve implements transport.Resolver.
func (b *AddressBook) Resolve(_ context.Context, id identity.EndpointID) ([]netip.AddrPort, error) {
	s, ok := b.Lookup(id)
	if !ok || len(s.Addrs) == 0 {
		return nil, ErrUnknownPeer
	}
	return append([]netip.AddrPort(nil), s.Addrs...), nil
}

func mergeAddrs(fresh, old []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{}, len(fresh)+len(old))
	out := make([]netip.AddrPort, 0, len(fresh)+len(old))
	for _, list := range [][]netip.AddrPort{fresh, old} {
		for _, ap := range list {
			if _, dup := seen[ap]; dup || !ap.IsValid() {
				continue
			}
			seen[ap] = struct{}{}
			out = append(out, ap)
		}
	}
	return out
}

// fanout delivers sightings to subscribers without blocking the producer.
type fanout struct {
	mu     sync.Mutex
	subs   map[chan Sighting]struct{}
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[chan Sighting]struct{})}
}

// subscribe returns a channel that is closed when ctx ends or the fanout
// closes.
func (f *fanout) subscribe(ctx context.Context) (<-chan Sighting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	ch := make(chan Sighting, subscriberBuffer)
	f.subs[ch] = struct{}{}

	context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	})
	return ch, nil
}

func (f *fanout) publish(s Sighting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
