package discovery

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/campuslink/campuslink/internal/identity"
)

// LocalNetwork is an in-process stand-in for the LAN: members see each
// other without multicast. It backs single-host setups where multicast is
// unavailable (containers, CI).
type LocalNetwork struct {
	mu      sync.Mutex
	members map[identity.EndpointID]*Local
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{members: make(map[identity.EndpointID]*Local)}
}

// Local is one member of a LocalNetwork.
type Local struct {
	net   *LocalNetwork
	self  Sighting
	book  *AddressBook
	fan   *fanout
	stop  chan struct{}
	wg    sync.WaitGroup
	close sync.Once
}

// Join adds id to the network. Members announce themselves on join and
// then every interval (0 disables repeats).
func (n *LocalNetwork) Join(id identity.EndpointID, addrs []netip.AddrPort, interval time.Duration) *Local {
	l := &Local{
		net:  n,
		self: Sighting{ID: id, Addrs: append([]netip.AddrPort(nil), addrs...)},
		book: NewAddressBook(DefaultAddressBookSize, DefaultPeerTTL),
		fan:  newFanout(),
		stop: make(chan struct{}),
	}

	n.mu.Lock()
	n.members[id] = l
	n.mu.Unlock()

	n.announce(l)
	n.learnAll(l)

	if interval > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-l.stop:
					return
				case <-ticker.C:
					n.announce(l)
				}
			}
		}()
	}
	return l
}

// announce delivers from's sighting to every other member.
func (n *LocalNetwork) announce(from *Local) {
	n.mu.Lock()
	others := make([]*Local, 0, len(n.members))
	for id, m := range n.members {
		if id != from.self.ID {
			others = append(others, m)
		}
	}
	n.mu.Unlock()

	s := from.self
	s.SeenAt = time.Now()
	for _, m := range others {
		m.observe(s)
	}
}

// learnAll makes l see every existing member.
func (n *LocalNetwork) learnAll(l *Local) {
	n.mu.Lock()
	var seen []Sighting
	for id, m := range n.members {
		if id != l.self.ID {
			seen = append(seen, m.self)
		}
	}
	n.mu.Unlock()

	for _, s := range seen {
		s.SeenAt = time.Now()
		l.observe(s)
	}
}

func (n *LocalNetwork) leave(l *Local) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.members[l.self.ID] == l {
		delete(n.members, l.self.ID)
	}
}

func (l *Local) observe(s Sighting) {
	l.book.Add(s)
	l.fan.publish(s)
}

// Announce re-broadcasts this member's presence immediately.
func (l *Local) Announce() {
	l.net.announce(l)
}

// Subscribe returns a channel of sightings that closes when ctx ends or
// the member leaves.
func (l *Local) Subscribe(ctx context.Context) (<-chan Sighting, error) {
	return l.fan.subscribe(ctx)
}

// Resolve implements transport.Resolver.
func (l *Local) Resolve(ctx context.Context, id identity.EndpointID) ([]netip.AddrPort, error) {
	return l.book.Resolve(ctx, id)
}

// Peers returns recently seen peers, newest first.
func (l *Local) Peers() []Sighting {
	return l.book.Peers()
}

// Close leaves the network.
func (l *Local) Close() error {
	l.close.Do(func() {
		close(l.stop)
		l.wg.Wait()
		l.net.leave(l)
		l.fan.close()
	})
	return nil
}
